// Package track provides the geometric types shared by the tracking
// protocol, the device sources and the relay: 3-vectors, rigid poses with
// quaternion orientations, and per-tracker state.
package track

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Vec3 is a 3-component vector in metres (positions) or metres per second
// (velocities).
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Scale returns v scaled by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

// Dot returns the dot product of v and o.
func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Pose is a rigid transform: a rotation followed by a translation.
// Orientation is a unit quaternion.
type Pose struct {
	Position    Vec3
	Orientation quat.Number
}

// IdentityPose returns the identity transform.
func IdentityPose() Pose {
	return Pose{Orientation: quat.Number{Real: 1}}
}

// AxisAngle returns the unit quaternion rotating by angle radians about the
// given axis. A zero axis yields the identity rotation.
func AxisAngle(axis Vec3, angle float64) quat.Number {
	n := axis.Norm()
	if n == 0 {
		return quat.Number{Real: 1}
	}
	s := math.Sin(angle/2) / n
	return quat.Number{
		Real: math.Cos(angle / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}
}

// Rotate applies the rotation q to v via conjugation q v q*.
func Rotate(q quat.Number, v Vec3) Vec3 {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return Vec3{r.Imag, r.Jmag, r.Kmag}
}

// Apply transforms the point v by the pose: rotate, then translate.
func (p Pose) Apply(v Vec3) Vec3 {
	return Rotate(p.Orientation, v).Add(p.Position)
}

// Compose returns the pose equivalent to applying o first, then p.
func (p Pose) Compose(o Pose) Pose {
	return Pose{
		Position:    p.Apply(o.Position),
		Orientation: quat.Mul(p.Orientation, o.Orientation),
	}
}

// Normalize rescales the orientation to unit length. Poses decoded from the
// wire carry float32-precision quaternions; normalising keeps repeated
// composition from drifting.
func (p Pose) Normalize() Pose {
	n := quat.Abs(p.Orientation)
	if n == 0 {
		p.Orientation = quat.Number{Real: 1}
		return p
	}
	p.Orientation = quat.Scale(1/n, p.Orientation)
	return p
}

// TrackerState is the full state of one tracked body: its pose plus linear
// and angular velocity. Velocities are session-local and never serialised.
type TrackerState struct {
	Pose            Pose
	LinearVelocity  Vec3
	AngularVelocity Vec3
}

// NewTrackerState returns a tracker at the identity pose with zero
// velocities.
func NewTrackerState() TrackerState {
	return TrackerState{Pose: IdentityPose()}
}

// DeviceLayout is the per-session triple of tracker/button/valuator counts.
// It is negotiated once per connection and never changes afterwards.
type DeviceLayout struct {
	NumTrackers  int `json:"num_trackers"`
	NumButtons   int `json:"num_buttons"`
	NumValuators int `json:"num_valuators"`
}

// Validate reports an error for negative counts. Layout values received
// from the network must be validated before any buffers are sized from
// them.
func (l DeviceLayout) Validate() error {
	if l.NumTrackers < 0 || l.NumButtons < 0 || l.NumValuators < 0 {
		return fmt.Errorf("invalid device layout: trackers=%d buttons=%d valuators=%d",
			l.NumTrackers, l.NumButtons, l.NumValuators)
	}
	return nil
}

func (l DeviceLayout) String() string {
	return fmt.Sprintf("%dt/%db/%dv", l.NumTrackers, l.NumButtons, l.NumValuators)
}
