package track

import (
	"math"
	"testing"
)

const eps = 1e-9

func vecClose(a, b Vec3) bool {
	return math.Abs(a.X-b.X) < eps && math.Abs(a.Y-b.Y) < eps && math.Abs(a.Z-b.Z) < eps
}

func TestAxisAngleRotation(t *testing.T) {
	// 90 degrees about Z maps +X to +Y.
	q := AxisAngle(Vec3{Z: 1}, math.Pi/2)
	got := Rotate(q, Vec3{X: 1})
	want := Vec3{Y: 1}
	if !vecClose(got, want) {
		t.Errorf("Rotate(+X by 90deg about Z) = %+v, want %+v", got, want)
	}
}

func TestAxisAngleZeroAxis(t *testing.T) {
	q := AxisAngle(Vec3{}, 1.2)
	got := Rotate(q, Vec3{X: 3, Y: -2, Z: 1})
	if !vecClose(got, Vec3{X: 3, Y: -2, Z: 1}) {
		t.Errorf("zero-axis rotation moved the vector: %+v", got)
	}
}

func TestIdentityPoseApply(t *testing.T) {
	p := IdentityPose()
	v := Vec3{X: 1, Y: 2, Z: 3}
	if got := p.Apply(v); !vecClose(got, v) {
		t.Errorf("identity.Apply(%+v) = %+v", v, got)
	}
}

func TestPoseApply(t *testing.T) {
	p := Pose{
		Position:    Vec3{X: 10},
		Orientation: AxisAngle(Vec3{Z: 1}, math.Pi/2),
	}
	got := p.Apply(Vec3{X: 1})
	want := Vec3{X: 10, Y: 1}
	if !vecClose(got, want) {
		t.Errorf("Apply = %+v, want %+v", got, want)
	}
}

func TestPoseCompose(t *testing.T) {
	a := Pose{Position: Vec3{X: 1}, Orientation: AxisAngle(Vec3{Z: 1}, math.Pi/2)}
	b := Pose{Position: Vec3{Y: 2}, Orientation: AxisAngle(Vec3{Z: 1}, math.Pi/2)}

	v := Vec3{X: 1}
	direct := a.Apply(b.Apply(v))
	composed := a.Compose(b).Apply(v)
	if !vecClose(direct, composed) {
		t.Errorf("compose mismatch: direct=%+v composed=%+v", direct, composed)
	}
}

func TestNormalize(t *testing.T) {
	p := Pose{Orientation: AxisAngle(Vec3{X: 1, Y: 1}, 0.7)}
	p.Orientation.Real *= 1.001 // simulate float32 round-trip drift
	n := p.Normalize()

	mag := math.Sqrt(n.Orientation.Real*n.Orientation.Real +
		n.Orientation.Imag*n.Orientation.Imag +
		n.Orientation.Jmag*n.Orientation.Jmag +
		n.Orientation.Kmag*n.Orientation.Kmag)
	if math.Abs(mag-1) > eps {
		t.Errorf("normalised magnitude = %v", mag)
	}

	// Degenerate zero quaternion falls back to identity.
	z := Pose{}.Normalize()
	if z.Orientation.Real != 1 {
		t.Errorf("zero quaternion normalised to %+v", z.Orientation)
	}
}

func TestLayoutValidate(t *testing.T) {
	cases := []struct {
		layout  DeviceLayout
		wantErr bool
	}{
		{DeviceLayout{2, 3, 1}, false},
		{DeviceLayout{0, 0, 0}, false},
		{DeviceLayout{-1, 3, 1}, true},
		{DeviceLayout{2, -1, 1}, true},
		{DeviceLayout{2, 3, -1}, true},
	}
	for _, c := range cases {
		err := c.layout.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("Validate(%v) err=%v, wantErr=%v", c.layout, err, c.wantErr)
		}
	}
}
