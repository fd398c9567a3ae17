package protocol

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/trackd/internal/track"
)

// Wire sizes of the PACKET_REPLY payload components. Tracker poses travel
// as float32 (position xyz + orientation quaternion xyzw); velocities are
// session-local and never serialised. Timestamps and valuators are
// float64, buttons and validity flags one byte each.
const (
	TRACKER_WIRE_BYTES   = 7 * 4 // 3 x f32 position + 4 x f32 quaternion
	TIMESTAMP_WIRE_BYTES = 8     // f64 seconds
	FLAG_WIRE_BYTES      = 1
	BUTTON_WIRE_BYTES    = 1
	VALUATOR_WIRE_BYTES  = 8 // f64
)

// DeviceState is one complete snapshot of all trackers, buttons and
// valuators under a fixed layout, plus its wire marshaling. The five
// backing slices always share the layout-derived lengths; SetLayout
// replaces all of them together, so no partial-layout state is ever
// observable. Index i refers to the same logical tracker/button/valuator
// across every snapshot with the same layout.
//
// Whether a packet carries per-tracker timestamps and validity flags is
// fixed per session and agreed out of band; there is no in-band indicator,
// so the include/expect flags passed to Write and Read must match between
// peers.
type DeviceState struct {
	layout track.DeviceLayout

	trackerStates  []track.TrackerState
	trackerTimes   []float64
	trackerValids  []bool
	buttonStates   []bool
	valuatorStates []float64
}

// NewDeviceState returns a snapshot sized for the given layout with every
// tracker at identity, every timestamp zero, every flag false and every
// valuator zero. The layout must have been validated; negative counts are
// a programmer error.
func NewDeviceState(layout track.DeviceLayout) *DeviceState {
	s := &DeviceState{}
	s.SetLayout(layout)
	return s
}

// SetLayout discards the previous backing slices and allocates fresh ones
// for the new layout, re-initialising every element. Calling it with an
// unchanged layout is safe and simply resets the snapshot. The layout must
// have been validated; ReadLayout validates counts arriving from the
// network before calling it.
func (s *DeviceState) SetLayout(layout track.DeviceLayout) {
	s.layout = layout
	s.trackerStates = make([]track.TrackerState, layout.NumTrackers)
	for i := range s.trackerStates {
		s.trackerStates[i] = track.NewTrackerState()
	}
	s.trackerTimes = make([]float64, layout.NumTrackers)
	s.trackerValids = make([]bool, layout.NumTrackers)
	s.buttonStates = make([]bool, layout.NumButtons)
	s.valuatorStates = make([]float64, layout.NumValuators)
}

// Layout returns the snapshot's current layout.
func (s *DeviceState) Layout() track.DeviceLayout {
	return s.layout
}

// TrackerState returns the state of tracker i.
func (s *DeviceState) TrackerState(i int) track.TrackerState {
	return s.trackerStates[i]
}

// SetTrackerState overwrites the state of tracker i.
func (s *DeviceState) SetTrackerState(i int, ts track.TrackerState) {
	s.trackerStates[i] = ts
}

// TrackerTime returns the timestamp of tracker i in seconds.
func (s *DeviceState) TrackerTime(i int) float64 {
	return s.trackerTimes[i]
}

// SetTrackerTime sets the timestamp of tracker i in seconds.
func (s *DeviceState) SetTrackerTime(i int, t float64) {
	s.trackerTimes[i] = t
}

// TrackerValid reports whether tracker i currently delivers valid data.
func (s *DeviceState) TrackerValid(i int) bool {
	return s.trackerValids[i]
}

// SetTrackerValid marks tracker i valid or invalid.
func (s *DeviceState) SetTrackerValid(i int, valid bool) {
	s.trackerValids[i] = valid
}

// Button returns the state of button i.
func (s *DeviceState) Button(i int) bool {
	return s.buttonStates[i]
}

// SetButton sets the state of button i.
func (s *DeviceState) SetButton(i int, pressed bool) {
	s.buttonStates[i] = pressed
}

// Valuator returns the value of valuator i.
func (s *DeviceState) Valuator(i int) float64 {
	return s.valuatorStates[i]
}

// SetValuator sets the value of valuator i.
func (s *DeviceState) SetValuator(i int, v float64) {
	s.valuatorStates[i] = v
}

// WriteLayout serialises the three layout counts in the fixed order
// trackers, buttons, valuators.
func (s *DeviceState) WriteLayout(w *Writer) error {
	if err := w.WriteInt32(int32(s.layout.NumTrackers)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(s.layout.NumButtons)); err != nil {
		return err
	}
	return w.WriteInt32(int32(s.layout.NumValuators))
}

// ReadLayout decodes the three layout counts, validates them, and resizes
// the snapshot via SetLayout.
func (s *DeviceState) ReadLayout(r *Reader) error {
	var counts [3]int32
	for i := range counts {
		v, err := r.ReadInt32()
		if err != nil {
			return fmt.Errorf("read layout: %w", err)
		}
		counts[i] = v
	}
	layout := track.DeviceLayout{
		NumTrackers:  int(counts[0]),
		NumButtons:   int(counts[1]),
		NumValuators: int(counts[2]),
	}
	if err := layout.Validate(); err != nil {
		return err
	}
	s.SetLayout(layout)
	return nil
}

// packetBytes returns the PACKET_REPLY payload size for the layout and the
// session's timestamp/valid-flag settings.
func packetBytes(layout track.DeviceLayout, timestamps, validFlags bool) int {
	n := layout.NumTrackers * TRACKER_WIRE_BYTES
	if timestamps {
		n += layout.NumTrackers * TIMESTAMP_WIRE_BYTES
	}
	if validFlags {
		n += layout.NumTrackers * FLAG_WIRE_BYTES
	}
	n += layout.NumButtons * BUTTON_WIRE_BYTES
	n += layout.NumValuators * VALUATOR_WIRE_BYTES
	return n
}

func putFloat32(buf []byte, off int, v float64) int {
	byteOrder.PutUint32(buf[off:], math.Float32bits(float32(v)))
	return off + 4
}

func putFloat64(buf []byte, off int, v float64) int {
	byteOrder.PutUint64(buf[off:], math.Float64bits(v))
	return off + 8
}

func getFloat32(buf []byte, off int) (float64, int) {
	return float64(math.Float32frombits(byteOrder.Uint32(buf[off:]))), off + 4
}

func getFloat64(buf []byte, off int) (float64, int) {
	return math.Float64frombits(byteOrder.Uint64(buf[off:])), off + 8
}

// Write marshals the snapshot in wire order: tracker poses, then
// timestamps if includeTimestamps, then validity flags if
// includeValidFlags, then buttons, then valuators. The payload is packed
// into a single buffer and written with one call so a PACKET_REPLY is
// never interleaved with other output.
func (s *DeviceState) Write(w io.Writer, includeTimestamps, includeValidFlags bool) error {
	buf := make([]byte, packetBytes(s.layout, includeTimestamps, includeValidFlags))
	off := 0
	for i := range s.trackerStates {
		p := s.trackerStates[i].Pose
		off = putFloat32(buf, off, p.Position.X)
		off = putFloat32(buf, off, p.Position.Y)
		off = putFloat32(buf, off, p.Position.Z)
		off = putFloat32(buf, off, p.Orientation.Imag)
		off = putFloat32(buf, off, p.Orientation.Jmag)
		off = putFloat32(buf, off, p.Orientation.Kmag)
		off = putFloat32(buf, off, p.Orientation.Real)
	}
	if includeTimestamps {
		for i := range s.trackerTimes {
			off = putFloat64(buf, off, s.trackerTimes[i])
		}
	}
	if includeValidFlags {
		for i := range s.trackerValids {
			if s.trackerValids[i] {
				buf[off] = 1
			}
			off++
		}
	}
	for i := range s.buttonStates {
		if s.buttonStates[i] {
			buf[off] = 1
		}
		off++
	}
	for i := range s.valuatorStates {
		off = putFloat64(buf, off, s.valuatorStates[i])
	}

	_, err := w.Write(buf)
	return err
}

// Read is the inverse of Write with matching flags. A connection closed
// mid-payload surfaces as io.ErrUnexpectedEOF; a partially received packet
// is never resumed. On error the snapshot is left unchanged.
func (s *DeviceState) Read(r io.Reader, expectTimestamps, expectValidFlags bool) error {
	buf := make([]byte, packetBytes(s.layout, expectTimestamps, expectValidFlags))
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read packet payload: %w", err)
	}

	off := 0
	for i := range s.trackerStates {
		var p track.Pose
		p.Position.X, off = getFloat32(buf, off)
		p.Position.Y, off = getFloat32(buf, off)
		p.Position.Z, off = getFloat32(buf, off)
		var q quat.Number
		q.Imag, off = getFloat32(buf, off)
		q.Jmag, off = getFloat32(buf, off)
		q.Kmag, off = getFloat32(buf, off)
		q.Real, off = getFloat32(buf, off)
		p.Orientation = q
		s.trackerStates[i].Pose = p
	}
	if expectTimestamps {
		for i := range s.trackerTimes {
			s.trackerTimes[i], off = getFloat64(buf, off)
		}
	}
	if expectValidFlags {
		for i := range s.trackerValids {
			s.trackerValids[i] = buf[off] != 0
			off++
		}
	}
	for i := range s.buttonStates {
		s.buttonStates[i] = buf[off] != 0
		off++
	}
	for i := range s.valuatorStates {
		s.valuatorStates[i], off = getFloat64(buf, off)
	}
	return nil
}

// MarshalPacket packs the snapshot into a fresh byte slice in wire order.
// The server uses it to encode a snapshot once and fan the same bytes out
// to every streaming client.
func (s *DeviceState) MarshalPacket(includeTimestamps, includeValidFlags bool) []byte {
	buf := make([]byte, 0, packetBytes(s.layout, includeTimestamps, includeValidFlags))
	w := sliceWriter{&buf}
	// Writing to an in-memory slice cannot fail.
	_ = s.Write(w, includeTimestamps, includeValidFlags)
	return buf
}

type sliceWriter struct {
	buf *[]byte
}

func (w sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
