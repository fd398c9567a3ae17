package device

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/trackd/internal/protocol"
	"github.com/banshee-data/trackd/internal/track"
)

type mockPort struct {
	buf    []byte
	closed bool
}

func (m *mockPort) Read(p []byte) (int, error) {
	if len(m.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

func (m *mockPort) Close() error {
	m.closed = true
	return nil
}

func (m *mockPort) SetMode(mode *serial.Mode) error                      { return nil }
func (m *mockPort) Write(p []byte) (int, error)                          { return len(p), nil }
func (m *mockPort) Drain() error                                         { return nil }
func (m *mockPort) ResetInputBuffer() error                              { return nil }
func (m *mockPort) ResetOutputBuffer() error                             { return nil }
func (m *mockPort) SetDTR(dtr bool) error                                { return nil }
func (m *mockPort) SetRTS(rts bool) error                                { return nil }
func (m *mockPort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return nil, nil }
func (m *mockPort) SetReadTimeout(t time.Duration) error                 { return nil }
func (m *mockPort) Break(d time.Duration) error                          { return nil }

var testLayout = track.DeviceLayout{NumTrackers: 2, NumButtons: 2, NumValuators: 1}

// runSource feeds the record stream through a SerialSource and collects
// one published snapshot per frame marker.
func runSource(t *testing.T, records string) []*protocol.DeviceState {
	t.Helper()
	port := &mockPort{buf: []byte(records)}
	src := NewSerialSourceFromPort(port, "mock", testLayout)

	var frames []*protocol.DeviceState
	err := src.Run(context.Background(), func(s *protocol.DeviceState) {
		snapshot := protocol.NewDeviceState(testLayout)
		for i := 0; i < testLayout.NumTrackers; i++ {
			snapshot.SetTrackerState(i, s.TrackerState(i))
			snapshot.SetTrackerTime(i, s.TrackerTime(i))
			snapshot.SetTrackerValid(i, s.TrackerValid(i))
		}
		for i := 0; i < testLayout.NumButtons; i++ {
			snapshot.SetButton(i, s.Button(i))
		}
		for i := 0; i < testLayout.NumValuators; i++ {
			snapshot.SetValuator(i, s.Valuator(i))
		}
		frames = append(frames, snapshot)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !port.closed {
		t.Error("port not closed after Run")
	}
	return frames
}

func TestSerialFrameDecoding(t *testing.T) {
	frames := runSource(t, ""+
		"# hardware banner line\n"+
		"T,0,1.0,2.0,3.0,0,0,0,1\n"+
		"T,1,-1.5,0,0.25,0,0.7071067811865476,0,0.7071067811865476\n"+
		"B,0,1\n"+
		"V,0,-0.5\n"+
		"*\n"+
		"B,0,0\n"+
		"B,1,1\n"+
		"*\n")
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}

	first := frames[0]
	ts := first.TrackerState(0)
	if ts.Pose.Position != (track.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Errorf("tracker 0 position = %+v", ts.Pose.Position)
	}
	if !first.TrackerValid(0) || !first.TrackerValid(1) {
		t.Error("trackers not marked valid after pose records")
	}
	if q := first.TrackerState(1).Pose.Orientation; math.Abs(q.Jmag-math.Sqrt2/2) > 1e-9 {
		t.Errorf("tracker 1 orientation = %+v", q)
	}
	if !first.Button(0) || first.Button(1) {
		t.Errorf("frame 1 buttons = %v,%v", first.Button(0), first.Button(1))
	}
	if first.Valuator(0) != -0.5 {
		t.Errorf("valuator 0 = %v", first.Valuator(0))
	}

	// State carries forward between frames; only the buttons changed.
	second := frames[1]
	if second.Button(0) || !second.Button(1) {
		t.Errorf("frame 2 buttons = %v,%v", second.Button(0), second.Button(1))
	}
	if second.TrackerState(0).Pose.Position != (track.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Error("tracker pose did not carry forward to the second frame")
	}
}

func TestSerialMalformedRecordsSkipped(t *testing.T) {
	frames := runSource(t, ""+
		"T,0,1,2\n"+ // too few fields
		"T,9,0,0,0,0,0,0,1\n"+ // index out of range
		"B,0,garbage\n"+ // accepted: anything but "1" reads as released
		"X,0,1\n"+ // unknown record type
		"V,0,not-a-number\n"+
		"B,1,1\n"+
		"*\n")
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	state := frames[0]
	if state.TrackerValid(0) {
		t.Error("malformed tracker record marked tracker 0 valid")
	}
	if state.Valuator(0) != 0 {
		t.Errorf("valuator 0 = %v after malformed record", state.Valuator(0))
	}
	if !state.Button(1) {
		t.Error("valid button record after malformed lines was dropped")
	}
}

func TestSerialNormalisesPose(t *testing.T) {
	// Quaternion with norm 2 must come out unit length.
	frames := runSource(t, "T,0,0,0,0,0,0,0,2\n*\n")
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	q := frames[0].TrackerState(0).Pose.Orientation
	norm := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if math.Abs(norm-1) > 1e-9 {
		t.Errorf("orientation norm = %v, want 1", norm)
	}
}
