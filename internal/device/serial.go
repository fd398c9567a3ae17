package device

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/trackd/internal/monitoring"
	"github.com/banshee-data/trackd/internal/protocol"
	"github.com/banshee-data/trackd/internal/track"
)

// SerialSource reads line-oriented tracker records from a serial port.
// Record formats, comma separated:
//
//	T,<index>,<x>,<y>,<z>,<qx>,<qy>,<qz>,<qw>   tracker pose update
//	B,<index>,<0|1>                             button state
//	V,<index>,<value>                           valuator value
//	*                                           end of frame, publish
//
// Lines starting with '#' and blank lines are ignored. Malformed records
// are logged and skipped; the hardware keeps talking regardless.
type SerialSource struct {
	port   serial.Port
	name   string
	layout track.DeviceLayout
	start  time.Time
}

// NewSerialSource opens the named serial port at the given baud rate.
func NewSerialSource(portName string, baudRate int, layout track.DeviceLayout) (*SerialSource, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	return NewSerialSourceFromPort(port, portName, layout), nil
}

// NewSerialSourceFromPort wraps an already-open port. Tests inject mock
// ports here.
func NewSerialSourceFromPort(port serial.Port, name string, layout track.DeviceLayout) *SerialSource {
	return &SerialSource{
		port:   port,
		name:   name,
		layout: layout,
		start:  time.Now(),
	}
}

// Layout returns the layout this source fills.
func (s *SerialSource) Layout() track.DeviceLayout {
	return s.layout
}

// Close closes the serial port.
func (s *SerialSource) Close() error {
	return s.port.Close()
}

// Run reads records from the port and publishes a snapshot at every
// end-of-frame marker until the context is cancelled or the port fails.
func (s *SerialSource) Run(ctx context.Context, publish func(*protocol.DeviceState)) error {
	defer s.Close()

	state := protocol.NewDeviceState(s.layout)
	scan := bufio.NewScanner(s.port)
	monitoring.Logf("[Serial] Reading tracker records from %s (%s)", s.name, s.layout)

	for scan.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		frameEnd, err := s.applyLine(state, line)
		if err != nil {
			monitoring.Logf("[Serial] Skipping record %q: %v", line, err)
			continue
		}
		if frameEnd {
			publish(state)
		}
	}
	return scan.Err()
}

// applyLine parses one record into the snapshot. Returns true for the
// end-of-frame marker.
func (s *SerialSource) applyLine(state *protocol.DeviceState, line string) (bool, error) {
	if line == "*" {
		return true, nil
	}

	fields := strings.Split(line, ",")
	switch fields[0] {
	case "T":
		if len(fields) != 9 {
			return false, fmt.Errorf("tracker record has %d fields, want 9", len(fields))
		}
		index, err := s.parseIndex(fields[1], s.layout.NumTrackers)
		if err != nil {
			return false, err
		}
		var vals [7]float64
		for i := 0; i < 7; i++ {
			v, err := strconv.ParseFloat(fields[i+2], 64)
			if err != nil {
				return false, fmt.Errorf("field %d: %w", i+2, err)
			}
			vals[i] = v
		}
		ts := track.NewTrackerState()
		ts.Pose.Position = track.Vec3{X: vals[0], Y: vals[1], Z: vals[2]}
		ts.Pose.Orientation = quat.Number{Imag: vals[3], Jmag: vals[4], Kmag: vals[5], Real: vals[6]}
		ts.Pose = ts.Pose.Normalize()
		state.SetTrackerState(index, ts)
		state.SetTrackerTime(index, time.Since(s.start).Seconds())
		state.SetTrackerValid(index, true)
		return false, nil

	case "B":
		if len(fields) != 3 {
			return false, fmt.Errorf("button record has %d fields, want 3", len(fields))
		}
		index, err := s.parseIndex(fields[1], s.layout.NumButtons)
		if err != nil {
			return false, err
		}
		state.SetButton(index, fields[2] == "1")
		return false, nil

	case "V":
		if len(fields) != 3 {
			return false, fmt.Errorf("valuator record has %d fields, want 3", len(fields))
		}
		index, err := s.parseIndex(fields[1], s.layout.NumValuators)
		if err != nil {
			return false, err
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return false, fmt.Errorf("valuator value: %w", err)
		}
		state.SetValuator(index, v)
		return false, nil

	default:
		return false, fmt.Errorf("unknown record type %q", fields[0])
	}
}

func (s *SerialSource) parseIndex(field string, limit int) (int, error) {
	index, err := strconv.Atoi(field)
	if err != nil {
		return 0, fmt.Errorf("index: %w", err)
	}
	if index < 0 || index >= limit {
		return 0, fmt.Errorf("index %d out of range [0,%d)", index, limit)
	}
	return index, nil
}
