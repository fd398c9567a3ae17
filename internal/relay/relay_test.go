package relay

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/trackd/internal/client"
	"github.com/banshee-data/trackd/internal/protocol"
	"github.com/banshee-data/trackd/internal/server"
	"github.com/banshee-data/trackd/internal/track"
)

type recordingManager struct {
	mu       sync.Mutex
	trackers map[int]track.TrackerState
	buttons  map[int]bool
	packets  chan struct{}
}

func newRecordingManager() *recordingManager {
	return &recordingManager{
		trackers: make(map[int]track.TrackerState),
		buttons:  make(map[int]bool),
		packets:  make(chan struct{}, 64),
	}
}

func (m *recordingManager) SetTrackerState(index int, state track.TrackerState) {
	m.mu.Lock()
	m.trackers[index] = state
	m.mu.Unlock()
}

func (m *recordingManager) SetButtonState(index int, pressed bool) {
	m.mu.Lock()
	m.buttons[index] = pressed
	m.mu.Unlock()
}

func (m *recordingManager) SetValuatorState(index int, value float64) {}

func (m *recordingManager) PacketComplete() {
	select {
	case m.packets <- struct{}{}:
	default:
	}
}

func (m *recordingManager) tracker(index int) track.TrackerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackers[index]
}

func (m *recordingManager) button(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buttons[index]
}

// waitAddr blocks until the address function returns a bound address.
func waitAddr(t *testing.T, addr func() string) (string, int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a := addr(); a != "" {
			host, portStr, err := net.SplitHostPort(a)
			if err != nil {
				t.Fatalf("split address %q: %v", a, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				t.Fatalf("parse port %q: %v", portStr, err)
			}
			return host, port
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never bound its listener")
	return "", 0
}

func TestRelayBridgesStream(t *testing.T) {
	layout := track.DeviceLayout{NumTrackers: 1, NumButtons: 1, NumValuators: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Upstream daemon.
	upstream := server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
		Layout:     layout,
	})
	upstreamDone := make(chan error, 1)
	go func() { upstreamDone <- upstream.Run(ctx) }()
	upHost, upPort := waitAddr(t, upstream.Addr)

	// Relay in the middle.
	relay, err := New(Config{
		UpstreamHost: upHost,
		UpstreamPort: upPort,
		ListenAddr:   "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("New relay: %v", err)
	}
	if relay.Layout() != layout {
		t.Fatalf("relay layout = %v, want %v", relay.Layout(), layout)
	}
	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(ctx) }()
	relayHost, relayPort := waitAddr(t, relay.Addr)

	// Downstream client.
	manager := newRecordingManager()
	c, err := client.New(client.Config{
		Host:    relayHost,
		Port:    relayPort,
		Manager: manager,
	})
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	defer c.Close()
	if c.Layout() != layout {
		t.Fatalf("client layout = %v, want %v", c.Layout(), layout)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Publish upstream until a packet makes it through both hops. The
	// relay subscribes asynchronously, so early publishes can miss it.
	snapshot := protocol.NewDeviceState(layout)
	ts := track.NewTrackerState()
	ts.Pose.Position = track.Vec3{X: 1, Y: 2, Z: 3}
	snapshot.SetTrackerState(0, ts)
	snapshot.SetButton(0, true)

	received := false
	deadline := time.Now().Add(5 * time.Second)
	for !received && time.Now().Before(deadline) {
		upstream.Publish(snapshot)
		select {
		case <-manager.packets:
			received = true
		case <-time.After(20 * time.Millisecond):
		}
	}
	if !received {
		t.Fatal("no packet crossed the relay")
	}

	got := manager.tracker(0)
	if got.Pose.Position != (track.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Errorf("tracker position = %+v, want {1 2 3}", got.Pose.Position)
	}
	if !manager.button(0) {
		t.Error("button state did not cross the relay")
	}

	if err := c.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	c.Close()
	cancel()
	if err := <-relayDone; err != nil {
		t.Errorf("relay Run: %v", err)
	}
	if err := <-upstreamDone; err != nil {
		t.Errorf("upstream Run: %v", err)
	}
}

func TestRelayUpstreamHandshakeTimeout(t *testing.T) {
	// A listener that accepts but never answers the handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	_, err = New(Config{
		UpstreamHost:     host,
		UpstreamPort:     port,
		ListenAddr:       "127.0.0.1:0",
		HandshakeTimeout: 100 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("New succeeded against a mute upstream")
	}
	if !errors.Is(err, client.ErrHandshakeTimeout) {
		t.Errorf("error = %v, want ErrHandshakeTimeout", err)
	}
}
