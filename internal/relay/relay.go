// Package relay bridges two tracking daemons: it consumes an upstream
// daemon's stream as a client and republishes every packet to its own
// downstream clients, so one hardware daemon can feed machines beyond
// its own connection budget.
package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/banshee-data/trackd/internal/client"
	"github.com/banshee-data/trackd/internal/db"
	"github.com/banshee-data/trackd/internal/protocol"
	"github.com/banshee-data/trackd/internal/server"
	"github.com/banshee-data/trackd/internal/track"
)

// Config describes the upstream daemon to consume and the downstream
// listener to serve.
type Config struct {
	// UpstreamHost and UpstreamPort locate the daemon to relay from.
	UpstreamHost string
	UpstreamPort int

	// UpstreamTimestamps and UpstreamValidFlags must match the upstream
	// daemon's wire options.
	UpstreamTimestamps bool
	UpstreamValidFlags bool

	// ListenAddr is the downstream listen address.
	ListenAddr string

	// IncludeTimestamps and IncludeValidFlags select the downstream wire
	// options. Timestamps are re-stamped at the relay; upstream tracker
	// times do not cross the DeviceManager boundary.
	IncludeTimestamps bool
	IncludeValidFlags bool

	// QueueDepth is the downstream per-client send queue. Defaults to the
	// daemon default.
	QueueDepth int

	// HandshakeTimeout bounds the upstream CONNECT_REPLY wait and the
	// downstream handshake reads. Defaults to the client and daemon
	// defaults.
	HandshakeTimeout time.Duration

	// DB records downstream sessions when set. Optional.
	DB *db.DB
}

// Relay is a connected bridge. It implements the client DeviceManager:
// every upstream value lands in a private snapshot, and the packet
// boundary republishes the snapshot downstream.
type Relay struct {
	cfg      Config
	upstream *client.Client
	server   *server.Server

	state *protocol.DeviceState
	start time.Time
}

// New connects to the upstream daemon and prepares the downstream server
// with the layout learned from the handshake. The relay is not serving
// until Run.
func New(cfg Config) (*Relay, error) {
	r := &Relay{cfg: cfg, start: time.Now()}

	upstream, err := client.New(client.Config{
		Host:              cfg.UpstreamHost,
		Port:              cfg.UpstreamPort,
		IncludeTimestamps: cfg.UpstreamTimestamps,
		IncludeValidFlags: cfg.UpstreamValidFlags,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		Manager:           r,
	})
	if err != nil {
		return nil, fmt.Errorf("connect upstream: %w", err)
	}
	r.upstream = upstream
	r.state = protocol.NewDeviceState(upstream.Layout())

	r.server = server.New(server.Config{
		ListenAddr:        cfg.ListenAddr,
		Layout:            upstream.Layout(),
		IncludeTimestamps: cfg.IncludeTimestamps,
		IncludeValidFlags: cfg.IncludeValidFlags,
		QueueDepth:        cfg.QueueDepth,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		DB:                cfg.DB,
	})
	return r, nil
}

// Layout returns the relayed device layout.
func (r *Relay) Layout() track.DeviceLayout {
	return r.server.Layout()
}

// Addr returns the downstream listen address, or "" before Run.
func (r *Relay) Addr() string {
	return r.server.Addr()
}

// Stats returns the downstream daemon counters.
func (r *Relay) Stats() server.Stats {
	return r.server.Stats()
}

// Run serves downstream clients and streams from upstream until the
// context is cancelled or either side fails.
func (r *Relay) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	serverCtx, cancelServer := context.WithCancel(ctx)
	defer cancelServer()
	go func() {
		serverErr <- r.server.Run(serverCtx)
	}()

	if err := r.upstream.Start(); err != nil {
		r.upstream.Close()
		return fmt.Errorf("start upstream stream: %w", err)
	}
	log.Printf("[Relay] Bridging %s:%d, layout %s",
		r.cfg.UpstreamHost, r.cfg.UpstreamPort, r.Layout())

	var runErr error
	serverDone := false
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		serverDone = true
		if err != nil {
			runErr = fmt.Errorf("downstream server: %w", err)
		}
	}

	if err := r.upstream.Stop(); err != nil && runErr == nil &&
		err != client.ErrNotStreaming {
		runErr = fmt.Errorf("upstream stream: %w", err)
	}
	r.upstream.Close()
	cancelServer()
	if !serverDone {
		<-serverErr
	}
	return runErr
}

// SetTrackerState stores an upstream pose in the relay snapshot. The
// tracker is marked valid and re-stamped with relay time.
func (r *Relay) SetTrackerState(index int, state track.TrackerState) {
	r.state.SetTrackerState(index, state)
	r.state.SetTrackerTime(index, time.Since(r.start).Seconds())
	r.state.SetTrackerValid(index, true)
}

// SetButtonState stores an upstream button state in the relay snapshot.
func (r *Relay) SetButtonState(index int, pressed bool) {
	r.state.SetButton(index, pressed)
}

// SetValuatorState stores an upstream valuator value in the relay
// snapshot.
func (r *Relay) SetValuatorState(index int, value float64) {
	r.state.SetValuator(index, value)
}

// PacketComplete republishes the assembled snapshot downstream. Called
// once per upstream packet, after all values have arrived.
func (r *Relay) PacketComplete() {
	r.server.Publish(r.state)
}
