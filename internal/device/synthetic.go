package device

import (
	"context"
	"math"
	"time"

	"github.com/banshee-data/trackd/internal/monitoring"
	"github.com/banshee-data/trackd/internal/protocol"
	"github.com/banshee-data/trackd/internal/track"
)

// SyntheticSource generates deterministic tracking data: trackers orbit
// the origin at staggered phases, buttons toggle on alternating periods
// and valuators swing through sine waves. Output depends only on elapsed
// time, which makes it reproducible in tests and demos.
type SyntheticSource struct {
	layout track.DeviceLayout

	// Rate is the publish rate in frames per second.
	Rate float64
	// OrbitRadius is the tracker orbit radius in metres.
	OrbitRadius float64
	// OrbitPeriod is the seconds per full tracker revolution.
	OrbitPeriod float64
}

// NewSyntheticSource creates a generator for the given layout with
// default motion parameters.
func NewSyntheticSource(layout track.DeviceLayout) *SyntheticSource {
	return &SyntheticSource{
		layout:      layout,
		Rate:        60.0,
		OrbitRadius: 1.5,
		OrbitPeriod: 8.0,
	}
}

// Layout returns the layout this source fills.
func (g *SyntheticSource) Layout() track.DeviceLayout {
	return g.layout
}

// Run publishes frames at the configured rate until the context is
// cancelled.
func (g *SyntheticSource) Run(ctx context.Context, publish func(*protocol.DeviceState)) error {
	state := protocol.NewDeviceState(g.layout)
	interval := time.Duration(float64(time.Second) / g.Rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	monitoring.Logf("[Synthetic] Generating %s at %.0f Hz", g.layout, g.Rate)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			g.Fill(state, now.Sub(start).Seconds())
			publish(state)
		}
	}
}

// Fill writes the state for the given elapsed time in seconds. Exposed so
// tests can step the generator without real time passing.
func (g *SyntheticSource) Fill(state *protocol.DeviceState, elapsed float64) {
	omega := 2 * math.Pi / g.OrbitPeriod
	for i := 0; i < g.layout.NumTrackers; i++ {
		// Stagger trackers evenly around the orbit.
		phase := omega*elapsed + 2*math.Pi*float64(i)/float64(max(g.layout.NumTrackers, 1))

		ts := track.NewTrackerState()
		ts.Pose.Position = track.Vec3{
			X: g.OrbitRadius * math.Cos(phase),
			Y: g.OrbitRadius * math.Sin(phase),
			Z: 1.0,
		}
		ts.Pose.Orientation = track.AxisAngle(track.Vec3{Z: 1}, phase)
		ts.LinearVelocity = track.Vec3{
			X: -g.OrbitRadius * omega * math.Sin(phase),
			Y: g.OrbitRadius * omega * math.Cos(phase),
		}
		ts.AngularVelocity = track.Vec3{Z: omega}

		state.SetTrackerState(i, ts)
		state.SetTrackerTime(i, elapsed)
		state.SetTrackerValid(i, true)
	}
	for i := 0; i < g.layout.NumButtons; i++ {
		// Button i toggles every i+1 seconds.
		period := float64(i + 1)
		state.SetButton(i, math.Mod(elapsed, 2*period) >= period)
	}
	for i := 0; i < g.layout.NumValuators; i++ {
		state.SetValuator(i, math.Sin(omega*elapsed+float64(i)))
	}
}
