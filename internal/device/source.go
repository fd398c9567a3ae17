// Package device provides the tracking-data sources the daemon serves:
// a deterministic synthetic generator for demos and tests, and a serial
// port source for line-oriented tracker hardware.
package device

import (
	"context"

	"github.com/banshee-data/trackd/internal/protocol"
	"github.com/banshee-data/trackd/internal/track"
)

// Source produces device-state snapshots. Run blocks until the context is
// cancelled or the source fails, calling publish after each complete
// update. The snapshot passed to publish is owned by the source and
// overwritten in place between calls; consumers must copy or encode it
// before returning.
type Source interface {
	Layout() track.DeviceLayout
	Run(ctx context.Context, publish func(*protocol.DeviceState)) error
}
