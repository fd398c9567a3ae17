// Command track-dump connects to a tracking daemon and prints the device
// state it receives. Useful for checking what a daemon is serving without
// a VR application in the loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/banshee-data/trackd/internal/client"
	"github.com/banshee-data/trackd/internal/track"
)

var (
	host       = flag.String("host", "localhost", "Daemon host")
	port       = flag.Int("port", 8555, "Daemon port")
	poll       = flag.Bool("poll", false, "Request a single snapshot instead of streaming")
	count      = flag.Int("n", 0, "Stop after this many packets (0 streams until interrupted)")
	timestamps = flag.Bool("timestamps", false, "Daemon sends tracker timestamps")
	validFlags = flag.Bool("validflags", false, "Daemon sends tracker valid flags")
)

// printer dumps every update to stdout and counts packet boundaries.
type printer struct {
	packets int
	done    chan struct{}
	limit   int
}

func (p *printer) SetTrackerState(index int, state track.TrackerState) {
	pos := state.Pose.Position
	q := state.Pose.Orientation
	fmt.Printf("tracker %d: pos (%.4f %.4f %.4f) quat (%.4f %.4f %.4f %.4f)\n",
		index, pos.X, pos.Y, pos.Z, q.Imag, q.Jmag, q.Kmag, q.Real)
}

func (p *printer) SetButtonState(index int, pressed bool) {
	fmt.Printf("button %d: %v\n", index, pressed)
}

func (p *printer) SetValuatorState(index int, value float64) {
	fmt.Printf("valuator %d: %.4f\n", index, value)
}

func (p *printer) PacketComplete() {
	p.packets++
	fmt.Printf("--- packet %d ---\n", p.packets)
	if p.limit > 0 && p.packets >= p.limit {
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
}

func main() {
	flag.Parse()

	p := &printer{done: make(chan struct{}), limit: *count}
	c, err := client.New(client.Config{
		Host:              *host,
		Port:              *port,
		IncludeTimestamps: *timestamps,
		IncludeValidFlags: *validFlags,
		Manager:           p,
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	fmt.Printf("connected: protocol version %d, layout %s\n", c.Version(), c.Layout())

	if *poll {
		if err := c.Poll(); err != nil {
			log.Fatalf("Poll failed: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(); err != nil {
		log.Fatalf("Failed to start streaming: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-p.done:
	}

	if err := c.Stop(); err != nil {
		log.Fatalf("Stream failed: %v", err)
	}
}
