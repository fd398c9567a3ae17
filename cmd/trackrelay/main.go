// Command trackrelay republishes one tracking daemon's stream to further
// clients. Point it at an upstream daemon and it serves the same layout
// and data on its own listen address.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/trackd/internal/api"
	"github.com/banshee-data/trackd/internal/db"
	"github.com/banshee-data/trackd/internal/relay"
)

var (
	upstreamHost = flag.String("upstream-host", "localhost", "Upstream daemon host")
	upstreamPort = flag.Int("upstream-port", 8555, "Upstream daemon port")
	listen       = flag.String("listen", "localhost:8556", "Downstream listen address")
	httpAddr     = flag.String("http", "", "HTTP status API listen address (empty disables)")
	dbPath       = flag.String("db", "", "Session database path (empty disables)")
	queueDepth   = flag.Int("queue", 16, "Per-client send queue depth")
	handshake    = flag.Duration("handshake-timeout", 10*time.Second, "Handshake timeout for both sides")
	upTimestamps = flag.Bool("upstream-timestamps", false, "Upstream sends tracker timestamps")
	upValid      = flag.Bool("upstream-validflags", false, "Upstream sends tracker valid flags")
	timestamps   = flag.Bool("timestamps", false, "Include tracker timestamps downstream")
	validFlags   = flag.Bool("validflags", false, "Include tracker valid flags downstream")
)

func main() {
	flag.Parse()

	var database *db.DB
	if *dbPath != "" {
		var err error
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()
		if err := database.EnsureSchema(); err != nil {
			log.Fatalf("Failed to create schema: %v", err)
		}
	}

	bridge, err := relay.New(relay.Config{
		UpstreamHost:       *upstreamHost,
		UpstreamPort:       *upstreamPort,
		UpstreamTimestamps: *upTimestamps,
		UpstreamValidFlags: *upValid,
		ListenAddr:         *listen,
		IncludeTimestamps:  *timestamps,
		IncludeValidFlags:  *validFlags,
		QueueDepth:         *queueDepth,
		HandshakeTimeout:   *handshake,
		DB:                 database,
	})
	if err != nil {
		log.Fatalf("Failed to connect upstream: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bridge.Run(ctx); err != nil {
			log.Printf("Relay failed: %v", err)
			stop()
		}
		log.Print("Relay routine terminated")
	}()

	// HTTP server goroutine
	if *httpAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			handler := api.LoggingMiddleware(api.NewServer(bridge, database).ServeMux())
			httpServer := &http.Server{
				Addr:    *httpAddr,
				Handler: handler,
			}

			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("Failed to start HTTP server: %v", err)
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
			}
			log.Print("HTTP server routine stopped")
		}()
	}

	wg.Wait()
	log.Print("Graceful shutdown complete")
}
