// Command trackd is the tracking daemon: it reads device state from a
// hardware or synthetic source and serves it to clients over the tracking
// protocol, with an optional HTTP status API and session database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/trackd/internal/api"
	"github.com/banshee-data/trackd/internal/config"
	"github.com/banshee-data/trackd/internal/db"
	"github.com/banshee-data/trackd/internal/device"
	"github.com/banshee-data/trackd/internal/protocol"
	"github.com/banshee-data/trackd/internal/server"
	"github.com/banshee-data/trackd/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to JSON config file")
	listen     = flag.String("listen", "localhost:8555", "Tracking protocol listen address")
	httpAddr   = flag.String("http", "", "HTTP status API listen address (empty disables)")
	dbPath     = flag.String("db", "", "Session database path (empty disables)")
	migrations = flag.String("migrations", "", "Migrations directory (empty uses built-in schema)")
	source     = flag.String("source", "synthetic", "Device source: synthetic or serial")
	serialPort = flag.String("serial-port", "/dev/ttyUSB0", "Serial port for the serial source")
	baudRate   = flag.Int("baud", 115200, "Serial baud rate")
	trackers   = flag.Int("trackers", 1, "Number of trackers")
	buttons    = flag.Int("buttons", 0, "Number of buttons")
	valuators  = flag.Int("valuators", 0, "Number of valuators")
	timestamps = flag.Bool("timestamps", false, "Include tracker timestamps on the wire")
	validFlags = flag.Bool("validflags", false, "Include tracker valid flags on the wire")
	frameRate  = flag.Float64("rate", 60.0, "Synthetic source frame rate")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

// loadConfig merges the JSON config file with command line flags. Flags
// given explicitly on the command line win over file values.
func loadConfig() *config.DaemonConfig {
	cfg := config.EmptyDaemonConfig()
	if *configPath != "" {
		loaded, err := config.LoadDaemonConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["listen"] || cfg.ListenAddr == nil {
		cfg.ListenAddr = listen
	}
	if set["http"] {
		cfg.HTTPAddr = httpAddr
	}
	if set["db"] {
		cfg.DBPath = dbPath
	}
	if set["migrations"] {
		cfg.MigrationsDir = migrations
	}
	if set["source"] {
		cfg.Source = source
	}
	if set["serial-port"] {
		cfg.SerialPort = serialPort
	}
	if set["baud"] {
		cfg.BaudRate = baudRate
	}
	if set["trackers"] || cfg.NumTrackers == nil {
		cfg.NumTrackers = trackers
	}
	if set["buttons"] {
		cfg.NumButtons = buttons
	}
	if set["valuators"] {
		cfg.NumValuators = valuators
	}
	if set["timestamps"] {
		cfg.IncludeTimestamps = timestamps
	}
	if set["validflags"] {
		cfg.IncludeValidFlags = validFlags
	}
	if set["rate"] {
		cfg.FrameRate = frameRate
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	return cfg
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Printf("trackd %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		os.Exit(0)
	}
	cfg := loadConfig()
	layout := cfg.GetLayout()

	var database *db.DB
	if path := cfg.GetDBPath(); path != "" {
		var err error
		database, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()
		if dir := cfg.GetMigrationsDir(); dir != "" {
			if err := database.MigrateUp(dir); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
		} else if err := database.EnsureSchema(); err != nil {
			log.Fatalf("Failed to create schema: %v", err)
		}
	}

	var src device.Source
	switch cfg.GetSource() {
	case "serial":
		var err error
		src, err = device.NewSerialSource(cfg.GetSerialPort(), cfg.GetBaudRate(), layout)
		if err != nil {
			log.Fatalf("Failed to open serial source: %v", err)
		}
	default:
		gen := device.NewSyntheticSource(layout)
		gen.Rate = cfg.GetFrameRate()
		src = gen
	}

	daemon := server.New(server.Config{
		ListenAddr:        cfg.GetListenAddr(),
		Layout:            layout,
		IncludeTimestamps: cfg.GetIncludeTimestamps(),
		IncludeValidFlags: cfg.GetIncludeValidFlags(),
		QueueDepth:        cfg.GetQueueDepth(),
		HandshakeTimeout:  cfg.GetHandshakeTimeout(),
		DB:                database,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Device source routine feeding the daemon.
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := src.Run(ctx, func(state *protocol.DeviceState) {
			daemon.Publish(state)
		})
		if err != nil && err != context.Canceled {
			log.Printf("Device source failed: %v", err)
			stop()
		}
		log.Print("Device source routine terminated")
	}()

	// Tracking protocol server routine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := daemon.Run(ctx); err != nil {
			log.Printf("Daemon failed: %v", err)
			stop()
		}
		log.Print("Daemon routine terminated")
	}()

	// HTTP server goroutine
	if addr := cfg.GetHTTPAddr(); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			handler := api.LoggingMiddleware(api.NewServer(daemon, database).ServeMux())
			httpServer := &http.Server{
				Addr:    addr,
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
