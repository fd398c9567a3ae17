package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/trackd/internal/track"
)

// DaemonConfig represents the root configuration for the tracking daemon.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
type DaemonConfig struct {
	// Transport params
	ListenAddr       *string `json:"listen_addr,omitempty"`
	HTTPAddr         *string `json:"http_addr,omitempty"`
	QueueDepth       *int    `json:"queue_depth,omitempty"`
	HandshakeTimeout *string `json:"handshake_timeout,omitempty"` // duration string like "10s"

	// Wire options; both sides of a session must agree out of band.
	IncludeTimestamps *bool `json:"include_timestamps,omitempty"`
	IncludeValidFlags *bool `json:"include_valid_flags,omitempty"`

	// Device layout
	NumTrackers  *int `json:"num_trackers,omitempty"`
	NumButtons   *int `json:"num_buttons,omitempty"`
	NumValuators *int `json:"num_valuators,omitempty"`

	// Device source params
	Source     *string  `json:"source,omitempty"` // "synthetic" or "serial"
	SerialPort *string  `json:"serial_port,omitempty"`
	BaudRate   *int     `json:"baud_rate,omitempty"`
	FrameRate  *float64 `json:"frame_rate,omitempty"`

	// Session database params
	DBPath        *string `json:"db_path,omitempty"`
	MigrationsDir *string `json:"migrations_dir,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// EmptyDaemonConfig returns a DaemonConfig with all fields set to nil.
// The Get* methods supply defaults for unset fields.
func EmptyDaemonConfig() *DaemonConfig {
	return &DaemonConfig{}
}

// LoadDaemonConfig loads a DaemonConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under
// the max file size.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDaemonConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *DaemonConfig) Validate() error {
	if c.HandshakeTimeout != nil && *c.HandshakeTimeout != "" {
		if _, err := time.ParseDuration(*c.HandshakeTimeout); err != nil {
			return fmt.Errorf("invalid handshake_timeout '%s': %w", *c.HandshakeTimeout, err)
		}
	}
	if c.QueueDepth != nil && *c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be positive, got %d", *c.QueueDepth)
	}
	if c.FrameRate != nil && *c.FrameRate <= 0 {
		return fmt.Errorf("frame_rate must be positive, got %f", *c.FrameRate)
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.Source != nil {
		switch *c.Source {
		case "synthetic", "serial":
		default:
			return fmt.Errorf("source must be \"synthetic\" or \"serial\", got %q", *c.Source)
		}
	}
	if err := c.GetLayout().Validate(); err != nil {
		return err
	}
	return nil
}

// GetListenAddr returns the listen_addr value or the default.
func (c *DaemonConfig) GetListenAddr() string {
	if c.ListenAddr == nil {
		return "localhost:8555"
	}
	return *c.ListenAddr
}

// GetHTTPAddr returns the http_addr value or the default. An empty
// string disables the HTTP API.
func (c *DaemonConfig) GetHTTPAddr() string {
	if c.HTTPAddr == nil {
		return ""
	}
	return *c.HTTPAddr
}

// GetQueueDepth returns the queue_depth value or the default.
func (c *DaemonConfig) GetQueueDepth() int {
	if c.QueueDepth == nil {
		return 16
	}
	return *c.QueueDepth
}

// GetHandshakeTimeout returns the handshake_timeout value or the default.
func (c *DaemonConfig) GetHandshakeTimeout() time.Duration {
	if c.HandshakeTimeout == nil || *c.HandshakeTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(*c.HandshakeTimeout)
	if err != nil {
		return 10 * time.Second // Validate catches this earlier
	}
	return d
}

// GetIncludeTimestamps returns the include_timestamps value or the default.
func (c *DaemonConfig) GetIncludeTimestamps() bool {
	if c.IncludeTimestamps == nil {
		return false
	}
	return *c.IncludeTimestamps
}

// GetIncludeValidFlags returns the include_valid_flags value or the default.
func (c *DaemonConfig) GetIncludeValidFlags() bool {
	if c.IncludeValidFlags == nil {
		return false
	}
	return *c.IncludeValidFlags
}

// GetLayout returns the device layout, defaulting to one tracker with no
// buttons or valuators.
func (c *DaemonConfig) GetLayout() track.DeviceLayout {
	layout := track.DeviceLayout{NumTrackers: 1}
	if c.NumTrackers != nil {
		layout.NumTrackers = *c.NumTrackers
	}
	if c.NumButtons != nil {
		layout.NumButtons = *c.NumButtons
	}
	if c.NumValuators != nil {
		layout.NumValuators = *c.NumValuators
	}
	return layout
}

// GetSource returns the source value or the default.
func (c *DaemonConfig) GetSource() string {
	if c.Source == nil {
		return "synthetic"
	}
	return *c.Source
}

// GetSerialPort returns the serial_port value or the default.
func (c *DaemonConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetBaudRate returns the baud_rate value or the default.
func (c *DaemonConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200
	}
	return *c.BaudRate
}

// GetFrameRate returns the frame_rate value or the default.
func (c *DaemonConfig) GetFrameRate() float64 {
	if c.FrameRate == nil {
		return 60.0
	}
	return *c.FrameRate
}

// GetDBPath returns the db_path value or the default. An empty string
// disables session recording.
func (c *DaemonConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetMigrationsDir returns the migrations_dir value or the default. An
// empty string falls back to EnsureSchema instead of versioned
// migrations.
func (c *DaemonConfig) GetMigrationsDir() string {
	if c.MigrationsDir == nil {
		return ""
	}
	return *c.MigrationsDir
}
