package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// DefaultServerURL is the well-known control-plane endpoint used when no
// --server flag or SERVER_URL override is present.
const DefaultServerURL = "wss://control.courierlabs.io/runner"

// Config holds all runner configuration.
type Config struct {
	Token     string `envconfig:"TOKEN"`
	ServerURL string `envconfig:"SERVER_URL" default:"wss://control.courierlabs.io/runner"`
	Headless  bool   `envconfig:"HEADLESS" default:"false"`

	Logging LogConfig
	Capture CaptureConfig
	Debug   DebugConfig
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// CaptureConfig selects and tunes the browser capture strategy.
type CaptureConfig struct {
	Mode            string `envconfig:"CAPTURE_MODE" default:"frames"`
	FrameIntervalMs int    `envconfig:"FRAME_INTERVAL_MS" default:"200"`
}

// DebugConfig holds the loopback observability listener settings. An empty
// address disables the listener entirely.
type DebugConfig struct {
	Addr string `envconfig:"DEBUG_ADDR" default:"127.0.0.1:9459"`
}

// Capture modes.
const (
	CaptureFrames  = "frames"
	CaptureTraffic = "traffic"
)

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		ServerURL: DefaultServerURL,
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Capture: CaptureConfig{
			Mode:            CaptureFrames,
			FrameIntervalMs: 200,
		},
		Debug: DebugConfig{
			Addr: "127.0.0.1:9459",
		},
	}
}

// Validate checks cross-field constraints that envconfig cannot express.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	switch c.Capture.Mode {
	case CaptureFrames, CaptureTraffic:
	default:
		return fmt.Errorf("unknown capture mode %q", c.Capture.Mode)
	}
	if c.Capture.FrameIntervalMs <= 0 {
		return fmt.Errorf("frame interval must be positive")
	}
	return nil
}
