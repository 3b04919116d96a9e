// Package config provides 12-factor configuration management for the runner.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Token/ServerURL: control-plane registration
//   - Logging: log level and output format
//   - Capture: browser capture strategy and frame pacing
//   - Debug: loopback metrics/health listener
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("connecting to %s\n", cfg.ServerURL)
//
// Environment Variables:
//   - TOKEN, SERVER_URL, HEADLESS
//   - LOG_LEVEL, LOG_DEV
//   - CAPTURE_MODE, FRAME_INTERVAL_MS
//   - DEBUG_ADDR
package config
