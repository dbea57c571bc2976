// Package config manages gofidoctl configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gofido/hiddev"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gofidoctl configuration.
type Config struct {
	Log     LogConfig    `koanf:"log"`
	U2F     U2FConfig    `koanf:"u2f"`
	Poll    PollConfig   `koanf:"poll"`
	Devices []DeviceName `koanf:"devices"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// U2FConfig holds the default U2F request parameters.
type U2FConfig struct {
	// Facet is the origin presented in clientData. Empty means the
	// origin field serializes as null.
	Facet string `koanf:"facet"`

	// Timeout bounds each CLI operation end to end, touch waiting
	// included.
	Timeout time.Duration `koanf:"timeout"`
}

// PollConfig holds the discovery timing knobs.
type PollConfig struct {
	// Device is the enumeration poll interval while waiting for an
	// authenticator to be plugged in.
	Device time.Duration `koanf:"device"`

	// Recheck bounds one parallel round before re-scanning for
	// newly plugged devices.
	Recheck time.Duration `koanf:"recheck"`

	// Progress is the cadence of invalid-key-handle progress reports
	// during parallel authentication.
	Progress time.Duration `koanf:"progress"`
}

// DeviceName is a user-supplied name database entry for hardware the
// built-in database does not know.
type DeviceName struct {
	// VendorID is the USB vendor id.
	VendorID uint16 `koanf:"vendor_id"`

	// ProductID is the USB product id.
	ProductID uint16 `koanf:"product_id"`

	// Name is the human-readable "Vendor Model" string.
	Name string `koanf:"name"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The timing defaults match the library's own: 200ms enumeration
// polling, 5s parallel recheck rounds, 500ms progress reports. The
// operation timeout of 30s covers the common touch-prompt window.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		U2F: U2FConfig{
			Facet:   "",
			Timeout: 30 * time.Second,
		},
		Poll: PollConfig{
			Device:   200 * time.Millisecond,
			Recheck:  5 * time.Second,
			Progress: 500 * time.Millisecond,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gofido configuration.
// Variables are named GOFIDO_<section>_<key>, e.g., GOFIDO_LOG_LEVEL.
const envPrefix = "GOFIDO_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (GOFIDO_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer.
//
// Environment variable mapping:
//
//	GOFIDO_LOG_LEVEL     -> log.level
//	GOFIDO_LOG_FORMAT    -> log.format
//	GOFIDO_U2F_FACET     -> u2f.facet
//	GOFIDO_U2F_TIMEOUT   -> u2f.timeout
//	GOFIDO_POLL_DEVICE   -> poll.device
//	GOFIDO_POLL_RECHECK  -> poll.recheck
//	GOFIDO_POLL_PROGRESS -> poll.progress
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	// GOFIDO_LOG_LEVEL -> log.level (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOFIDO_LOG_LEVEL -> log.level.
// Strips the GOFIDO_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":     defaults.Log.Level,
		"log.format":    defaults.Log.Format,
		"u2f.facet":     defaults.U2F.Facet,
		"u2f.timeout":   defaults.U2F.Timeout.String(),
		"poll.device":   defaults.Poll.Device.String(),
		"poll.recheck":  defaults.Poll.Recheck.String(),
		"poll.progress": defaults.Poll.Progress.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidLogFormat indicates the log format is unrecognized.
	ErrInvalidLogFormat = errors.New("log.format must be text or json")

	// ErrInvalidTimeout indicates the operation timeout is not positive.
	ErrInvalidTimeout = errors.New("u2f.timeout must be > 0")

	// ErrInvalidPollInterval indicates a polling interval is not positive.
	ErrInvalidPollInterval = errors.New("poll intervals must be > 0")

	// ErrInvalidDeviceName indicates a devices entry is incomplete.
	ErrInvalidDeviceName = errors.New("devices entries need vendor_id, product_id and name")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return ErrInvalidLogFormat
	}

	if cfg.U2F.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	if cfg.Poll.Device <= 0 || cfg.Poll.Recheck <= 0 || cfg.Poll.Progress <= 0 {
		return ErrInvalidPollInterval
	}

	for i, d := range cfg.Devices {
		if d.Name == "" || (d.VendorID == 0 && d.ProductID == 0) {
			return fmt.Errorf("devices[%d]: %w", i, ErrInvalidDeviceName)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Application helpers
// -------------------------------------------------------------------------

// ApplyDeviceNames registers the configured extra device names into the
// hiddev name database.
func ApplyDeviceNames(cfg *Config) {
	for _, d := range cfg.Devices {
		hiddev.RegisterName(d.VendorID, d.ProductID, d.Name)
	}
}

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
