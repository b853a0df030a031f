// Package config loads the skein configuration file and watches it for
// changes while a session is running.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML scalars like "45s" or "2m"
// unmarshal directly into config fields.
type Duration time.Duration

// UnmarshalYAML parses a duration string such as "30s" or "1m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.ParseDuration format.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ReconnectConfig tunes the automatic reconnect loop. Zero values keep
// the client's built-in defaults.
type ReconnectConfig struct {
	// Disabled turns automatic reconnection off entirely.
	Disabled bool `yaml:"disabled"`

	// MaxAttempts caps consecutive reconnect attempts.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the first backoff delay; it doubles per attempt.
	BaseDelay Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff growth.
	MaxDelay Duration `yaml:"max_delay"`
}

// HubConfig describes the realtime connection. Zero-valued fields keep
// the client's built-in defaults.
type HubConfig struct {
	// URL is the hub endpoint, ws:// or wss://.
	URL string `yaml:"url"`

	// Token authenticates the session. Sent as a bearer credential.
	Token string `yaml:"token"`

	ConnectTimeout    Duration `yaml:"connect_timeout"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// QueueLimit bounds how many requests may park while offline.
	QueueLimit int `yaml:"queue_limit"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// LogConfig mirrors the logging package's options.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Protocol string            `yaml:"protocol"` // grpc or http
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
}

// Config is the root of the skein configuration file.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file exists. Hub
// timings stay zero so the client library's own defaults apply.
func Default() *Config {
	return &Config{
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{Protocol: "grpc"},
	}
}

// DefaultPath returns $SKEIN_CONFIG when set, otherwise
// ~/.skein/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("SKEIN_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".skein", "config.yaml")
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse unmarshals YAML on top of the defaults and validates the
// result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields a typo would most likely break.
func (c *Config) Validate() error {
	if c.Hub.URL != "" && !strings.HasPrefix(c.Hub.URL, "ws://") && !strings.HasPrefix(c.Hub.URL, "wss://") {
		return fmt.Errorf("hub.url must use ws:// or wss://, got %q", c.Hub.URL)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	if c.Hub.QueueLimit < 0 {
		return fmt.Errorf("hub.queue_limit must not be negative, got %d", c.Hub.QueueLimit)
	}
	return nil
}
