// Package cmd provides the CLI commands for skein.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein-go/internal/config"
	"github.com/skeinhq/skein-go/internal/logging"
	"github.com/skeinhq/skein-go/internal/telemetry"
	"github.com/skeinhq/skein-go/pkg/hub"
)

const version = "0.3.0"

var (
	// Global flags
	configPath string
	hubURL     string
	hubToken   string
	logLevel   string
	logJSON    bool

	// Loaded configuration
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "skein",
	Short: "Skein - realtime hub client",
	Long: `Skein talks to a Skein realtime hub over a single duplex
websocket: request/response calls, fire-and-forget events, and
topic subscriptions with automatic reconnection.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		var err error
		if cfg, err = loadConfig(); err != nil {
			return err
		}

		level := cfg.Log.Level
		if logLevel != "" {
			level = logLevel
		}
		jsonOut := cfg.Log.JSON
		if cmd.Flags().Changed("log-json") {
			jsonOut = logJSON
		}
		if err := logging.Initialize(logging.Config{
			Level: level,
			JSON:  jsonOut,
			File: logging.FileConfig{
				Path:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
			},
		}); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&hubURL, "url", "", "hub endpoint, ws:// or wss:// (overrides config)")
	rootCmd.PersistentFlags().StringVar(&hubToken, "token", "", "bearer credential (overrides config and $SKEIN_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(configCmd())
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

// loadConfig reads the config file and layers flag and environment
// overrides on top. A missing file is only an error when --config
// named it explicitly.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	c, err := config.Load(path)
	if err != nil {
		if configPath == "" && errors.Is(err, os.ErrNotExist) {
			c = config.Default()
		} else {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if hubURL != "" {
		c.Hub.URL = hubURL
	}
	if hubToken != "" {
		c.Hub.Token = hubToken
	}
	if c.Hub.Token == "" {
		c.Hub.Token = os.Getenv("SKEIN_TOKEN")
	}
	return c, nil
}

// newClient assembles a hub client from the loaded config. Zero-valued
// config fields keep the client's own defaults.
func newClient(extra ...hub.Option) (*hub.Client, error) {
	if cfg.Hub.URL == "" {
		return nil, fmt.Errorf("no hub URL configured; pass --url or set hub.url in %s", resolveConfigPath())
	}

	opts := []hub.Option{hub.WithLogger(logging.Get())}
	if cfg.Hub.Token != "" {
		opts = append(opts, hub.WithCredential(cfg.Hub.Token))
	}
	if d := cfg.Hub.ConnectTimeout.Duration(); d > 0 {
		opts = append(opts, hub.WithConnectTimeout(d))
	}
	if d := cfg.Hub.RequestTimeout.Duration(); d > 0 {
		opts = append(opts, hub.WithRequestTimeout(d))
	}
	if d := cfg.Hub.HeartbeatInterval.Duration(); d > 0 {
		opts = append(opts, hub.WithHeartbeatInterval(d))
	}
	if cfg.Hub.QueueLimit > 0 {
		opts = append(opts, hub.WithQueueLimit(cfg.Hub.QueueLimit))
	}
	if cfg.Hub.Reconnect.Disabled {
		opts = append(opts, hub.WithoutReconnect())
	}
	if n := cfg.Hub.Reconnect.MaxAttempts; n > 0 {
		opts = append(opts, hub.WithMaxReconnectAttempts(n))
	}
	baseDelay := cfg.Hub.Reconnect.BaseDelay.Duration()
	maxDelay := cfg.Hub.Reconnect.MaxDelay.Duration()
	if baseDelay > 0 || maxDelay > 0 {
		if baseDelay <= 0 {
			baseDelay = hub.DefaultReconnectBase
		}
		if maxDelay <= 0 {
			maxDelay = hub.DefaultReconnectMax
		}
		opts = append(opts, hub.WithReconnectDelay(baseDelay, maxDelay))
	}
	return hub.New(cfg.Hub.URL, append(opts, extra...)...)
}

// setupTelemetry starts OTLP trace export when an endpoint is
// configured. Returns nil without error when telemetry is off.
func setupTelemetry(ctx context.Context) (*telemetry.Provider, error) {
	if cfg.Telemetry.Endpoint == "" {
		return nil, nil
	}
	return telemetry.New(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    "skein",
		ServiceVersion: version,
		Headers:        cfg.Telemetry.Headers,
	})
}
