// Package logging configures the process-wide structured logger.
//
// The CLI writes human-readable text to stderr by default; JSON output
// and a rotating log file can be enabled through configuration. The
// active level lives in a slog.LevelVar so a running session can raise
// or lower verbosity without rebuilding handlers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig enables a rotating log file alongside stderr.
type FileConfig struct {
	// Path is the log file location. Empty disables file output.
	Path string

	// MaxSizeMB is the size in megabytes at which the file rotates.
	MaxSizeMB int

	// MaxBackups is how many rotated files to retain.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// Config controls handler construction in Initialize.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// JSON switches output from text to JSON records.
	JSON bool

	// File configures optional rotating file output.
	File FileConfig
}

var (
	mu      sync.Mutex
	logger  *slog.Logger
	level   slog.LevelVar
	rotator *lumberjack.Logger
)

// Initialize builds the global logger from cfg and installs it as the
// slog default. Calling it again replaces the previous configuration.
func Initialize(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level.Set(parseLevel(cfg.Level))

	var w io.Writer = os.Stderr
	if cfg.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		if rotator != nil {
			_ = rotator.Close()
		}
		maxSize := cfg.File.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.File.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		rotator = &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   cfg.File.Compress,
		}
		w = io.MultiWriter(os.Stderr, rotator)
	}

	opts := &slog.HandlerOptions{Level: &level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
	return nil
}

// SetLevel changes the active level in place. Unknown names fall back
// to info, matching Initialize.
func SetLevel(name string) {
	level.Set(parseLevel(name))
}

// Get returns the configured logger, or the slog default when
// Initialize has not run yet.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Close releases the rotating file writer, if one was opened.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
