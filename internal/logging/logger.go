// Package logging builds the service-scoped slog.Logger used by every
// binary in this repo. Level, format, and destination come from LogConfig;
// the returned closer flushes and releases the file sink when one is open.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/outcomefi/prediction-backend/internal/config"
)

func nopClose() error { return nil }

// New returns a logger tagged with the service name, plus a closer that
// must be called on shutdown when the sink is backed by a file.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, err := levelFromName(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	format := normalize(cfg.Format, "text")
	if format != "text" && format != "json" {
		return nil, nil, fmt.Errorf("invalid log format %q (expected text|json)", cfg.Format)
	}

	sink, closeSink, err := newSink(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(sink, opts)
	} else {
		handler = slog.NewTextHandler(sink, opts)
	}

	return slog.New(handler).With("service", serviceName), closeSink, nil
}

func newSink(serviceName string, cfg config.LogConfig) (io.Writer, func() error, error) {
	switch normalize(cfg.Output, "console") {
	case "console":
		return os.Stdout, nopClose, nil
	case "file":
		file, err := ensureLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return file, file.Close, nil
	case "both":
		file, err := ensureLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return io.MultiWriter(os.Stdout, file), file.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}
}

// ensureLogFile opens the configured log file for appending, creating the
// parent directory on first use.
func ensureLogFile(serviceName string, configuredPath string) (*os.File, error) {
	path := strings.TrimSpace(configuredPath)
	if path == "" {
		path = filepath.Join("logs", serviceName+".log")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return file, nil
}

func levelFromName(raw string) (slog.Level, error) {
	switch normalize(raw, "info") {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}

func normalize(raw string, fallback string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return fallback
	}
	return value
}
