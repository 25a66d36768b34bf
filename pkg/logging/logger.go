// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures structured logging for the harness.
//
// The harness logs through the standard library slog package; this
// package owns handler construction so every binary gets the same
// behavior:
//
//   - Default: human-readable text on stderr (Unix CLI convention)
//   - Optional: a JSON log file per service and day, for machine
//     processing of long evaluation runs
//
// # Basic Usage
//
//	logger, closeFn := logging.Setup(logging.Config{
//	    Level:   logging.LevelDebug,
//	    LogDir:  "~/.gauntlet/logs",
//	    Service: "gauntlet",
//	})
//	defer closeFn()
//	slog.SetDefault(logger)
//
// # Security Considerations
//
// Nothing is redacted automatically. Request payloads can contain
// task content and model output; callers log metadata (ids, counts,
// durations) rather than payload bodies.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for recoverable issues (retries, degraded mode).
	LevelWarn

	// LevelError is for failed operations the run survives.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level. Unknown strings map to
// LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures Setup. The zero value logs Info+ as text on
// stderr.
type Config struct {
	// Level is the minimum level; messages below it are discarded.
	Level Level

	// LogDir enables file logging. The file is named
	// "{Service}_{YYYY-MM-DD}.log", always JSON, and the directory is
	// created when missing. Supports ~ expansion.
	LogDir string

	// Service is attached to every record as the "service" attribute
	// and names the log file.
	Service string

	// JSON switches the stderr handler to JSON output.
	JSON bool

	// Quiet disables stderr output; useful when only the file matters.
	Quiet bool
}

// Setup builds a logger from the config.
//
// Outputs:
//   - *slog.Logger: The configured logger; install it with
//     slog.SetDefault if the whole process should use it.
//   - func() error: Cleanup that syncs and closes the log file.
//     Always non-nil.
func Setup(cfg Config) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: cfg.Level.toSlogLevel()}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	closeFn := func() error { return nil }
	if cfg.LogDir != "" {
		if file, err := openLogFile(cfg); err == nil {
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
			closeFn = func() error {
				if err := file.Sync(); err != nil {
					return fmt.Errorf("sync log file: %w", err)
				}
				return file.Close()
			}
		} else {
			fmt.Fprintf(os.Stderr, "logging: file logging disabled: %v\n", err)
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	return slog.New(handler), closeFn
}

// openLogFile creates the per-service, per-day log file.
func openLogFile(cfg Config) (*os.File, error) {
	dir := expandPath(cfg.LogDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	service := cfg.Service
	if service == "" {
		service = "gauntlet"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// multiHandler fans one record out to several slog handlers, so
// stderr can stay text while the file stays JSON.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled reports whether any handler wants the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to every enabled handler.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs distributes the attrs to every handler.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup distributes the group to every handler.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
