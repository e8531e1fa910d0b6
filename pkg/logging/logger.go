// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures slog for Opsmend service processes.
//
// # Description
//
// Services log through the standard library's slog; this package only
// decides where those records go and how they are rendered. A Logger
// writes to stderr (text or JSON) and, when a log directory is
// configured, to a dated JSON file alongside it. Every record carries a
// "service" attribute so aggregated logs can be filtered by component.
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    Service: "orchestrator",
//	    LogDir:  os.Getenv("ORCHESTRATOR_LOG_DIR"),
//	    JSON:    true,
//	}).SetDefault()
//	defer logger.Close()
//
//	slog.Info("run started", "run_id", runID)
//
// # Thread Safety
//
// slog handlers serialize their own writes; Logger methods are safe for
// concurrent use. Close must not race with in-flight logging, so call it
// only on shutdown.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// Levels
// =============================================================================

// Level is the minimum severity a Logger records.
type Level int

const (
	// LevelDebug records everything, including per-request detail.
	LevelDebug Level = iota

	// LevelInfo records normal operational messages. The default.
	LevelInfo

	// LevelWarn records conditions worth attention that did not fail an
	// operation.
	LevelWarn

	// LevelError records failed operations.
	LevelError
)

func (l Level) slogLevel() slog.Level {
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

// ParseLevel maps a config string to a Level. Unrecognized or empty input
// falls back to LevelInfo so a typo in an env var never silences a
// service.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config controls a Logger's destinations and rendering.
type Config struct {
	// Level is the minimum severity recorded. Default: LevelInfo.
	Level Level

	// Service names the component in every record's "service" attribute.
	// Default: "" (no attribute).
	Service string

	// LogDir enables file logging. When set, records are also written as
	// JSON to "{Service}_{YYYY-MM-DD}.log" inside this directory, which
	// is created (0750) if missing. A leading "~" expands to the home
	// directory. Default: "" (no file).
	LogDir string

	// JSON renders stderr output as JSON instead of text. File output is
	// always JSON. Default: false.
	JSON bool

	// Quiet suppresses stderr output entirely. Useful for daemons whose
	// stderr nobody reads; file logging still applies. Default: false.
	Quiet bool
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the configured destinations. Construct with New.
type Logger struct {
	slog *slog.Logger
	file *os.File
}

// New builds a Logger from cfg.
//
// # Description
//
// Destinations that cannot be opened are skipped, not fatal: a service
// with a bad log directory still logs to stderr, with a warning about the
// file that was lost. A config with no usable destination discards all
// records.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	var file *os.File
	if cfg.LogDir != "" {
		f, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: file destination disabled: %v\n", err)
		} else {
			file = f
			handlers = append(handlers, slog.NewJSONHandler(f, opts))
		}
	}

	var h slog.Handler
	switch len(handlers) {
	case 0:
		h = slog.NewTextHandler(io.Discard, opts)
	case 1:
		h = handlers[0]
	default:
		h = fanHandler(handlers)
	}

	l := slog.New(h)
	if cfg.Service != "" {
		l = l.With("service", cfg.Service)
	}
	return &Logger{slog: l, file: file}
}

// Slog exposes the underlying slog.Logger for direct use.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// With returns a Logger whose records carry the given attrs. The derived
// Logger shares destinations with the parent; Close either one, not both.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), file: l.file}
}

// SetDefault installs this Logger as the process-wide slog default and
// returns it, so construction and installation chain in one statement.
func (l *Logger) SetDefault() *Logger {
	slog.SetDefault(l.slog)
	return l
}

// Close releases the file destination, if any. Safe to call more than
// once.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	return f.Close()
}

// =============================================================================
// Destinations
// =============================================================================

// openLogFile opens (appending) the dated log file for a service.
func openLogFile(dir, service string) (*os.File, error) {
	dir, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if service == "" {
		service = "opsmend"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// expandHome resolves a leading "~" in a path.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// =============================================================================
// Fan-out handler
// =============================================================================

// fanHandler forwards each record to every wrapped handler. Enabled
// reports true if any destination wants the level, and Handle only
// forwards to the ones that do, so a debug-level file and an info-level
// stderr could coexist if configs ever diverge per destination.
type fanHandler []slog.Handler

func (h fanHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, hh := range h {
		if !hh.Enabled(ctx, rec.Level) {
			continue
		}
		if err := hh.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h fanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanHandler, len(h))
	for i, hh := range h {
		out[i] = hh.WithAttrs(attrs)
	}
	return out
}

func (h fanHandler) WithGroup(name string) slog.Handler {
	out := make(fanHandler, len(h))
	for i, hh := range h {
		out[i] = hh.WithGroup(name)
	}
	return out
}

var _ slog.Handler = fanHandler(nil)
