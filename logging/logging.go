// Package logging installs the process-wide slog logger. Output can be
// held in memory until a sink such as the monitor's log pane is
// attached, and is optionally copied to a file.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Options mirror the Level/Format/File triple of the configuration.
type Options struct {
	Level  string
	Format string
	File   string
	// Hold keeps records in memory until Attach is called.
	Hold bool
}

type holdingWriter struct {
	mu      sync.Mutex
	pending bytes.Buffer
	sink    io.Writer
	file    *os.File
	holding bool
}

func (w *holdingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	switch {
	case w.holding:
		w.pending.Write(p)
	case w.sink != nil:
		if _, err := w.sink.Write(p); err != nil {
			firstErr = err
		}
	}
	if w.file != nil {
		if _, err := w.file.Write(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(p), firstErr
}

var (
	out   = &holdingWriter{sink: os.Stderr}
	level slog.LevelVar
)

// ParseLevel accepts DEBUG, INFO, WARN and ERROR in any case. Anything
// else maps to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Init replaces the default slog logger. A previously opened log file
// is closed first.
func Init(opts Options) error {
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.file != nil {
		out.file.Close()
		out.file = nil
	}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out.file = f
	}
	out.holding = opts.Hold
	if !opts.Hold && out.sink == nil {
		out.sink = os.Stderr
	}
	level.Set(ParseLevel(opts.Level))

	hopts := &slog.HandlerOptions{Level: &level}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, hopts)
	} else {
		handler = slog.NewTextHandler(out, hopts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// SetLevel changes the level of the installed logger in place.
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

// Attach flushes held records to sink and sends everything after that
// straight to it.
func Attach(sink io.Writer) error {
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.pending.Len() > 0 {
		if _, err := sink.Write(out.pending.Bytes()); err != nil {
			return err
		}
		out.pending.Reset()
	}
	out.sink = sink
	out.holding = false
	return nil
}

// Detach starts holding records again, e.g. while the monitor is torn
// down for a reload.
func Detach() {
	out.mu.Lock()
	defer out.mu.Unlock()

	out.sink = nil
	out.holding = true
}

// Close drops held records, writing them to stderr first unless they
// already went to the log file, and closes the file.
func Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()

	var firstErr error
	if out.pending.Len() > 0 && out.file == nil {
		if _, err := os.Stderr.Write(out.pending.Bytes()); err != nil {
			firstErr = err
		}
	}
	out.pending.Reset()
	if out.file != nil {
		if err := out.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		out.file = nil
	}
	return firstErr
}
