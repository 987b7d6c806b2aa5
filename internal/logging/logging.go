package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	disabled atomic.Bool
	level    = new(slog.LevelVar)
)

// Setup installs a process-wide slog handler writing to w. format is "text"
// or "json".
func Setup(w io.Writer, lvl, format string) error {
	if w == nil {
		w = os.Stderr
	}
	if err := SetLevel(lvl); err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(gate{h}))
	return nil
}

// SetLevel changes the level of the installed handler.
func SetLevel(lvl string) error {
	l, err := ParseLevel(lvl)
	if err != nil {
		return err
	}
	level.Set(l)
	return nil
}

// Level returns the current level.
func Level() slog.Level { return level.Level() }

// ParseLevel accepts debug, info, warn or error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Disable turns off all logging
func Disable() {
	disabled.Store(true)
}

// Enable turns logging back on
func Enable() {
	disabled.Store(false)
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

// gate drops every record while logging is disabled.
type gate struct{ slog.Handler }

func (g gate) Enabled(ctx context.Context, l slog.Level) bool {
	return !disabled.Load() && g.Handler.Enabled(ctx, l)
}

func (g gate) WithAttrs(attrs []slog.Attr) slog.Handler {
	return gate{g.Handler.WithAttrs(attrs)}
}

func (g gate) WithGroup(name string) slog.Handler {
	return gate{g.Handler.WithGroup(name)}
}
