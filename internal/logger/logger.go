// Package logger is the structured logging spine of the database. Every
// subsystem logs through a component-scoped child (database, txn, schema,
// authz, audit) so a single stream can be filtered by origin when several
// embedded instances share a process.
package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Options configures the shared base logger.
type Options struct {
	// Level is the minimum level emitted (default slog.LevelInfo).
	Level slog.Level
	// Output receives the log stream (default os.Stderr).
	Output io.Writer
	// Text switches from the default JSON handler to the text handler.
	Text bool
}

var (
	mu   sync.RWMutex
	base *slog.Logger
)

// Configure replaces the shared base logger. Children handed out before the
// call keep their previous handler; subsystems that must follow a
// reconfiguration should re-request their component logger.
func Configure(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.Text {
		handler = slog.NewTextHandler(out, hopts)
	} else {
		handler = slog.NewJSONHandler(out, hopts)
	}

	mu.Lock()
	base = slog.New(handler)
	mu.Unlock()
}

// ForComponent returns a child logger tagged with the subsystem it serves.
// The first call without prior configuration installs the defaults.
func ForComponent(name string) *slog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l == nil {
		Configure(Options{})
		mu.RLock()
		l = base
		mu.RUnlock()
	}
	return l.With("component", name)
}
