// Package logging wraps the standard library logger with leveled
// convenience methods, matching the plain, unadorned logging idiom used
// throughout the rest of this codebase's command drivers and services.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger is a thin wrapper around *log.Logger adding a component prefix
// and leveled convenience methods. It deliberately does not reach for a
// structured logging library: nothing in this codebase does.
type Logger struct {
	component string
	std       *log.Logger
}

// New creates a Logger that writes to stderr, prefixed with component.
func New(component string) *Logger {
	return &Logger{
		component: component,
		std:       log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) logf(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("[%s] %s: %s", level, l.component, msg)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.logf("INFO", format, args...)
}

// Warn logs a warning, used for stale-lock reclamation and corrupt-line
// skips, neither of which abort the caller.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.logf("WARN", format, args...)
}

// Error logs an error, used for background flush failures and shutdown
// backup/retention errors that do not prevent the engine from closing.
func (l *Logger) Error(format string, args ...interface{}) {
	l.logf("ERROR", format, args...)
}

// With returns a child logger scoped to a sub-component, e.g.
// logging.New("engine").With("flusher").
func (l *Logger) With(sub string) *Logger {
	return &Logger{component: l.component + "." + sub, std: l.std}
}
