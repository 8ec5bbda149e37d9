// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// sink is the destination shared by a logger and every child created
// with [Logger.With], so that concurrent sessions never interleave
// within a single line.
type sink struct {
	mu         sync.Mutex
	output     io.Writer
	timestamps bool
}

// Logger writes levelled messages to stderr (or a log file) with
// optional UTC timestamps and level prefixes.
type Logger struct {
	level  LogLevel
	sink   *sink
	prefix string
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	return &Logger{
		level: LogLevel(verbosity),
		sink:  &sink{output: os.Stderr, timestamps: true},
	}
}

// With returns a child logger that prepends prefix to every message
// and shares the parent's level and output.
func (l *Logger) With(prefix string) *Logger {
	p := prefix
	if l.prefix != "" {
		p = l.prefix + " " + prefix
	}
	return &Logger{level: l.level, sink: l.sink, prefix: p}
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) {
	l.sink.mu.Lock()
	l.sink.timestamps = on
	l.sink.mu.Unlock()
}

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// Enabled reports whether messages at lvl would be printed.
func (l *Logger) Enabled(lvl LogLevel) bool { return l.level >= lvl }

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write("INF", format, args...)
	}
}

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write("WRN", format, args...)
	}
}

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.level >= LogVerbose {
		l.write("VRB", format, args...)
	}
}

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogDebug {
		l.write("DBG", format, args...)
	}
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("ERR", format, args...)
}

func (l *Logger) write(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		msg = l.prefix + " " + msg
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.timestamps {
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		fmt.Fprintf(l.sink.output, "[%s] [%s] %s\n", ts, level, msg)
	} else {
		fmt.Fprintf(l.sink.output, "[%s] %s\n", level, msg)
	}
}

// OpenLogFile opens path for appending, creating it if needed.  The
// caller owns the returned file.
func OpenLogFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
