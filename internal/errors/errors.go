// Package errors provides domain-specific error types for enginegate.
//
// The sentinel errors map one-to-one onto the WRAPPER_ERROR lines a
// client can receive before its session reaches the running state; the
// structured types carry the context (path, address, field) needed for
// useful log lines.
package errors

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrInvalidCommand     = errors.New("invalid command")
	ErrEngineNotFound     = errors.New("engine id not found")
	ErrPathNotConfigured  = errors.New("engine path not configured")
	ErrExecutableNotFound = errors.New("engine executable not found")
	ErrSpawnFailed        = errors.New("engine process failed to start")
	ErrNotConnected       = errors.New("not connected")
)

// ── Structured error types ───────────────────────────────────────────

// EngineError ties a resolution failure to the engine id the client
// asked for.
type EngineError struct {
	ID  string
	Err error // ErrEngineNotFound or ErrPathNotConfigured
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %q: %v", e.ID, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// SpawnError reports a failure to launch an engine executable.  Kind is
// ErrExecutableNotFound or ErrSpawnFailed; Err is the OS-level cause.
type SpawnError struct {
	Path string
	Kind error
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v: %v", e.Path, e.Kind, e.Err)
}

// Unwrap exposes both the classification and the OS cause so that
// errors.Is works against either.
func (e *SpawnError) Unwrap() []error { return []error{e.Kind, e.Err} }

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // flag name without dashes
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// NotFound returns an EngineError for an unknown engine id.
func NotFound(id string) *EngineError {
	return &EngineError{ID: id, Err: ErrEngineNotFound}
}

// NoPath returns an EngineError for a definition without a path.
func NoPath(id string) *EngineError {
	return &EngineError{ID: id, Err: ErrPathNotConfigured}
}

// Spawn classifies an exec failure into a SpawnError.
func Spawn(path string, err error) *SpawnError {
	kind := ErrSpawnFailed
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, exec.ErrNotFound) {
		kind = ErrExecutableNotFound
	}
	return &SpawnError{Path: path, Kind: kind, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsBenign reports whether err belongs to the set of I/O conditions that
// are expected while a session is being torn down: end of stream, a
// closed pipe or socket, a reset peer, an elapsed deadline, or a process
// that has already been reaped.  Anything else is worth a warning.
func IsBenign(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, os.ErrProcessDone),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	return false
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }
