package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.  The env struct
// tags in config.go repeat the literal values; TestDefaultsMatchTags
// keeps the two in step.

const (
	// DefaultBindAddress is the interface the gateway listens on.
	DefaultBindAddress = "127.0.0.1"

	// DefaultListenPort is the gateway's TCP port.
	DefaultListenPort = 4082

	// DefaultRegistryFile is the registry file name inside the base
	// directory.
	DefaultRegistryFile = "engines.json"

	// DefaultHandshakeToken is the client line that triggers option
	// injection.
	DefaultHandshakeToken = "isready"

	// DefaultQuietPrefix marks engine output lines that are logged at
	// debug level only.
	DefaultQuietPrefix = "info"

	// DefaultGracefulTimeout is how long an engine gets to exit after
	// receiving "quit".
	DefaultGracefulTimeout = 5 * time.Second

	// DefaultTerminateTimeout is how long an engine gets to exit after
	// the terminate signal before it is killed.
	DefaultTerminateTimeout = 3 * time.Second

	// DefaultShutdownGrace is how long the gateway waits for running
	// sessions when it is asked to stop.
	DefaultShutdownGrace = 10 * time.Second

	// DefaultVerbosity is normal logging (errors, warnings, info).
	DefaultVerbosity = 1

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultRemoteBindAddress is where the SSH server binds a published
	// port unless told otherwise.
	DefaultRemoteBindAddress = "127.0.0.1"

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds.
	DefaultKeepAliveInterval = 30

	// DefaultConnTimeout is the SSH connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultMaxReconnectAttempts is how many times to retry after a
	// tunnel disconnect.
	DefaultMaxReconnectAttempts = 10

	// DefaultMaxReconnectBackoff caps the exponential backoff between
	// reconnection attempts.
	DefaultMaxReconnectBackoff = 60 * time.Second
)

// DefaultAliases maps the legacy bare-token commands onto registry ids.
// Each token names itself, so a registry entry with id "research" or
// "game" serves the legacy client unchanged.
func DefaultAliases() map[string]string {
	return map[string]string{
		"research": "research",
		"game":     "game",
	}
}
