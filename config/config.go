// Package config defines the runtime configuration for enginegate and
// provides helpers for resolving paths and parsing the publish target.
package config

import (
	"fmt"
	"os"
	osuser "os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	egerr "enginegate/internal/errors"
	"enginegate/util"
)

// Config holds every tuneable for a gateway process.  Fields tagged
// with env are populated by [LoadFromEnv]; CLI flags override them.
type Config struct {
	// ── Listener ─────────────────────────────────────────────────────
	BindAddress string `env:"BIND_ADDRESS" envDefault:"127.0.0.1"`
	ListenPort  int    `env:"LISTEN_PORT" envDefault:"4082"`

	// ── Registry ─────────────────────────────────────────────────────
	BaseDir       string            `env:"ENGINEGATE_BASE_DIR"`
	RegistryPath  string            `env:"ENGINEGATE_REGISTRY"`
	Aliases       map[string]string `env:"ENGINEGATE_ALIASES" envKeyValSeparator:"=" envDefault:"research=research,game=game"`
	WatchRegistry bool              `env:"ENGINEGATE_WATCH_REGISTRY" envDefault:"true"`

	// ── Session ──────────────────────────────────────────────────────
	HandshakeToken   string        `env:"ENGINEGATE_HANDSHAKE_TOKEN" envDefault:"isready"`
	QuietPrefix      string        `env:"ENGINEGATE_QUIET_PREFIX" envDefault:"info"`
	GracefulTimeout  time.Duration `env:"ENGINEGATE_GRACEFUL_TIMEOUT" envDefault:"5s"`
	TerminateTimeout time.Duration `env:"ENGINEGATE_TERMINATE_TIMEOUT" envDefault:"3s"`
	ShutdownGrace    time.Duration `env:"ENGINEGATE_SHUTDOWN_GRACE" envDefault:"10s"`

	// ── Observability ────────────────────────────────────────────────
	MetricsAddr string `env:"ENGINEGATE_METRICS_ADDR"`
	LogFile     string `env:"ENGINEGATE_LOG_FILE"`
	Verbose     int    `env:"ENGINEGATE_VERBOSE" envDefault:"1"`

	// ── Remote publishing (SSH reverse tunnel) ───────────────────────
	PublishSpec       string `env:"ENGINEGATE_PUBLISH"` // raw user@host[:port] from -R
	PublishEnabled    bool
	PublishUser       string
	PublishHost       string
	PublishPort       int
	RemotePort        int    `env:"ENGINEGATE_REMOTE_PORT"`
	RemoteBindAddress string `env:"ENGINEGATE_REMOTE_BIND" envDefault:"127.0.0.1"`
	KeepAliveInterval int    `env:"ENGINEGATE_KEEP_ALIVE" envDefault:"30"` // seconds, 0 disables
	AutoReconnect     bool   `env:"ENGINEGATE_AUTO_RECONNECT"`
	SSHKeyPath        string `env:"ENGINEGATE_SSH_KEY"`
	SSHPassword       bool   `env:"ENGINEGATE_SSH_PASSWORD"` // true → prompt interactively
	UseSSHAgent       bool   `env:"ENGINEGATE_SSH_AGENT"`
	StrictHostKey     bool   `env:"ENGINEGATE_STRICT_HOSTKEY"`
	KnownHostsPath    string `env:"ENGINEGATE_KNOWN_HOSTS"`
}

// ListenAddr returns the "host:port" the gateway binds.
func (c *Config) ListenAddr() string {
	return util.FormatAddr(c.BindAddress, c.ListenPort)
}

// ResolveRegistry returns the absolute registry path: the explicit
// RegistryPath (relative values are taken against BaseDir) or
// <BaseDir>/engines.json.
func (c *Config) ResolveRegistry() string {
	p := c.RegistryPath
	if p == "" {
		p = DefaultRegistryFile
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.BaseDir, p)
}

// DefaultBaseDir returns the directory containing the running
// executable with symlinks resolved, falling back to the working
// directory when that cannot be determined (e.g. under `go run`).
func DefaultBaseDir() string {
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		return filepath.Dir(exe)
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// Finalize fills derived fields: the base directory, the parsed
// publish target.  Call after flags are applied and before Validate.
func (c *Config) Finalize() error {
	if c.BaseDir == "" {
		c.BaseDir = DefaultBaseDir()
	}
	if abs, err := filepath.Abs(c.BaseDir); err == nil {
		c.BaseDir = abs
	}
	if c.Aliases == nil {
		c.Aliases = DefaultAliases()
	}
	if c.PublishSpec != "" {
		user, host, port, err := ParseTunnelSpec(c.PublishSpec)
		if err != nil {
			return err
		}
		if user == "" {
			user = currentUser()
		}
		c.PublishEnabled = true
		c.PublishUser = user
		c.PublishHost = host
		c.PublishPort = port
	}
	return nil
}

func currentUser() string {
	if u, err := osuser.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// ParseAliases parses "token=id" pairs as accepted by --alias.
func ParseAliases(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		token, id, ok := strings.Cut(p, "=")
		token, id = strings.TrimSpace(token), strings.TrimSpace(id)
		if !ok || token == "" {
			return nil, fmt.Errorf("invalid alias %q – expected token=id", p)
		}
		out[token] = id
	}
	return out, nil
}

// ── Publish-target parser ──────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid publish target %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid publish port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Every failure is a *errors.ConfigError carrying a hint.
func (c *Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return &egerr.ConfigError{
			Field:   "port",
			Value:   c.ListenPort,
			Message: "out of range 1-65535",
			Hint:    "set LISTEN_PORT or -p to a port between 1 and 65535",
		}
	}
	if c.BindAddress == "" {
		return &egerr.ConfigError{
			Field:   "bind",
			Message: "bind address is empty",
			Hint:    "use 127.0.0.1 for local clients or 0.0.0.0 for all interfaces",
		}
	}
	if strings.TrimSpace(c.HandshakeToken) == "" {
		return &egerr.ConfigError{
			Field:   "handshake-token",
			Message: "must not be empty",
			Hint:    "USI engines use \"isready\"",
		}
	}

	for name, d := range map[string]time.Duration{
		"graceful-timeout":  c.GracefulTimeout,
		"terminate-timeout": c.TerminateTimeout,
		"shutdown-grace":    c.ShutdownGrace,
	} {
		if d <= 0 {
			return &egerr.ConfigError{
				Field:   name,
				Value:   d,
				Message: "must be positive",
				Hint:    "use a Go duration such as 5s or 1500ms",
			}
		}
	}

	for token, id := range c.Aliases {
		if strings.TrimSpace(token) == "" || strings.ContainsAny(token, " \t") {
			return &egerr.ConfigError{
				Field:   "alias",
				Value:   token,
				Message: "alias token must be a single word",
			}
		}
		if strings.TrimSpace(id) == "" {
			return &egerr.ConfigError{
				Field:   "alias",
				Value:   token,
				Message: "alias has no target engine id",
				Hint:    fmt.Sprintf("use --alias %s=<engine id>", token),
			}
		}
	}

	if c.Verbose < 0 || c.Verbose > int(util.LogDebug) {
		return &egerr.ConfigError{
			Field:   "verbose",
			Value:   c.Verbose,
			Message: "out of range 0-3",
		}
	}

	if c.PublishEnabled {
		if c.RemotePort < 1 || c.RemotePort > 65535 {
			return &egerr.ConfigError{
				Field:   "remote-port",
				Message: "required with --publish",
				Hint:    "e.g. -R user@host --remote-port 4082",
			}
		}
		if c.PublishHost == "" {
			return &egerr.ConfigError{
				Field:   "publish",
				Value:   c.PublishSpec,
				Message: "host is required",
			}
		}
		if c.KeepAliveInterval < 0 {
			return &egerr.ConfigError{
				Field:   "keep-alive",
				Value:   c.KeepAliveInterval,
				Message: "must be zero (off) or a positive number of seconds",
			}
		}
	} else if c.RemotePort != 0 {
		return &egerr.ConfigError{
			Field:   "remote-port",
			Value:   c.RemotePort,
			Message: "has no effect without --publish",
			Hint:    "add -R user@host to publish the gateway",
		}
	}

	return nil
}
