// Package tunnel publishes the gateway's listening port on a remote SSH
// host, the Go equivalent of ssh -R.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	egerr "enginegate/internal/errors"
	"enginegate/internal/retry"
	"enginegate/util"
)

// SSHConfig holds everything needed to dial an SSH host.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// AllowKeyboardInteractive adds keyboard-interactive with empty
	// answers as a last auth method.  Public relay services
	// (serveo.net, localhost.run) authenticate that way.
	AllowKeyboardInteractive bool

	// Prompt reads secrets (passwords, key passphrases).  Nil means
	// [TerminalPrompt].
	Prompt Prompter
}

func (c *SSHConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return util.FormatAddr(c.Host, port)
}

// dialClient completes the TCP dial and SSH handshake.  Failures that a
// retry cannot fix (rejected credentials, a changed host key) come back
// wrapped with [retry.Permanent].
func dialClient(ctx context.Context, cfg *SSHConfig, logger *util.Logger) (*ssh.Client, error) {
	authMethods, err := BuildAuthMethods(cfg)
	if err != nil {
		return nil, retry.Permanent(egerr.WrapSSH("auth", cfg.Host, cfg.Port, err))
	}

	hkCb, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, retry.Permanent(egerr.WrapSSH("hostkey", cfg.Host, cfg.Port, err))
	}

	timeout := cfg.ConnTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hkCb,
		Timeout:         timeout,
		// Relay services print the public address in the pre-auth
		// banner.
		BannerCallback: func(message string) error {
			logger.Info("%s", strings.TrimRight(message, "\r\n"))
			return nil
		},
	}

	addr := cfg.addr()
	logger.Debug("dialing SSH %s as %s", addr, cfg.User)

	dialer := net.Dialer{Timeout: timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, egerr.Wrap("dial", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		wrapped := egerr.WrapSSH("handshake", cfg.Host, cfg.Port, err)
		if isHandshakeFatal(err) {
			return nil, retry.Permanent(wrapped)
		}
		return nil, wrapped
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// isHandshakeFatal reports handshake failures caused by configuration
// rather than the network.
func isHandshakeFatal(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return true
	}
	// x/crypto/ssh has no typed error for exhausted auth methods.
	return strings.Contains(err.Error(), "unable to authenticate")
}

// errClosed is returned by Start on a closed publisher.
var errClosed = fmt.Errorf("publisher closed: %w", egerr.ErrNotConnected)
