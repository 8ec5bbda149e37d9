package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// Prompter reads a secret after showing label.
type Prompter func(label string) ([]byte, error)

// ErrNoTerminal is returned by [TerminalPrompt] when stdin is not a
// terminal, e.g. when the gateway runs under a service manager.
var ErrNoTerminal = errors.New("stdin is not a terminal")

// TerminalPrompt reads a secret from the controlling terminal without
// echo.
func TerminalPrompt(label string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%s: %w", label, ErrNoTerminal)
	}
	fmt.Fprint(os.Stderr, label)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return secret, err
}

func (c *SSHConfig) prompt(label string) ([]byte, error) {
	if c.Prompt != nil {
		return c.Prompt(label)
	}
	return TerminalPrompt(label)
}

// BuildAuthMethods assembles an ordered list of SSH authentication
// methods from the configuration.
func BuildAuthMethods(cfg *SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		m, err := publicKeyAuth(cfg, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, m)
	}

	if cfg.UseAgent {
		m, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		methods = append(methods, m)
	}

	if cfg.PromptPass {
		pass, err := cfg.prompt(fmt.Sprintf("%s@%s's password: ", cfg.User, cfg.Host))
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		methods = append(methods, ssh.Password(string(pass)))
	}

	// Nothing explicit: agent plus the usual key files.
	if len(methods) == 0 {
		methods = defaultAuthMethods(cfg)
	}

	if cfg.AllowKeyboardInteractive {
		methods = append(methods, ssh.KeyboardInteractive(emptyChallenge))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf(
			"no SSH authentication methods available, " +
				"use --ssh-key, --ssh-password, or --ssh-agent")
	}
	return methods, nil
}

func publicKeyAuth(cfg *SSHConfig, keyPath string) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	switch {
	case err == nil:
	case errors.As(err, &missing):
		pass, perr := cfg.prompt(fmt.Sprintf("Enter passphrase for %s: ", keyPath))
		if perr != nil {
			return nil, fmt.Errorf("reading passphrase: %w", perr)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
		if err != nil {
			return nil, fmt.Errorf("decrypting key: %w", err)
		}
	default:
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// defaultAuthMethods tries the agent and the common unencrypted key
// files.  Encrypted defaults are skipped rather than prompted for.
func defaultAuthMethods(cfg *SSHConfig) []ssh.AuthMethod {
	var out []ssh.AuthMethod

	if m, err := agentAuth(); err == nil {
		out = append(out, m)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	quiet := *cfg
	quiet.Prompt = func(string) ([]byte, error) { return nil, ErrNoTerminal }
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if m, err := publicKeyAuth(&quiet, p); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func emptyChallenge(_, _ string, questions []string, _ []bool) ([]string, error) {
	return make([]string, len(questions)), nil
}

func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // host key checking is opt-in via --strict-hostkey
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := cfg.KnownHosts
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return cb, nil
}
