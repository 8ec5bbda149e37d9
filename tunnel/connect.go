package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"enginegate/internal/retry"
	"enginegate/util"
)

// connect dials the SSH host and opens the remote listener.
func (p *Publisher) connect(ctx context.Context) (*ssh.Client, net.Listener, error) {
	client, err := dialClient(ctx, p.config.SSH, p.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("SSH connection: %w", err)
	}

	if needsGatewayPorts(p.config.RemoteBindAddress) {
		if err := p.validateGatewayPorts(client); err != nil {
			client.Close()
			return nil, nil, retry.Permanent(err)
		}
	}

	listener, err := listenRemoteForward(client, p.config.RemoteBindAddress, p.config.RemotePort)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("remote listen on %s: %w", p.RemoteAddr(), err)
	}

	if p.config.ServerMessages {
		go p.drainServerMessages(client)
	}
	return client, listener, nil
}

// needsGatewayPorts reports whether binding addr on the server requires
// sshd's GatewayPorts setting.
func needsGatewayPorts(addr string) bool {
	switch addr {
	case "", "localhost":
		return false
	}
	ip := net.ParseIP(addr)
	return ip == nil || !ip.IsLoopback()
}

// validateGatewayPorts probes a non-loopback bind on the server before
// asking for the real forward, so a disabled GatewayPorts surfaces as a
// clear error instead of a silently loopback-only listener.
func (p *Publisher) validateGatewayPorts(client *ssh.Client) error {
	port, err := util.FindFreePort()
	if err != nil {
		return fmt.Errorf("finding probe port: %w", err)
	}

	ln, err := client.Listen("tcp", util.FormatAddr("0.0.0.0", port))
	if err != nil {
		return fmt.Errorf(
			"GatewayPorts appears disabled on %s, "+
				"set \"GatewayPorts yes\" or \"GatewayPorts clientspecified\" "+
				"in sshd_config: %w",
			p.config.SSH.Host, err)
	}
	ln.Close()

	p.logger.Debug("GatewayPorts check passed")
	return nil
}

// drainServerMessages opens a session and logs whatever the server
// writes to it.  It returns quietly when sessions are refused.
func (p *Publisher) drainServerMessages(client *ssh.Client) {
	sess, err := client.NewSession()
	if err != nil {
		p.logger.Debug("server message session: %v", err)
		return
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return
	}

	// Some relays only talk once a shell is requested.
	_ = sess.Shell()

	var wg sync.WaitGroup
	printStream := func(r io.Reader) {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, readErr := r.Read(buf)
			if n > 0 {
				p.logger.Info("server: %s", strings.TrimRight(string(buf[:n]), "\r\n"))
			}
			if readErr != nil {
				return
			}
		}
	}

	wg.Add(2)
	go printStream(stdout)
	go printStream(stderr)
	wg.Wait()
}
