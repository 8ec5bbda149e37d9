package tunnel

// publisher.go holds the Publisher type, its lifecycle and the accept
// loop.  Siblings:
//
//   - connect.go  - SSH dial, GatewayPorts check, relay banner drain
//   - listener.go - forwarded-tcpip listener
//   - forward.go  - bridging a remote connection to the gateway
//   - health.go   - keepalive and reconnect

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"enginegate/internal/metrics"
	"enginegate/internal/retry"
	"enginegate/util"
)

// PublishConfig describes a reverse forward from a remote SSH host to
// the gateway's own listener.
type PublishConfig struct {
	SSH *SSHConfig

	// RemoteBindAddress is where the SSH server listens ("" lets the
	// server decide).  Anything other than loopback needs GatewayPorts
	// on the server, which is checked before forwarding.
	RemoteBindAddress string
	RemotePort        int

	// LocalAddress is the gateway's listening address in host:port form.
	LocalAddress string
	// DialTimeout bounds each dial of LocalAddress (default 5s).
	DialTimeout time.Duration

	KeepAliveInterval time.Duration // 0 disables keepalive
	AutoReconnect     bool
	// Backoff is the reconnect policy (default retry.DefaultBackoff).
	Backoff *retry.Backoff

	// ServerMessages opens a session and logs what the server prints
	// on it.  Relay services announce the public address there.
	ServerMessages bool
}

// Publisher accepts connections on a remote SSH host and bridges each
// one to the gateway's listener, so remote clients speak the gateway
// protocol as if they had connected locally.
type Publisher struct {
	config   *PublishConfig
	client   *ssh.Client
	listener net.Listener
	breaker  *retry.Breaker
	logger   *util.Logger
	metrics  *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewPublisher returns a publisher ready to [Publisher.Start].  The
// metrics collector may be nil.
func NewPublisher(cfg *PublishConfig, logger *util.Logger, m *metrics.Collector) *Publisher {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.DefaultBackoff()
	}
	p := &Publisher{config: cfg, logger: logger, metrics: m}
	p.breaker = retry.NewBreaker(5, 10*time.Second)
	p.breaker.OnStateChange = func(from, to retry.State) {
		p.logger.Warn("local dial breaker %s -> %s", from, to)
	}
	return p
}

// RemoteAddr is the published address as requested from the server.
func (p *Publisher) RemoteAddr() string {
	return util.FormatAddr(p.config.RemoteBindAddress, p.config.RemotePort)
}

// Start connects to the SSH host, requests the remote listener and
// begins forwarding.  It returns once forwarding is up; use
// [Publisher.Wait] to block until the publisher stops.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	client, listener, err := p.connect(p.ctx)
	if err != nil {
		p.cancel()
		return err
	}

	p.mu.Lock()
	p.client = client
	p.listener = listener
	p.mu.Unlock()

	p.logger.Info("published %s on %s -> %s",
		p.RemoteAddr(), p.config.SSH.Host, p.config.LocalAddress)

	// Unblock Accept on cancellation.
	go func() {
		<-p.ctx.Done()
		p.mu.Lock()
		if p.listener != nil {
			p.listener.Close()
		}
		p.mu.Unlock()
	}()

	if p.config.KeepAliveInterval > 0 {
		p.wg.Add(1)
		go p.keepaliveLoop(client)
	}

	p.wg.Add(1)
	go p.acceptLoop()

	return nil
}

// Wait blocks until the accept loop and every bridge have returned.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

// Close cancels the remote forward, drops the SSH connection and waits
// up to five seconds for active bridges.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error

	p.mu.Lock()
	if p.listener != nil {
		if err := p.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("listener close: %w", err))
		}
		p.listener = nil
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(5 * time.Second)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		errs = append(errs, fmt.Errorf("timeout waiting for bridges to finish"))
	}

	p.mu.Lock()
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("SSH close: %w", err))
		}
		p.client = nil
	}
	p.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("publisher close: %v", errs)
	}
	return nil
}

func (p *Publisher) acceptLoop() {
	defer p.wg.Done()
	defer p.cancel()

	for {
		p.mu.Lock()
		listener := p.listener
		p.mu.Unlock()

		if listener == nil {
			if !p.config.AutoReconnect || p.ctx.Err() != nil {
				return
			}
			// The keepalive loop dropped a dead connection.
			if err := p.reconnect(); err != nil {
				p.logger.Error("reconnect failed, giving up: %v", err)
				return
			}
			continue
		}

		remoteConn, err := listener.Accept()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Error("remote accept: %v", err)
			p.metrics.RecordError(fmt.Sprintf("remote accept: %v", err))

			if p.config.AutoReconnect {
				if reconnErr := p.reconnect(); reconnErr != nil {
					p.logger.Error("reconnect failed, giving up: %v", reconnErr)
					return
				}
				continue
			}
			return
		}

		p.logger.Verbose("remote connection from %s", remoteConn.RemoteAddr())

		p.wg.Add(1)
		go p.handleConnection(remoteConn)
	}
}
