package tunnel

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// keepaliveLoop sends periodic keepalive requests on client.  On
// failure it drops the remote listener so the accept loop notices and
// reconnects.
func (p *Publisher) keepaliveLoop(client *ssh.Client) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			current := p.client
			p.mu.Unlock()

			// Replaced by a reconnect; that one runs its own loop.
			if current != client {
				return
			}

			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				p.logger.Error("SSH keepalive failed: %v", err)
				p.metrics.RecordError(fmt.Sprintf("keepalive: %v", err))
				p.mu.Lock()
				if p.listener != nil {
					p.listener.Close()
					p.listener = nil
				}
				p.mu.Unlock()
				return
			}
			p.metrics.RecordHealthCheck()
			p.logger.Debug("SSH keepalive OK")
		}
	}
}

// reconnect tears down the current connection and re-establishes it
// under the configured backoff.  Only the accept loop calls it.
func (p *Publisher) reconnect() error {
	p.logger.Info("publisher: reconnecting to %s", p.config.SSH.Host)
	p.metrics.TunnelReconnect()

	p.mu.Lock()
	if p.listener != nil {
		p.listener.Close()
		p.listener = nil
	}
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.mu.Unlock()

	b := *p.config.Backoff
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		p.logger.Error("reconnect attempt %d: %v (next in %v)",
			attempt, err, wait.Truncate(time.Millisecond))
		p.metrics.RecordError(fmt.Sprintf("reconnect attempt %d: %v", attempt, err))
	}

	err := b.Do(p.ctx, func(_ int) error {
		client, listener, err := p.connect(p.ctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.client = client
		p.listener = listener
		p.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	p.logger.Info("publisher: reconnected, %s is live again", p.RemoteAddr())
	p.breaker.Reset()

	if p.config.KeepAliveInterval > 0 {
		p.mu.Lock()
		client := p.client
		p.mu.Unlock()
		p.wg.Add(1)
		go p.keepaliveLoop(client)
	}
	return nil
}
