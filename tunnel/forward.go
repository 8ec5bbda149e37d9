package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// handleConnection bridges one remote connection to the gateway.
func (p *Publisher) handleConnection(remoteConn net.Conn) {
	defer p.wg.Done()
	defer remoteConn.Close()

	start := time.Now()
	remoteAddr := remoteConn.RemoteAddr().String()
	target := p.config.LocalAddress

	var localConn net.Conn
	err := p.breaker.Do(func() error {
		dialer := net.Dialer{Timeout: p.config.DialTimeout}
		c, err := dialer.DialContext(p.ctx, "tcp", target)
		if err != nil {
			return err
		}
		localConn = c
		return nil
	})
	if err != nil {
		p.logger.Error("gateway dial %s for %s: %v", target, remoteAddr, err)
		p.metrics.RecordError(fmt.Sprintf("gateway dial %s: %v", target, err))
		return
	}
	defer localConn.Close()

	p.logger.Verbose("bridging %s <-> %s", remoteAddr, target)

	in, out := bridgeConns(p.ctx, remoteConn, localConn)

	p.logger.Verbose("%s closed after %v (in=%d out=%d)",
		remoteAddr, time.Since(start).Truncate(time.Millisecond), in, out)
}

// closeWriter is implemented by *net.TCPConn and ssh channels.
type closeWriter interface {
	CloseWrite() error
}

// bridgeConns copies in both directions until both sides are done or
// ctx is cancelled.  When one direction hits EOF the write side of the
// other connection is half-closed, so a client that sends its last
// command and closes still receives the engine's remaining output.
func bridgeConns(ctx context.Context, a, b net.Conn) (aToB, bToA int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	pump := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		c, err := io.Copy(dst, src)
		*n = c
		cw, ok := dst.(closeWriter)
		if err != nil || !ok || cw.CloseWrite() != nil {
			cancel()
		}
	}
	go pump(b, a, &aToB)
	go pump(a, b, &bToA)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	a.Close()
	b.Close()
	<-done
	return aToB, bToA
}
