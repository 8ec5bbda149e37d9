package core

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	egerr "enginegate/internal/errors"
	"enginegate/internal/metrics"
	"enginegate/util"
)

// Handler serves one accepted connection and closes it.
// *session.Coordinator implements it.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a plain function to [Handler].
type HandlerFunc func(ctx context.Context, conn net.Conn)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// ListenMode accepts clients on a single TCP port and serves each on
// its own goroutine.
type ListenMode struct {
	Address string // "host:port"
	Handler Handler
	Logger  *util.Logger
	Metrics *metrics.Collector
	// GracePeriod is how long in-flight sessions may take to wind down
	// after ctx is cancelled (default 10s).
	GracePeriod time.Duration
	// Ready, if set, is called with the bound address once the
	// listener is accepting.
	Ready func(net.Addr)
}

// Run listens until ctx is cancelled.  Sessions see the same
// cancellation and shut their engines down; Run waits for them up to
// GracePeriod.
func (m *ListenMode) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.Address, err)
	}
	defer ln.Close()

	m.Logger.Info("listening on %s", ln.Addr())
	if m.Ready != nil {
		m.Ready(ln.Addr())
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	err = m.acceptLoop(ctx, ln, &wg)
	m.drain(&wg)
	return err
}

func (m *ListenMode) acceptLoop(ctx context.Context, ln net.Listener, wg *sync.WaitGroup) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if egerr.IsRetryable(err) {
				// Out of descriptors and similar: back off and retry.
				delay = nextAcceptDelay(delay)
				m.Logger.Warn("accept: %v; retrying in %v", err, delay)
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0

		m.Logger.Verbose("connection from %s", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.serveConn(ctx, conn)
		}()
	}
}

// serveConn confines a panic to the one session that raised it.
func (m *ListenMode) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			m.Logger.Error("session from %s panicked: %v\n%s", conn.RemoteAddr(), r, debug.Stack())
			m.Metrics.RecordError(fmt.Sprintf("session panic: %v", r))
			conn.Close()
		}
	}()
	m.Handler.Handle(ctx, conn)
}

func (m *ListenMode) drain(wg *sync.WaitGroup) {
	grace := m.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		m.Logger.Verbose("all sessions closed")
	case <-t.C:
		m.Logger.Error("sessions still open after %v, shutting down anyway", grace)
	}
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
