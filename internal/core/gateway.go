package core

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"enginegate/internal/metrics"
	"enginegate/internal/registry"
	"enginegate/tunnel"
	"enginegate/util"
)

// Gateway is the whole running process.  The listener always runs; the
// other parts are optional.
type Gateway struct {
	Listen *ListenMode

	RegistryPath  string
	WatchRegistry bool

	// MetricsAddr enables the HTTP metrics endpoint when non-empty.
	MetricsAddr string
	Metrics     *metrics.Collector

	// Publish enables the SSH reverse forward.  LocalAddress is filled
	// in from the listener's bound address.
	Publish *tunnel.PublishConfig

	Logger *util.Logger
}

// Run starts every enabled part and blocks until ctx is cancelled or
// one of them fails.  A failure stops the rest.
func (gw *Gateway) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	gw.logRegistry()

	bound := make(chan net.Addr, 1)
	gw.Listen.Ready = func(addr net.Addr) { bound <- addr }
	g.Go(func() error { return gw.Listen.Run(gctx) })

	if gw.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, gw.MetricsAddr, gw.Metrics, gw.Logger, nil)
		})
	}

	if gw.WatchRegistry {
		g.Go(func() error {
			err := registry.Watch(gctx, gw.RegistryPath, gw.Logger, func(defs []registry.EngineDefinition) {
				gw.Logger.Info("registry changed, %d engine(s): %s", len(defs), registry.Summary(defs))
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				// Diagnostics only; sessions read the file themselves.
				gw.Logger.Warn("registry watch disabled: %v", err)
			}
			return nil
		})
	}

	if gw.Publish != nil {
		g.Go(func() error {
			select {
			case addr := <-bound:
				return gw.publish(gctx, addr)
			case <-gctx.Done():
				return nil
			}
		})
	}

	err := g.Wait()
	gw.Logger.Info("served %d session(s), %d still open",
		gw.Metrics.TotalSessions(), gw.Metrics.ActiveSessions())
	return err
}

// publish forwards the remote port to the listener at addr.  Failing to
// come up is fatal; losing the connection later is logged only.
func (gw *Gateway) publish(ctx context.Context, addr net.Addr) error {
	cfg := *gw.Publish
	cfg.LocalAddress = util.DialableAddr(addr)

	ssh := cfg.SSH
	gw.Logger.Verbose("publishing %s on %s@%s:%d remote-port=%d",
		cfg.LocalAddress, ssh.User, ssh.Host, ssh.Port, cfg.RemotePort)

	p := tunnel.NewPublisher(&cfg, gw.Logger.With("[publish]"), gw.Metrics)
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer p.Close()

	p.Wait()
	if ctx.Err() == nil {
		gw.Logger.Error("publishing stopped; the gateway stays reachable on %s only", cfg.LocalAddress)
	}
	return nil
}

// logRegistry prints the engines available at startup.
func (gw *Gateway) logRegistry() {
	defs := registry.Load(gw.RegistryPath, gw.Logger)
	gw.Logger.Info("registry %s: %d engine(s)", gw.RegistryPath, len(defs))
	for _, d := range defs {
		gw.Logger.Info("  - %s: %s (%s)", d.ID, d.Name, d.Path)
	}
}
