package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"enginegate/util"
)

const namespace = "enginegate"

// exporter adapts a Collector to prometheus.Collector.  Values are read
// from a snapshot at scrape time, so the hot path stays on atomics.
type exporter struct {
	c *Collector

	uptime, sessionsActive                        *prometheus.Desc
	sessionsTotal, listRequests, commandsRejected *prometheus.Desc
	spawnFailures, optionsInjected                *prometheus.Desc
	relayBytes, shutdowns                         *prometheus.Desc
	tunnelReconnects, errorsTotal                 *prometheus.Desc
}

// NewExporter returns a prometheus.Collector reporting c.
func NewExporter(c *Collector) prometheus.Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &exporter{
		c:                c,
		uptime:           desc("uptime_seconds", "Seconds since the gateway started."),
		sessionsActive:   desc("sessions_active", "Client sessions currently open."),
		sessionsTotal:    desc("sessions_total", "Client sessions accepted."),
		listRequests:     desc("list_requests_total", "list commands served."),
		commandsRejected: desc("commands_rejected_total", "Sessions ended with a WRAPPER_ERROR line."),
		spawnFailures:    desc("spawn_failures_total", "Engines that failed to start."),
		optionsInjected:  desc("options_injected_total", "setoption lines injected before the handshake."),
		relayBytes:       desc("relay_bytes_total", "Bytes relayed between clients and engines.", "direction"),
		shutdowns:        desc("engine_shutdowns_total", "Engine shutdowns by the stage that ended them.", "stage"),
		tunnelReconnects: desc("tunnel_reconnects_total", "Publish tunnel reconnections."),
		errorsTotal:      desc("errors_total", "Errors recorded by the gateway."),
	}
}

func (e *exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.uptime, e.sessionsActive, e.sessionsTotal, e.listRequests,
		e.commandsRejected, e.spawnFailures, e.optionsInjected,
		e.relayBytes, e.shutdowns, e.tunnelReconnects, e.errorsTotal,
	} {
		ch <- d
	}
}

func (e *exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.c.Snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(e.uptime, s.UptimeSeconds)
	gauge(e.sessionsActive, float64(s.SessionsActive))
	counter(e.sessionsTotal, s.SessionsTotal)
	counter(e.listRequests, s.ListRequests)
	counter(e.commandsRejected, s.CommandsRejected)
	counter(e.spawnFailures, s.SpawnFailures)
	counter(e.optionsInjected, s.OptionsInjected)
	counter(e.relayBytes, s.BytesToEngine, "to_engine")
	counter(e.relayBytes, s.BytesToClient, "to_client")
	for _, stage := range s.stages() {
		counter(e.shutdowns, s.Shutdowns[stage], stage)
	}
	counter(e.tunnelReconnects, s.TunnelReconnects)
	counter(e.errorsTotal, s.ErrorsTotal)
}

// Handler returns the HTTP mux served by Serve: /metrics in Prometheus
// format, /metrics.json with the raw snapshot, /healthz for liveness.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewExporter(c)); err != nil {
		return nil, fmt.Errorf("register exporter: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/metrics.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(c.JSON()))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		c.RecordHealthCheck()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux, nil
}

// Serve exposes c over HTTP on addr until ctx is cancelled.  ready, if
// non-nil, receives the bound address once the listener is up.
func Serve(ctx context.Context, addr string, c *Collector, logger *util.Logger, ready func(net.Addr)) error {
	handler, err := Handler(c)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics available at http://%s/metrics", ln.Addr())
	if ready != nil {
		ready(ln.Addr())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
