// Package metrics provides lightweight, lock-free counters and gauges
// for tracking gateway activity.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a gateway process.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	sessionsActive   atomic.Int64
	sessionsTotal    atomic.Int64
	listRequests     atomic.Int64
	commandsRejected atomic.Int64
	spawnFailures    atomic.Int64
	injections       atomic.Int64
	bytesToEngine    atomic.Int64
	bytesToClient    atomic.Int64
	tunnelReconnects atomic.Int64
	errorsTotal      atomic.Int64

	mu              sync.RWMutex
	startTime       time.Time
	shutdowns       map[string]int64
	lastHealthCheck time.Time
	lastError       time.Time
	lastErrorMsg    string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now(), shutdowns: map[string]int64{}}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the current number of open sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ListServed records a "list" command.
func (c *Collector) ListServed() {
	if c == nil {
		return
	}
	c.listRequests.Add(1)
}

// CommandRejected records a session that ended with a sentinel line.
func (c *Collector) CommandRejected() {
	if c == nil {
		return
	}
	c.commandsRejected.Add(1)
}

// SpawnFailed records an engine that could not be started.
func (c *Collector) SpawnFailed() {
	if c == nil {
		return
	}
	c.spawnFailures.Add(1)
}

// OptionsInjected records n setoption lines written to an engine.
func (c *Collector) OptionsInjected(n int) {
	if c == nil {
		return
	}
	c.injections.Add(int64(n))
}

// ShutdownCompleted records how an engine's shutdown ended.
func (c *Collector) ShutdownCompleted(stage string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.shutdowns[stage]++
	c.mu.Unlock()
}

// Shutdowns returns the count of shutdowns that ended at stage.
func (c *Collector) Shutdowns(stage string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shutdowns[stage]
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesToEngine records n bytes relayed from a client to an engine.
func (c *Collector) BytesToEngine(n int64) {
	if c == nil {
		return
	}
	c.bytesToEngine.Add(n)
}

// BytesToClient records n bytes relayed from an engine to a client.
func (c *Collector) BytesToClient(n int64) {
	if c == nil {
		return
	}
	c.bytesToClient.Add(n)
}

// ── Tunnel metrics ───────────────────────────────────────────────────

// TunnelReconnect records a tunnel reconnection event.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Health ───────────────────────────────────────────────────────────

// RecordHealthCheck updates the last health check timestamp.
func (c *Collector) RecordHealthCheck() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string           `json:"uptime"`
	UptimeSeconds    float64          `json:"-"`
	SessionsActive   int64            `json:"sessions_active"`
	SessionsTotal    int64            `json:"sessions_total"`
	ListRequests     int64            `json:"list_requests"`
	CommandsRejected int64            `json:"commands_rejected"`
	SpawnFailures    int64            `json:"spawn_failures"`
	OptionsInjected  int64            `json:"options_injected"`
	BytesToEngine    int64            `json:"bytes_to_engine"`
	BytesToClient    int64            `json:"bytes_to_client"`
	Shutdowns        map[string]int64 `json:"shutdowns,omitempty"`
	TunnelReconnects int64            `json:"tunnel_reconnects"`
	ErrorsTotal      int64            `json:"errors_total"`
	LastHealthCheck  string           `json:"last_health_check,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	LastErrorMessage string           `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	up := time.Since(c.startTime)
	s := Snapshot{
		Uptime:           up.Truncate(time.Second).String(),
		UptimeSeconds:    up.Seconds(),
		SessionsActive:   c.sessionsActive.Load(),
		SessionsTotal:    c.sessionsTotal.Load(),
		ListRequests:     c.listRequests.Load(),
		CommandsRejected: c.commandsRejected.Load(),
		SpawnFailures:    c.spawnFailures.Load(),
		OptionsInjected:  c.injections.Load(),
		BytesToEngine:    c.bytesToEngine.Load(),
		BytesToClient:    c.bytesToClient.Load(),
		TunnelReconnects: c.tunnelReconnects.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if len(c.shutdowns) > 0 {
		s.Shutdowns = make(map[string]int64, len(c.shutdowns))
		for k, v := range c.shutdowns {
			s.Shutdowns[k] = v
		}
	}
	if !c.lastHealthCheck.IsZero() {
		s.LastHealthCheck = c.lastHealthCheck.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// stages returns the shutdown stage names in a stable order.
func (s Snapshot) stages() []string {
	out := make([]string, 0, len(s.Shutdowns))
	for k := range s.Shutdowns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
