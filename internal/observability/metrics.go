package observability

import (
	"sync"
	"time"
)

// MethodSnapshot reports per-handler call statistics.
type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is the point-in-time view served at /metrics.
type Snapshot struct {
	UptimeSec          int64                     `json:"uptime_sec"`
	TotalRequests      int64                     `json:"total_requests"`
	TotalErrors        int64                     `json:"total_errors"`
	InFlight           int64                     `json:"in_flight"`
	SagasStarted       int64                     `json:"sagas_started"`
	SagasCompleted     int64                     `json:"sagas_completed"`
	SagasCompensated   int64                     `json:"sagas_compensated"`
	SagasStalled       int64                     `json:"sagas_stalled"`
	RepliesDropped     int64                     `json:"replies_dropped"`
	LedgerHits         int64                     `json:"ledger_hits"`
	BusinessRejections int64                     `json:"business_rejections"`
	RelayPublished     int64                     `json:"relay_published"`
	RelayErrors        int64                     `json:"relay_errors"`
	Lifecycle          *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods            map[string]MethodSnapshot `json:"methods"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type counters struct {
	sagasStarted       int64
	sagasCompleted     int64
	sagasCompensated   int64
	sagasStalled       int64
	repliesDropped     int64
	ledgerHits         int64
	businessRejections int64
	relayPublished     int64
	relayErrors        int64
}

// Metrics accumulates counters for the coordinator, participants and relay.
// All methods are safe on a nil receiver so instrumentation stays optional.
type Metrics struct {
	mu        sync.Mutex
	start     time.Time
	methods   map[string]*methodStats
	counters  counters
	lifecycle lifecycleStats
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

// LifecycleSnapshot records shutdown timing for the snapshot view.
type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

// CallSpan tracks one in-flight handler call.
type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

// NewMetrics constructs a Metrics with the uptime clock started.
func NewMetrics() *Metrics {
	return &Metrics{
		start:   time.Now(),
		methods: make(map[string]*methodStats),
	}
}

// Start opens a span for the named handler method.
func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

// End closes the span, recording latency and the error outcome.
func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

// AddSagaStarted counts one saga creation.
func (m *Metrics) AddSagaStarted() { m.bump(func(c *counters) { c.sagasStarted++ }) }

// AddSagaCompleted counts one saga reaching its completed terminal state.
func (m *Metrics) AddSagaCompleted() { m.bump(func(c *counters) { c.sagasCompleted++ }) }

// AddSagaCompensated counts one saga reaching its compensated terminal state.
func (m *Metrics) AddSagaCompensated() { m.bump(func(c *counters) { c.sagasCompensated++ }) }

// AddSagaStalled counts one saga flagged by the stall monitor.
func (m *Metrics) AddSagaStalled() { m.bump(func(c *counters) { c.sagasStalled++ }) }

// AddReplyDropped counts one unknown or stale reply.
func (m *Metrics) AddReplyDropped() { m.bump(func(c *counters) { c.repliesDropped++ }) }

// AddLedgerHit counts one command answered from the idempotency ledger.
func (m *Metrics) AddLedgerHit() { m.bump(func(c *counters) { c.ledgerHits++ }) }

// AddBusinessRejection counts one domain-level command rejection.
func (m *Metrics) AddBusinessRejection() { m.bump(func(c *counters) { c.businessRejections++ }) }

// AddRelayPublished counts events the relay delivered to the bus.
func (m *Metrics) AddRelayPublished(n int) {
	m.bump(func(c *counters) { c.relayPublished += int64(n) })
}

// AddRelayError counts one failed relay publish or pass.
func (m *Metrics) AddRelayError() { m.bump(func(c *counters) { c.relayErrors++ }) }

func (m *Metrics) bump(fn func(*counters)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	fn(&m.counters)
	m.mu.Unlock()
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:          int64(now.Sub(m.start).Seconds()),
		Methods:            make(map[string]MethodSnapshot),
		SagasStarted:       m.counters.sagasStarted,
		SagasCompleted:     m.counters.sagasCompleted,
		SagasCompensated:   m.counters.sagasCompensated,
		SagasStalled:       m.counters.sagasStalled,
		RepliesDropped:     m.counters.repliesDropped,
		LedgerHits:         m.counters.ledgerHits,
		BusinessRejections: m.counters.businessRejections,
		RelayPublished:     m.counters.relayPublished,
		RelayErrors:        m.counters.relayErrors,
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

// MarkShutdown records the moment graceful shutdown began.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
