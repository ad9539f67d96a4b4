package observability

import (
	"sync"
	"time"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type SagaSnapshot struct {
	Outcomes          map[string]int64 `json:"outcomes"`
	VersionConflicts  int64            `json:"version_conflicts"`
	Alerts            int64            `json:"alerts"`
	OutboxDispatched  int64            `json:"outbox_dispatched"`
	OutboxFailures    int64            `json:"outbox_failures"`
	TimeoutsDelivered int64            `json:"timeouts_delivered"`
}

type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Saga            SagaSnapshot              `json:"saga"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type sagaStats struct {
	outcomes          map[string]int64
	conflicts         int64
	alerts            int64
	dispatched        int64
	dispatchFailures  int64
	timeoutsDelivered int64
}

// Metrics is a process-local registry for handler latencies and saga counters.
// All methods are safe on a nil receiver.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	rateLimitWaits int64
	rateLimitWait  time.Duration
	saga           sagaStats
	lifecycle      lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:   time.Now(),
		methods: make(map[string]*methodStats),
		saga:    sagaStats{outcomes: make(map[string]int64)},
	}
}

// Start opens a latency span for a gRPC method or an inbound message type.
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

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// RecordOutcome counts how an inbound message was classified.
func (m *Metrics) RecordOutcome(outcome string) {
	m.update(func(s *sagaStats) { s.outcomes[outcome]++ })
}

func (m *Metrics) RecordConflict() {
	m.update(func(s *sagaStats) { s.conflicts++ })
}

// RecordAlert counts messages left for redelivery after retries ran out.
func (m *Metrics) RecordAlert() {
	m.update(func(s *sagaStats) { s.alerts++ })
}

func (m *Metrics) RecordDispatch(err error) {
	m.update(func(s *sagaStats) {
		if err != nil {
			s.dispatchFailures++
			return
		}
		s.dispatched++
	})
}

func (m *Metrics) RecordTimeoutDelivered() {
	m.update(func(s *sagaStats) { s.timeoutsDelivered++ })
}

func (m *Metrics) update(fn func(*sagaStats)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	fn(&m.saga)
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
		Saga: SagaSnapshot{
			Outcomes:          make(map[string]int64, len(m.saga.outcomes)),
			VersionConflicts:  m.saga.conflicts,
			Alerts:            m.saga.alerts,
			OutboxDispatched:  m.saga.dispatched,
			OutboxFailures:    m.saga.dispatchFailures,
			TimeoutsDelivered: m.saga.timeoutsDelivered,
		},
	}
	for outcome, n := range m.saga.outcomes {
		snap.Saga.Outcomes[outcome] = n
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

// MarkShutdown records the in-flight count observed when draining began.
func (m *Metrics) MarkShutdown() {
	if m == nil {
		return
	}
	m.mu.Lock()
	var inflight int64
	for _, stats := range m.methods {
		inflight += stats.inFlight
	}
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
