package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "backbone"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Event bus metrics
	EventsPublished *prometheus.CounterVec
	EventsConsumed  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	EventDuration   *prometheus.HistogramVec

	// Job queue metrics
	JobsEnqueued     *prometheus.CounterVec
	JobsCompleted    *prometheus.CounterVec
	JobsRetried      *prometheus.CounterVec
	JobsDeadLettered *prometheus.CounterVec
	JobsActive       *prometheus.GaugeVec
	JobDuration      *prometheus.HistogramVec

	// Gateway metrics
	ProxyRequests      *prometheus.CounterVec
	ProxyDuration      *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	// Snapshot for the health endpoint
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds running totals for the health endpoint
type Snapshot struct {
	TotalRequests int64   `json:"totalRequests"`
	TotalErrors   int64   `json:"totalErrors"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// NewMetrics creates a new metrics collector registered with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{startTime: time.Now()}

	// HTTP metrics
	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
	m.RequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)
	m.ResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)

	// Event bus metrics
	m.EventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events published",
		},
		[]string{"channel"},
	)
	m.EventsConsumed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Total number of event deliveries to local handlers",
		},
		[]string{"channel", "status"},
	)
	m.EventsRejected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Total number of malformed events dropped",
		},
		[]string{"channel"},
	)
	m.EventDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_handler_duration_seconds",
			Help:      "Event handler duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"channel"},
	)

	// Job queue metrics
	m.JobsEnqueued = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		},
		[]string{"queue", "name"},
	)
	m.JobsCompleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed",
		},
		[]string{"queue", "name"},
	)
	m.JobsRetried = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Total number of failed attempts scheduled for retry",
		},
		[]string{"queue", "name"},
	)
	m.JobsDeadLettered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_lettered_total",
			Help:      "Total number of jobs moved to the dead-letter queue",
		},
		[]string{"queue", "name"},
	)
	m.JobsActive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Number of jobs currently being processed",
		},
		[]string{"queue"},
	)
	m.JobDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job processing duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"queue", "name"},
	)

	// Gateway metrics
	m.ProxyRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of proxied requests",
		},
		[]string{"route", "status"},
	)
	m.ProxyDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_duration_seconds",
			Help:      "Upstream round trip duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"route"},
	)
	m.BreakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
	m.BreakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state changes",
		},
		[]string{"name", "from", "to"},
	)
	m.RateLimited = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
		[]string{"store"},
	)

	// System metrics
	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.AvgDurationMs += (float64(duration.Milliseconds()) - m.snapshot.AvgDurationMs) / float64(m.snapshot.TotalRequests)
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordEventPublished counts a published event
func (m *Metrics) RecordEventPublished(channel string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(channel).Inc()
}

// RecordEventConsumed records one handler invocation; status is "ok" or "error"
func (m *Metrics) RecordEventConsumed(channel, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EventsConsumed.WithLabelValues(channel, status).Inc()
	m.EventDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordEventRejected counts a malformed event
func (m *Metrics) RecordEventRejected(channel string) {
	if m == nil {
		return
	}
	m.EventsRejected.WithLabelValues(channel).Inc()
}

// RecordJobEnqueued counts an enqueued job
func (m *Metrics) RecordJobEnqueued(queue, name string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(queue, name).Inc()
}

// RecordJobCompleted counts a completed job
func (m *Metrics) RecordJobCompleted(queue, name string) {
	if m == nil {
		return
	}
	m.JobsCompleted.WithLabelValues(queue, name).Inc()
}

// RecordJobRetried counts a failed attempt that will be retried
func (m *Metrics) RecordJobRetried(queue, name string) {
	if m == nil {
		return
	}
	m.JobsRetried.WithLabelValues(queue, name).Inc()
}

// RecordJobDeadLettered counts a job moved to the dead-letter queue
func (m *Metrics) RecordJobDeadLettered(queue, name string) {
	if m == nil {
		return
	}
	m.JobsDeadLettered.WithLabelValues(queue, name).Inc()
}

// RecordProxy records an upstream round trip
func (m *Metrics) RecordProxy(route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(route, status).Inc()
	m.ProxyDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetBreakerState records a breaker transition; state is 0 closed, 1 half-open, 2 open
func (m *Metrics) SetBreakerState(name, from, to string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
	m.BreakerTransitions.WithLabelValues(name, from, to).Inc()
}

// RecordRateLimited counts a rejected request
func (m *Metrics) RecordRateLimited(store string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(store).Inc()
}

// Snapshot returns running totals for the health endpoint
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
