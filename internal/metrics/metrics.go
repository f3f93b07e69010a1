// Package metrics exports execution core activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"idemcore/internal/shared"
	"idemcore/pkg/resilience"
	"idemcore/pkg/retry"
)

const namespace = "idemcore"

// Metrics holds all Prometheus metrics. It implements resilience.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// Execution metrics
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	BackoffSeconds  prometheus.Histogram
	OutcomesTotal   *prometheus.CounterVec
	ExecutionTime   *prometheus.HistogramVec

	// Store metrics
	SweptTotal prometheus.Counter

	// Fallback metrics
	FallbacksTotal *prometheus.CounterVec

	// Journal metrics
	JournalDroppedTotal prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// StoreStats is the part of idempotency.Store the gauges read.
type StoreStats interface {
	Len() int
	InFlight() int
}

// New creates metrics registered in a dedicated registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of operation attempts by result and error kind",
		}, []string{"result", "kind"}),
		AttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single operation attempt",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		BackoffSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Backoff delays scheduled between attempts",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		OutcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of leader executions by terminal state and error kind",
		}, []string{"state", "kind"}),
		ExecutionTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Duration of a leader execution including backoff",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
		SweptTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_swept_total",
			Help:      "Total number of expired records evicted by the sweeper",
		}),
		FallbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Total number of switches to a fallback strategy",
		}, []string{"capability"}),
		JournalDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_dropped_total",
			Help:      "Journal entries dropped because the buffer was full or the write failed",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Registry returns the registry the metrics are registered in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// TrackStore registers gauges reading live record counts from the store.
func (m *Metrics) TrackStore(store StoreStats) {
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "records",
		Help:      "Number of records held by the idempotency store",
	}, func() float64 { return float64(store.Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "records_in_flight",
		Help:      "Number of records whose operation is still executing",
	}, func() float64 { return float64(store.InFlight()) })
}

// OnAttempt implements resilience.Observer.
func (m *Metrics) OnAttempt(_ string, a retry.AttemptOutcome) {
	result := "success"
	kind := "none"
	if a.Err != nil {
		result = "error"
		kind = shared.KindOf(a.Err).String()
	}
	m.AttemptsTotal.WithLabelValues(result, kind).Inc()
	m.AttemptDuration.WithLabelValues(result).Observe(a.Duration.Seconds())
	if a.Delay > 0 {
		m.BackoffSeconds.Observe(a.Delay.Seconds())
	}
}

// OnOutcome implements resilience.Observer.
func (m *Metrics) OnOutcome(o resilience.Outcome) {
	kind := "none"
	if o.Err != nil {
		kind = shared.KindOf(o.Err).String()
	}
	m.OutcomesTotal.WithLabelValues(o.State.String(), kind).Inc()
	m.ExecutionTime.WithLabelValues(o.State.String()).Observe(o.Duration.Seconds())
}

// RecordSweep counts records evicted by one sweep.
func (m *Metrics) RecordSweep(n int) {
	m.SweptTotal.Add(float64(n))
}

// RecordFallback counts a switch to the fallback strategy of capability.
func (m *Metrics) RecordFallback(capability string) {
	m.FallbacksTotal.WithLabelValues(capability).Inc()
}

// RecordJournalDrop counts a journal entry that was not persisted.
func (m *Metrics) RecordJournalDrop() {
	m.JournalDroppedTotal.Inc()
}

// GinMiddleware records admin HTTP request metrics.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus metrics HTTP handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
