package service

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/csta-portal-api/pkg/jobs"
)

// MetricsService encapsulates Prometheus instrumentation. A nil receiver is
// valid and records nothing.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	logins          *prometheus.CounterVec
	guardDecisions  *prometheus.CounterVec
	submissions     prometheus.Counter
	decisions       *prometheus.CounterVec
	passwordChanges *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	logins := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_logins_total",
		Help: "Login attempts by result",
	}, []string{"result"})

	guardDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_guard_decisions_total",
		Help: "Access guard outcomes",
	}, []string{"decision"})

	submissions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_enroll_submissions_total",
		Help: "Enrollment requests submitted",
	})

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_enroll_decisions_total",
		Help: "Enrollment decisions by outcome",
	}, []string{"status"})

	passwordChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_password_changes_total",
		Help: "Password rotations and admin resets",
	}, []string{"kind"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheHits, cacheMisses, logins, guardDecisions,
		submissions, decisions, passwordChanges, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		logins:          logins,
		guardDecisions:  guardDecisions,
		submissions:     submissions,
		decisions:       decisions,
		passwordChanges: passwordChanges,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the registry for tests and extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		return
	}
	m.cacheMisses.Inc()
}

// RecordLogin counts a login attempt; result is success, invalid or error.
func (m *MetricsService) RecordLogin(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

// RecordGuardDecision counts an access guard outcome.
func (m *MetricsService) RecordGuardDecision(d Decision) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(d.Kind.String()).Inc()
}

func (m *MetricsService) RecordSubmission() {
	if m == nil {
		return
	}
	m.submissions.Inc()
}

func (m *MetricsService) RecordDecision(status string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(status).Inc()
}

// RecordPasswordChange counts a rotation (kind=change) or admin reset (kind=reset).
func (m *MetricsService) RecordPasswordChange(kind string) {
	if m == nil {
		return
	}
	m.passwordChanges.WithLabelValues(kind).Inc()
}

// RegisterQueue exports the queue's counters as gauges.
func (m *MetricsService) RegisterQueue(q *jobs.Queue) {
	if m == nil || q == nil {
		return
	}
	labels := prometheus.Labels{"queue": q.Name()}
	gauge := func(name, help string, read func(jobs.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return read(q.Stats()) })
	}
	m.registry.MustRegister(
		gauge("jobs_pending", "Jobs waiting in the queue buffer", func(s jobs.Stats) float64 { return float64(s.Pending) }),
		gauge("jobs_processed", "Jobs handled successfully", func(s jobs.Stats) float64 { return float64(s.Processed) }),
		gauge("jobs_dropped", "Jobs dropped after retries or overflow", func(s jobs.Stats) float64 { return float64(s.Dropped) }),
	)
}
