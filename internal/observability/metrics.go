package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "caseflow"

var (
	httpDurationBuckets   = prometheus.ExponentialBucketsRange(0.005, 10, 11)
	effectDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets       = prometheus.ExponentialBuckets(128, 8, 6)
)

// Metrics holds the service's Prometheus instruments. Every method is safe
// on a nil *Metrics, which records nothing.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	ApplicationsCreatedTotal *prometheus.CounterVec
	ApplicationsDeletedTotal *prometheus.CounterVec
	TransitionsTotal         *prometheus.CounterVec
	TransitionDuration       *prometheus.HistogramVec
	StaleConflictsTotal      *prometheus.CounterVec

	SideEffectsTotal    *prometheus.CounterVec
	SideEffectDuration  *prometheus.HistogramVec
	SideEffectRetries   *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec

	PrunedTotal    prometheus.Counter
	PruneRunsTotal *prometheus.CounterVec

	TemplateReloadTotal *prometheus.CounterVec
	TemplatesLoaded     prometheus.Gauge
}

// InitMetrics creates the instruments and registers them with reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	return &Metrics{
		HTTPRequestsTotal: counter("http_requests_total",
			"HTTP requests by route and status.", "method", "path_pattern", "status"),
		HTTPRequestDuration: histogram("http_request_duration_seconds",
			"HTTP request latency.", httpDurationBuckets, "method", "path_pattern"),
		HTTPRequestSizeBytes: histogram("http_request_size_bytes",
			"HTTP request body size.", bodySizeBuckets, "method", "path_pattern"),
		HTTPResponseSizeBytes: histogram("http_response_size_bytes",
			"HTTP response body size.", bodySizeBuckets, "method", "path_pattern"),

		ApplicationsCreatedTotal: counter("applications_created_total",
			"Applications created.", "type"),
		ApplicationsDeletedTotal: counter("applications_deleted_total",
			"Applications deleted, by user request or pruning.", "type", "reason"),
		TransitionsTotal: counter("transitions_total",
			"Submitted transitions by outcome; outcome is ok or the rejection code.", "type", "event", "outcome"),
		TransitionDuration: histogram("transition_duration_seconds",
			"Transition latency including synchronous side effects.", effectDurationBuckets, "type"),
		StaleConflictsTotal: counter("stale_conflicts_total",
			"Writes that lost an optimistic concurrency race.", "type"),

		SideEffectsTotal: counter("side_effects_total",
			"Side effect executions by outcome.", "action", "outcome"),
		SideEffectDuration: histogram("side_effect_duration_seconds",
			"Side effect latency.", effectDurationBuckets, "action"),
		SideEffectRetries: counter("side_effect_retries_total",
			"Side effect redeliveries scheduled from the outbox.", "action"),
		OutboxPending: gauge("outbox_pending",
			"Due outbox entries seen by the last dispatcher poll."),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Per-action breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"action"}),

		PrunedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_total",
			Help:      "Applications removed by the lifecycle pruner.",
		}),
		PruneRunsTotal: counter("prune_runs_total", "Prune runs by status.", "status"),

		TemplateReloadTotal: counter("template_reload_total", "Template loads by status.", "status"),
		TemplatesLoaded:     gauge("templates_loaded", "Loaded template versions."),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

func (m *Metrics) RecordApplicationCreated(typeID string) {
	if m != nil {
		m.ApplicationsCreatedTotal.WithLabelValues(typeID).Inc()
	}
}

// RecordApplicationDeleted counts a deletion; reason is "user" or "pruned".
func (m *Metrics) RecordApplicationDeleted(typeID, reason string) {
	if m != nil {
		m.ApplicationsDeletedTotal.WithLabelValues(typeID, reason).Inc()
	}
}

// RecordTransition counts a transition attempt; outcome is "ok" or the
// rejection code.
func (m *Metrics) RecordTransition(typeID, event, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(typeID, event, outcome).Inc()
	m.TransitionDuration.WithLabelValues(typeID).Observe(duration.Seconds())
}

func (m *Metrics) RecordStaleConflict(typeID string) {
	if m != nil {
		m.StaleConflictsTotal.WithLabelValues(typeID).Inc()
	}
}

// RecordSideEffect records one execution; outcome is "succeeded", "failed"
// or "deduplicated".
func (m *Metrics) RecordSideEffect(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SideEffectsTotal.WithLabelValues(action, outcome).Inc()
	m.SideEffectDuration.WithLabelValues(action).Observe(duration.Seconds())
}

func (m *Metrics) RecordSideEffectRetry(action string) {
	if m != nil {
		m.SideEffectRetries.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) SetOutboxPending(count float64) {
	if m != nil {
		m.OutboxPending.Set(count)
	}
}

// SetCircuitBreakerState exports an action's breaker state: 0 closed,
// 1 half-open, 2 open.
func (m *Metrics) SetCircuitBreakerState(action string, state float64) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(action).Set(state)
	}
}

// RecordPrune counts a prune run and the applications it removed.
func (m *Metrics) RecordPrune(status string, pruned int) {
	if m == nil {
		return
	}
	m.PruneRunsTotal.WithLabelValues(status).Inc()
	m.PrunedTotal.Add(float64(pruned))
}

func (m *Metrics) RecordTemplateReload(status string) {
	if m != nil {
		m.TemplateReloadTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SetTemplatesLoaded(count float64) {
	if m != nil {
		m.TemplatesLoaded.Set(count)
	}
}

// MetricsMiddleware records request metrics labelled by chi route pattern so
// that application IDs never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start),
			int(max(r.ContentLength, 0)), ww.BytesWritten())
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern returns the matched chi pattern, or the raw path outside a
// chi router.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*"); pattern != "" {
		return pattern
	}
	return r.URL.Path
}
