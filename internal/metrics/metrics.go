package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the relay's collectors on a private prometheus registry.
type Registry struct {
	registry         *prometheus.Registry
	submissionsTotal *prometheus.CounterVec
	attemptsTotal    *prometheus.CounterVec
	feeFallbacks     prometheus.Counter
	httpRequests     *prometheus.CounterVec
	inflight         prometheus.Gauge
	dlqDepth         prometheus.Gauge
}

func NewRegistry() *Registry {
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_submissions_total",
		Help: "Accepted intents by terminal status and reason",
	}, []string{"status", "reason"})

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_attempts_total",
		Help: "Submission attempts by result",
	}, []string{"result"})

	fallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_fee_fallbacks_total",
		Help: "Attempts priced with the fallback gas price because fee conditions were unavailable",
	})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pipelines_inflight",
		Help: "Pipelines that have a record but no terminal status yet",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_dlq_depth",
		Help: "Number of items in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(submissions, attempts, fallbacks, requests, inflight, dlq)

	return &Registry{
		registry:         r,
		submissionsTotal: submissions,
		attemptsTotal:    attempts,
		feeFallbacks:     fallbacks,
		httpRequests:     requests,
		inflight:         inflight,
		dlqDepth:         dlq,
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Registry) IncSubmission(status, reason string) {
	m.submissionsTotal.WithLabelValues(status, reason).Inc()
}

func (m *Registry) IncAttempt(result string) {
	m.attemptsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncFeeFallback() {
	m.feeFallbacks.Inc()
}

func (m *Registry) IncRequest(route string, code int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Registry) PipelineStarted() {
	m.inflight.Inc()
}

func (m *Registry) PipelineFinished() {
	m.inflight.Dec()
}

func (m *Registry) SetDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
