// Package metrics exposes the Prometheus collectors shared by the gateway
// and the worker. Each process owns one private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guardrail/pkg/circuit"
)

const namespace = "guardrail"

type Registry struct {
	reg *prometheus.Registry

	Requests         *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	Decisions        *prometheus.CounterVec
	DetectionLatency *prometheus.HistogramVec
	DetectionCacheC  *prometheus.CounterVec
	RateLimitDenied  *prometheus.CounterVec
	CircuitStateG    *prometheus.GaugeVec
	QueueGauge       *prometheus.GaugeVec
	WorkerOutcomes   *prometheus.CounterVec
	Escalations      *prometheus.CounterVec
	EventFailures    prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decisions_total",
			Help: "Terminal decisions by stage and outcome.",
		}, []string{"stage", "decision"}),
		DetectionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "detection_duration_seconds",
			Help:    "Detector latency by stage, split by cache source.",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"stage", "source"}),
		DetectionCacheC: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "detection_cache_total",
			Help: "Detection cache lookups by result.",
		}, []string{"result"}),
		RateLimitDenied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ratelimit_denied_total",
			Help: "Rate limit denials by reason.",
		}, []string{"reason"}),
		CircuitStateG: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_state",
			Help: "Circuit state per key: 0 closed, 1 half-open, 2 open.",
		}, []string{"key"}),
		QueueGauge: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_messages",
			Help: "Request stream length, pending entries and dead letters.",
		}, []string{"kind"}),
		WorkerOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_messages_total",
			Help: "Processed stream messages by outcome.",
		}, []string{"outcome"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalations_total",
			Help: "Escalation cases by status.",
		}, []string{"status"}),
		EventFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "event_publish_failures_total",
			Help: "Events that could not be published.",
		}),
	}
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) ObserveRequest(route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	r.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) Decision(stage, decision string) {
	r.Decisions.WithLabelValues(stage, decision).Inc()
}

func (r *Registry) ObserveDetection(stage string, cached bool, d time.Duration) {
	source := "fresh"
	if cached {
		source = "cached"
	}
	r.DetectionLatency.WithLabelValues(stage, source).Observe(d.Seconds())
}

func (r *Registry) DetectionCache(hit bool) {
	if hit {
		r.DetectionCacheC.WithLabelValues("hit").Inc()
		return
	}
	r.DetectionCacheC.WithLabelValues("miss").Inc()
}

func (r *Registry) RateLimited(reason string) {
	r.RateLimitDenied.WithLabelValues(reason).Inc()
}

// CircuitChanged matches circuit.Registry.OnStateChange.
func (r *Registry) CircuitChanged(key string, _, to circuit.StateName) {
	v := 0.0
	switch to {
	case circuit.HalfOpen:
		v = 1
	case circuit.Open:
		v = 2
	}
	r.CircuitStateG.WithLabelValues(key).Set(v)
}

func (r *Registry) QueueDepth(length, pending, deadLetters int64) {
	r.QueueGauge.WithLabelValues("length").Set(float64(length))
	r.QueueGauge.WithLabelValues("pending").Set(float64(pending))
	r.QueueGauge.WithLabelValues("dead_letter").Set(float64(deadLetters))
}

func (r *Registry) WorkerOutcome(outcome string) {
	r.WorkerOutcomes.WithLabelValues(outcome).Inc()
}

func (r *Registry) Escalation(status string) {
	r.Escalations.WithLabelValues(status).Inc()
}

func (r *Registry) EventFailed() { r.EventFailures.Inc() }
