package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bggroller"

// Metrics groups the collectors for relay traffic, the request scheduler and
// rolls. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	relayAttempts   *prometheus.CounterVec
	relayLatency    *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	schedulerActive prometheus.Gauge
	schedulerQueued prometheus.Gauge
	rolls           *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		relayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_attempts_total",
			Help:      "Relay attempts by relay and outcome.",
		}, []string{"relay", "outcome"}),
		relayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_attempt_duration_seconds",
			Help:      "Duration of relay attempts.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"relay"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Routed requests by final outcome.",
		}, []string{"outcome"}),
		schedulerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_active",
			Help:      "Operations currently running in the request scheduler.",
		}),
		schedulerQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queued",
			Help:      "Operations waiting for admission.",
		}),
		rolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rolls_total",
			Help:      "Game selections by weighting method.",
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		m.relayAttempts,
		m.relayLatency,
		m.requests,
		m.schedulerActive,
		m.schedulerQueued,
		m.rolls,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAttempt(relay string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.relayAttempts.WithLabelValues(relay, outcome).Inc()
	m.relayLatency.WithLabelValues(relay).Observe(elapsed.Seconds())
}

// ObserveRequest counts a finished routed request: "success", "exhausted",
// "unhealthy" or "cancelled".
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetScheduler(active, queued int) {
	if m == nil {
		return
	}
	m.schedulerActive.Set(float64(active))
	m.schedulerQueued.Set(float64(queued))
}

func (m *Metrics) ObserveRoll(method string) {
	if m == nil {
		return
	}
	m.rolls.WithLabelValues(method).Inc()
}
