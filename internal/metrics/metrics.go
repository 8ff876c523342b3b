// Package metrics holds the process-wide Prometheus registry. It is the one
// sanctioned process-wide singleton; everything else is wired through the
// composition root.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the Brain.
type Registry struct {
	// Arbitration pipeline
	IntentsSubmitted *prometheus.CounterVec
	IntentsApproved  *prometheus.CounterVec
	IntentsVetoed    *prometheus.CounterVec
	DecisionLatency  *prometheus.HistogramVec

	// Bus adapter
	BusPublishes  *prometheus.CounterVec
	BusPublishErr *prometheus.CounterVec
	BusDeadLetter *prometheus.CounterVec

	// Breaker
	BreakerState       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec

	// Treasury
	SweepsTotal  *prometheus.CounterVec
	SweptUSD     prometheus.Counter
	HighWatermark prometheus.Gauge

	// Queue
	QueueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the registry and registers every metric on it.
func New() *Registry {
	r := &Registry{
		IntentsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_brain_intents_submitted_total",
				Help: "Intents admitted for arbitration, by phase",
			},
			[]string{"phase"},
		),
		IntentsApproved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_brain_intents_approved_total",
				Help: "Approved decisions, by phase and reason",
			},
			[]string{"phase", "reason"},
		),
		IntentsVetoed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_brain_intents_vetoed_total",
				Help: "Vetoed decisions, by phase and reason",
			},
			[]string{"phase", "reason"},
		),
		DecisionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "titan_brain_decision_duration_seconds",
				Help:    "Per-intent arbitration latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"phase"},
		),
		BusPublishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_brain_bus_publishes_total",
				Help: "Successful bus publishes, by stream",
			},
			[]string{"stream"},
		),
		BusPublishErr: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_brain_bus_publish_errors_total",
				Help: "Failed bus publishes after retries, by stream",
			},
			[]string{"stream"},
		),
		BusDeadLetter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_brain_bus_dead_letters_total",
				Help: "Messages routed to the dead-letter subject, by stream",
			},
			[]string{"stream"},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "titan_brain_breaker_state",
				Help: "Breaker state (0=inactive, 1=soft, 2=hard)",
			},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_brain_breaker_transitions_total",
				Help: "Breaker transitions, by target state",
			},
			[]string{"next"},
		),
		SweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_brain_sweeps_total",
				Help: "Profit sweeps, by outcome",
			},
			[]string{"status"},
		),
		SweptUSD: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "titan_brain_swept_usd_total",
				Help: "Cumulative USD moved from futures to spot",
			},
		),
		HighWatermark: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "titan_brain_high_watermark_usd",
				Help: "Current futures-wallet high watermark",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "titan_brain_signal_queue_depth",
				Help: "Intents waiting in the arbitration queue",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	r.registry.MustRegister(
		r.IntentsSubmitted,
		r.IntentsApproved,
		r.IntentsVetoed,
		r.DecisionLatency,
		r.BusPublishes,
		r.BusPublishErr,
		r.BusDeadLetter,
		r.BreakerState,
		r.BreakerTransitions,
		r.SweepsTotal,
		r.SweptUSD,
		r.HighWatermark,
		r.QueueDepth,
	)

	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordBreakerState maps the state name onto the gauge encoding.
func (r *Registry) RecordBreakerState(state string) {
	switch state {
	case "SOFT_HALTED":
		r.BreakerState.Set(1)
	case "HARD_HALTED":
		r.BreakerState.Set(2)
	default:
		r.BreakerState.Set(0)
	}
}
