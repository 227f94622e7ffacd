// Package metrics instruments fleet scaling with Prometheus.
//
// A Recorder owns its own registry so several scalers (and tests) never
// collide on the global default registry. All methods are safe on a nil
// *Recorder, which disables instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Recorder records scaling outcomes.
type Recorder struct {
	registry *prometheus.Registry

	units         *prometheus.CounterVec
	registrations *prometheus.CounterVec
	removals      *prometheus.CounterVec
	workers       prometheus.Gauge
	scaleDuration *prometheus.HistogramVec
}

// New creates a Recorder with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		units: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_units_total",
				Help:      "Scale units by operation, outcome and failing stage.",
			},
			[]string{"op", "outcome", "stage"},
		),
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balancer_calls_total",
				Help:      "Balancer register/deregister calls by result.",
			},
			[]string{"op", "result"},
		),
		removals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "removals_total",
				Help:      "Worker removals (scale-down and rollback) by result.",
			},
			[]string{"reason", "result"},
		),
		workers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers",
				Help:      "Running fleet workers as last observed.",
			},
		),
		scaleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scale_duration_seconds",
				Help:      "Duration of scale operations.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"op"},
		),
	}

	r.registry.MustRegister(
		r.units,
		r.registrations,
		r.removals,
		r.workers,
		r.scaleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry the Recorder registers into.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// UnitSucceeded counts a unit that reached its terminal success state.
func (r *Recorder) UnitSucceeded(op string) {
	if r == nil {
		return
	}
	r.units.WithLabelValues(op, "success", "").Inc()
}

// UnitFailed counts a unit that failed at stage.
func (r *Recorder) UnitFailed(op, stage string) {
	if r == nil {
		return
	}
	r.units.WithLabelValues(op, "failed", stage).Inc()
}

// BalancerCall counts a register or deregister call.
func (r *Recorder) BalancerCall(op string, ok bool) {
	if r == nil {
		return
	}
	r.registrations.WithLabelValues(op, result(ok)).Inc()
}

// Removal counts a worker removal; reason is "scale_down" or "rollback".
func (r *Recorder) Removal(reason string, ok bool) {
	if r == nil {
		return
	}
	r.removals.WithLabelValues(reason, result(ok)).Inc()
}

// SetWorkers records the observed fleet size.
func (r *Recorder) SetWorkers(n int) {
	if r == nil {
		return
	}
	r.workers.Set(float64(n))
}

// ObserveScale records how long a scale operation took.
func (r *Recorder) ObserveScale(op string, d time.Duration) {
	if r == nil {
		return
	}
	r.scaleDuration.WithLabelValues(op).Observe(d.Seconds())
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
