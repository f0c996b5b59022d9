package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// namespace is the leading part of all published metrics.
const namespace = "memmesh"

const routerSubsystem = "router"

type metrics struct {
	Requests      *prometheus.CounterVec // Operations served, by op and outcome.
	Validations   *prometheus.CounterVec // Cached reads validated against the owner, by result.
	Propagations  *prometheus.CounterVec // Update chains started by this owner, by result.
	HoldersPruned prometheus.Counter     // Copy holders dropped after a failed chain.
	Misrouted     prometheus.Counter     // Non-cascading requests for addresses this node does not own.
}

func newMetrics() *metrics {
	return &metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: routerSubsystem,
			Name:      "requests_total",
			Help:      "Number of router operations served.",
		}, []string{"op", "outcome"}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: routerSubsystem,
			Name:      "cache_validations_total",
			Help:      "Number of cached copies validated with the owner.",
		}, []string{"result"}),
		Propagations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: routerSubsystem,
			Name:      "propagations_total",
			Help:      "Number of write-update chains started.",
		}, []string{"result"}),
		HoldersPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: routerSubsystem,
			Name:      "holders_pruned_total",
			Help:      "Number of copy holders removed after a failed update chain.",
		}),
		Misrouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: routerSubsystem,
			Name:      "misrouted_total",
			Help:      "Number of forwarded requests that reached a non-owner.",
		}),
	}
}

// PrometheusCollectors returns the router's metrics.
func (r *Router) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.metrics.Requests,
		r.metrics.Validations,
		r.metrics.Propagations,
		r.metrics.HoldersPruned,
		r.metrics.Misrouted,
	}
}

func (r *Router) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.metrics.Requests.WithLabelValues(op, outcome).Inc()
}
