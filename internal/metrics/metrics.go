// Package metrics holds Prometheus collectors for the store and subscription layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups all collectors on a private Prometheus registry.
// Params: none.
// Returns: metric handles used by runtime components.
type Registry struct {
	registry *prometheus.Registry

	Notifications      *prometheus.CounterVec
	RunawayListeners   prometheus.Counter
	SubscribeAttempts  *prometheus.CounterVec
	SubscriptionErrors *prometheus.CounterVec
	RetriesExhausted   *prometheus.CounterVec
	Throttled          *prometheus.CounterVec
	LiveHandles        prometheus.Gauge
	StaleDeliveries    *prometheus.CounterVec
	Invocations        *prometheus.CounterVec
}

// New creates and registers collectors.
// Params: metric namespace (service name).
// Returns: registry with all collectors registered.
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "notifications_total",
			Help:      "Listener notifications delivered per slot.",
		}, []string{"slot"}),
		RunawayListeners: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "runaway_listeners_total",
			Help:      "Listeners deregistered after a runaway notify cascade.",
		}),
		SubscribeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "attempts_total",
			Help:      "Raw subscribe attempts issued to the backend.",
		}, []string{"kind"}),
		SubscriptionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "errors_total",
			Help:      "Errors delivered by raw subscriptions.",
		}, []string{"kind"}),
		RetriesExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "retries_exhausted_total",
			Help:      "Subscriptions that spent their whole retry budget.",
		}, []string{"kind"}),
		Throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "throttled_total",
			Help:      "Subscribe attempts rejected by the attempt throttle.",
		}, []string{"kind"}),
		LiveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "live_handles",
			Help:      "Handles currently held by the keyed registry.",
		}),
		StaleDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "stale_deliveries_total",
			Help:      "Deliveries discarded because the resource is no longer desired.",
		}, []string{"kind"}),
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "invocations_total",
			Help:      "Remote function invocations by function and outcome.",
		}, []string{"function", "outcome"}),
	}
	reg.MustRegister(
		r.Notifications,
		r.RunawayListeners,
		r.SubscribeAttempts,
		r.SubscriptionErrors,
		r.RetriesExhausted,
		r.Throttled,
		r.LiveHandles,
		r.StaleDeliveries,
		r.Invocations,
	)
	return r
}

// Handler exposes registry in Prometheus text format.
// Params: none.
// Returns: HTTP handler for metrics path.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes underlying registry for tests.
// Params: none.
// Returns: prometheus gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
