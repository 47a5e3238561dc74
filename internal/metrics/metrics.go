// Package metrics exposes this process's own prometheus
// self-observability registry, distinct from the RTM metrics
// published over pkg/metricspublisher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the counters and gauges a cobra client process
// reports about its own connection and publish activity.
type Registry struct {
	Authenticated prometheus.Gauge
	RetryDepth    prometheus.Gauge
	Publishes     *prometheus.CounterVec
	Events        *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewRegistry constructs and registers a Registry against its own
// prometheus.Registerer.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		Authenticated: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "cobra_authenticated",
			Help: "1 if the RTM connection is currently authenticated, 0 otherwise.",
		}),
		RetryDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "cobra_retry_queue_depth",
			Help: "Current number of PDUs held in the retry queue.",
		}),
		Publishes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cobra_publishes_total",
			Help: "Total publishes by outcome.",
		}, []string{"outcome"}),
		Events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cobra_events_total",
			Help: "Total connection events by kind.",
		}, []string{"kind"}),
	}
	r.registry = reg
	return r
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
