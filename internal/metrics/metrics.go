// Package metrics implements the Metrics Registry:
// Prometheus counters/gauges for session states, breaker trips, monitor
// levels, OTA counts, publish attempts/failures, and subscription
// evictions, served on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every rmfleet Prometheus metric.
type Registry struct {
	SessionState       *prometheus.GaugeVec
	BreakerTrips       *prometheus.CounterVec
	MonitorLevel       *prometheus.GaugeVec
	OTAActiveJobs      prometheus.Gauge
	OTACompletedJobs   *prometheus.CounterVec
	PublishAttempts    prometheus.Counter
	PublishFailures    prometheus.Counter
	SubscriptionEvicts prometheus.Counter
	ConnectAttempts    prometheus.Counter
	ConnectSuccesses   prometheus.Counter
}

// New builds and registers every metric against a dedicated registry
// (never the global DefaultRegisterer, so repeated construction in tests
// never panics on duplicate registration).
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	r := &Registry{
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rmfleet_session_state",
			Help: "Current session state per node (1 = in this state, 0 otherwise).",
		}, []string{"node_id", "state"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rmfleet_circuit_breaker_trips_total",
			Help: "Total number of times a node's circuit breaker opened.",
		}, []string{"node_id"}),
		MonitorLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rmfleet_monitor_level",
			Help: "Current adaptive monitor tier per node (0=critical .. 4=minimal).",
		}, []string{"node_id"}),
		OTAActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rmfleet_ota_active_jobs",
			Help: "Number of OTA jobs currently in the Active partition.",
		}),
		OTACompletedJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rmfleet_ota_completed_jobs_total",
			Help: "Total OTA jobs moved into the History partition, by terminal status.",
		}, []string{"status"}),
		PublishAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rmfleet_publish_attempts_total",
			Help: "Total publish attempts issued by the facade.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rmfleet_publish_failures_total",
			Help: "Total publish attempts that exhausted all retries.",
		}),
		SubscriptionEvicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rmfleet_subscription_evictions_total",
			Help: "Total subscriptions evicted by the Selective Subscription Manager.",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rmfleet_connect_attempts_total",
			Help: "Total connect attempts issued by the Connection Pool.",
		}),
		ConnectSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rmfleet_connect_successes_total",
			Help: "Total successful connects.",
		}),
	}

	reg.MustRegister(
		r.SessionState,
		r.BreakerTrips,
		r.MonitorLevel,
		r.OTAActiveJobs,
		r.OTACompletedJobs,
		r.PublishAttempts,
		r.PublishFailures,
		r.SubscriptionEvicts,
		r.ConnectAttempts,
		r.ConnectSuccesses,
	)

	return r, reg
}

// Handler returns the /metrics HTTP handler for this registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
