// Package metrics registers the Prometheus collectors spec.md §4.11 calls
// for: webhook call counts, active SSE subscriptions, termination attempt
// counts, and pod-provisioning latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runlifecycle",
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Total number of webhook requests received, by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "runlifecycle",
			Subsystem: "stream",
			Name:      "active_subscriptions",
			Help:      "Number of currently open SSE subscriptions across all runs.",
		},
	)

	TerminationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runlifecycle",
			Subsystem: "termination",
			Name:      "attempts_total",
			Help:      "Total number of termination job attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	ProvisioningLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "runlifecycle",
			Subsystem: "launcher",
			Name:      "provisioning_latency_seconds",
			Help:      "Time from run submission to pod-ready, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

// All returns every collector this package defines, for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		WebhookRequestsTotal,
		ActiveSubscriptions,
		TerminationAttemptsTotal,
		ProvisioningLatencySeconds,
	}
}

// NewRegistry builds a Prometheus registry with this package's collectors
// registered, along with the standard process/Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	reg.MustRegister(prometheus.NewGoCollector())
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}

// Handler exposes reg on the /metrics convention.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
