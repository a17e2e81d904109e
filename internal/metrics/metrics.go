// Package metrics defines the gateway's Prometheus collectors and the
// registry that serves them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total number of proxied requests by upstream and outcome status code.",
	},
	[]string{"upstream", "status"},
)

var RequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "aiproxy",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Proxied request latency in seconds, upstream round trip included.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"upstream"},
)

var RateLimitDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "ratelimit",
		Name:      "denied_total",
		Help:      "Total number of requests rejected by the rate limiter, by scope.",
	},
	[]string{"scope"},
)

var RulesTriggeredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "rules",
		Name:      "triggered_total",
		Help:      "Total number of rule evaluations that triggered their actions, by rule name.",
	},
	[]string{"rule"},
)

var CredentialPoolSize = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "aiproxy",
		Subsystem: "credentials",
		Name:      "pool_size",
		Help:      "Current credential count per upstream and status.",
	},
	[]string{"upstream", "status"},
)

var ScriptEvalDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "aiproxy",
		Subsystem: "scripthost",
		Name:      "eval_duration_seconds",
		Help:      "ScriptHost evaluation duration in seconds, by dialect.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	},
	[]string{"dialect"},
)

var ReconcilerRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "reconciler",
		Name:      "runs_total",
		Help:      "Total number of reconciler task runs, by task and outcome.",
	},
	[]string{"task", "outcome"},
)

// All returns every gateway-specific collector, for registration alongside
// the Go/process collectors.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		RateLimitDeniedTotal,
		RulesTriggeredTotal,
		CredentialPoolSize,
		ScriptEvalDuration,
		ReconcilerRunsTotal,
	}
}

// NewRegistry builds a Prometheus registry carrying the Go/process
// collectors plus every gateway-specific collector.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
