// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "commerce"

var (
	// DedupDecisions 去重守卫的判定结果: allowed / rejected
	DedupDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dedup",
		Name:      "decisions_total",
		Help:      "Admission decisions made by the request deduplication guard.",
	}, []string{"endpoint", "decision"})

	// DedupEntries 当前追踪中的条目数
	DedupEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dedup",
		Name:      "entries",
		Help:      "Entries currently tracked by the deduplication guard.",
	})

	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Outbound payment gateway calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Latency of outbound payment gateway calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	FulfillmentSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fulfillment",
		Name:      "steps_total",
		Help:      "Fulfillment step executions by step and outcome.",
	}, []string{"step", "outcome"})

	FlowOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "purchase",
		Name:      "flow_outcomes_total",
		Help:      "Terminal outcomes of purchase flows.",
	}, []string{"method", "outcome"})

	IncentiveGenerations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "incentive",
		Name:      "generations_applied_total",
		Help:      "Upline generations credited by the incentive propagator.",
	})

	IncentiveFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "incentive",
		Name:      "failures_total",
		Help:      "Incentive propagation failures by kind.",
	}, []string{"kind"})
)
