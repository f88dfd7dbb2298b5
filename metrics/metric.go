package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = "StellarDB"
		},
	)

	// StateUpdates counts executed cluster state update tasks by source
	// and outcome (committed, noop, failed).
	StateUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "StellarDB",
			Subsystem: "cluster_state",
			Name:      "update_tasks_total",
			Help:      "cluster state update tasks by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	StateVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "StellarDB",
			Subsystem: "cluster_state",
			Name:      "metadata_version",
			Help:      "version of the last committed cluster metadata",
		},
	)

	StateUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "StellarDB",
			Subsystem: "cluster_state",
			Name:      "update_task_duration_seconds",
			Help:      "latency of cluster state update tasks from submit to ack",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		StateUpdates,
		StateVersion,
		StateUpdateDuration,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = "StellarDB"
		},
	)
}
