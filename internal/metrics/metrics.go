// Package metrics declares the fabric's Prometheus metrics, grouped the
// way the teacher's internal/v1/metrics package does: namespace "fabric",
// subsystem per feature area.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "connection", Name: "active",
		Help: "Current number of live WebSocket connections on this instance.",
	})

	ActiveRooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "room", Name: "active",
		Help: "Current number of rooms with local members, per namespace.",
	}, []string{"namespace"})

	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "room", Name: "members",
		Help: "Current number of local connections in a room.",
	}, []string{"namespace", "room"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric", Subsystem: "event", Name: "total",
		Help: "Total inbound events processed, by event type and outcome.",
	}, []string{"event", "outcome"})

	EventProcessingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fabric", Subsystem: "event", Name: "processing_seconds",
		Help:    "Time spent dispatching one inbound event.",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric", Subsystem: "broker", Name: "publish_total",
		Help: "Total broker publish attempts, by outcome (ok, retry, dropped).",
	}, []string{"outcome"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric", Subsystem: "ratelimit", Name: "rejections_total",
		Help: "Total connections terminated for exceeding the per-connection rate limit.",
	}, []string{"namespace"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "circuit_breaker", Name: "state",
		Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open).",
	}, []string{"service"})

	HeartbeatTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fabric", Subsystem: "heartbeat", Name: "terminations_total",
		Help: "Total connections terminated for missing a PONG within the deadline.",
	})

	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric", Subsystem: "scheduler", Name: "runs_total",
		Help: "Total task executions, by task id and outcome (ran, skipped_not_leader, skipped_overlap).",
	}, []string{"task_id", "outcome"})
)
