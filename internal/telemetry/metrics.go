package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors used across the engine. Exposed on /metrics by the server via
// promhttp; callers only ever increment.
var (
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentdb",
		Name:      "operations_total",
		Help:      "Operations executed, by kind and outcome.",
	}, []string{"kind", "outcome"})

	Promotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentdb",
		Name:      "tier_promotions_total",
		Help:      "Revision ranges promoted into the hot tier.",
	})

	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentdb",
		Name:      "tier_evictions_total",
		Help:      "Revision ranges evicted out of the hot tier, by destination.",
	}, []string{"to"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentdb",
		Name:      "notify_deliveries_total",
		Help:      "Subscription deliveries, by outcome.",
	}, []string{"outcome"})

	PipelineSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentdb",
		Name:      "pipeline_steps_total",
		Help:      "Pipeline steps, by outcome.",
	}, []string{"outcome"})

	ActorQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentdb",
		Name:      "actor_queue_depth",
		Help:      "Turns waiting in an instance actor's mailbox.",
	}, []string{"instance"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentdb",
		Name:      "actor_turn_seconds",
		Help:      "Wall time spent executing one actor turn.",
		Buckets:   prometheus.DefBuckets,
	})
)
