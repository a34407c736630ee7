// Package metrics registers the Prometheus counters and histograms
// exported by a MESH node's /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mesh"

// Registry is the collector registry every MESH metric registers against.
var Registry = prometheus.NewRegistry()

var (
	// SendAttempts tracks send pipeline outcomes by result label.
	SendAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "send",
			Name:      "attempts_total",
			Help:      "Total send attempts by outcome",
		},
		[]string{"outcome"}, // sent, retried, relayed, dead_lettered
	)

	// RelaySends tracks messages delivered via an elected relay.
	RelaySends = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "send",
			Name:      "relayed_total",
			Help:      "Total messages delivered via relay fallback",
		},
	)

	// DeadLetters tracks envelopes moved to the dead-letter queue.
	DeadLetters = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "send",
			Name:      "dead_letters_total",
			Help:      "Total envelopes dead-lettered, by reason",
		},
		[]string{"reason"},
	)

	// ReceiveOutcomes tracks receive pipeline drop/accept decisions.
	ReceiveOutcomes = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receive",
			Name:      "outcomes_total",
			Help:      "Total inbound envelopes by outcome",
		},
		[]string{"outcome"}, // dispatched, rejected_expired, rejected_bad_sig, rejected_replay
	)

	// ReplayAttacksDetected tracks rejected replayed envelopes.
	ReplayAttacksDetected = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receive",
			Name:      "replay_attacks_detected_total",
			Help:      "Total envelopes rejected as replays",
		},
	)

	// CircuitState tracks current breaker state per peer (0=closed,
	// 1=half-open, 2=open).
	CircuitState = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current circuit breaker state per peer",
		},
		[]string{"peer"},
	)

	// QueueDepth tracks the current dead-letter queue size.
	QueueDepth = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of dead-lettered envelopes",
		},
	)

	// ConversationsActive tracks the number of non-terminal conversations.
	ConversationsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "active",
			Help:      "Current number of non-terminal conversations",
		},
	)

	// SendDuration tracks end-to-end send pipeline latency.
	SendDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "send",
			Name:      "duration_seconds",
			Help:      "Send pipeline duration in seconds, including retries",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// CircuitStateValue maps a breaker state name to the gauge value used by
// CircuitState.
func CircuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
