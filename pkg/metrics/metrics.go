package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the engine and agent expose.
// Using promauto for automatic registration with the default registry.
var (
	// --- Replay metrics ---

	// ReplaysTotal counts replay attempts by outcome (success, interrupt,
	// delay, retry, fail, cancel, error).
	ReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "substantial",
			Subsystem: "engine",
			Name:      "replays_total",
			Help:      "Total number of replay attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ReplayDuration tracks how long one replay attempt takes.
	ReplayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "substantial",
			Subsystem: "engine",
			Name:      "replay_duration_seconds",
			Help:      "Duration of a single replay attempt",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	// SavesTotal counts activity evaluations by result.
	SavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "substantial",
			Subsystem: "engine",
			Name:      "saves_total",
			Help:      "Total number of save evaluations by result",
		},
		[]string{"result"},
	)

	// RetriesTotal counts activity retry attempts.
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "substantial",
			Subsystem: "engine",
			Name:      "retries_total",
			Help:      "Total number of activity retries scheduled",
		},
	)

	// CompensationsTotal counts compensation invocations by outcome.
	CompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "substantial",
			Subsystem: "engine",
			Name:      "compensations_total",
			Help:      "Total number of compensations run, by outcome",
		},
		[]string{"outcome"},
	)

	// --- Schedule metrics ---

	// ScheduleLag measures delay between scheduled time and actual pickup.
	ScheduleLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "substantial",
			Subsystem: "schedule",
			Name:      "lag_seconds",
			Help:      "Delay between scheduled time and actual replay pickup",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// QueueDepth tracks pending schedule entries.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "substantial",
			Subsystem: "schedule",
			Name:      "queue_depth",
			Help:      "Number of pending schedule entries by queue",
		},
		[]string{"queue"},
	)

	// --- Agent metrics ---

	// AgentPollsTotal counts agent poll cycles.
	AgentPollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "substantial",
			Subsystem: "agent",
			Name:      "polls_total",
			Help:      "Total number of agent poll cycles",
		},
	)

	// LeasesHeld tracks leases currently held by this agent.
	LeasesHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "substantial",
			Subsystem: "agent",
			Name:      "leases_held",
			Help:      "Number of leases currently held by this agent",
		},
	)

	// LeaseContention counts lost lease acquisition attempts.
	LeaseContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "substantial",
			Subsystem: "agent",
			Name:      "lease_contention_total",
			Help:      "Total number of lease acquisitions lost to another agent",
		},
	)
)

// RecordReplay records the outcome and duration of one replay attempt.
func RecordReplay(outcome string, durationSeconds float64) {
	ReplaysTotal.WithLabelValues(outcome).Inc()
	ReplayDuration.Observe(durationSeconds)
}

// RecordSave records one activity evaluation's result ("ok", "retry",
// or "fail").
func RecordSave(result string) {
	SavesTotal.WithLabelValues(result).Inc()
	if result == "retry" {
		RetriesTotal.Inc()
	}
}

// RecordCompensation records one compensation's outcome ("ok" or
// "failed").
func RecordCompensation(outcome string) {
	CompensationsTotal.WithLabelValues(outcome).Inc()
}
