package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "harness"
)

var (
	// PollAttempts counts probes run by bounded polls.
	PollAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Total number of probes run by bounded polls",
		},
		[]string{"component"},
	)

	// PollOutcomes counts finished polls.
	PollOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of bounded polls by outcome",
		},
		[]string{"component", "outcome"}, // outcome: satisfied/timeout/error
	)

	// PollDuration measures how long bounded polls take to finish.
	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Bounded poll duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"component"},
	)

	// BackgroundOps counts background operations by final state.
	BackgroundOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_operations_total",
			Help:      "Total number of background operations by final state",
		},
		[]string{"kind", "state"},
	)

	// BackgroundOpsRunning tracks in-flight background operations.
	BackgroundOpsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_operations_running",
			Help:      "Number of background operations currently running",
		},
	)

	// StepsObserved counts checkpoints confirmed by step controllers.
	StepsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_observed_total",
			Help:      "Total number of checkpoints confirmed",
		},
		[]string{"sequence", "step"},
	)

	// NodesRunning tracks server processes the harness currently owns.
	NodesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_running",
			Help:      "Number of server processes currently running",
		},
	)
)

// RecordPoll records one finished bounded poll.
func RecordPoll(component, outcome string, attempts int, duration time.Duration) {
	PollAttempts.WithLabelValues(component).Add(float64(attempts))
	PollOutcomes.WithLabelValues(component, outcome).Inc()
	PollDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// RecordStep records a confirmed checkpoint.
func RecordStep(sequence, step string) {
	StepsObserved.WithLabelValues(sequence, step).Inc()
}

// RecordBackgroundOpStart marks a background operation as launched.
func RecordBackgroundOpStart() {
	BackgroundOpsRunning.Inc()
}

// RecordBackgroundOpEnd marks a background operation as finished.
func RecordBackgroundOpEnd(kind, state string) {
	BackgroundOpsRunning.Dec()
	BackgroundOps.WithLabelValues(kind, state).Inc()
}

// RecordNodes adjusts the running node gauge by delta.
func RecordNodes(delta int) {
	NodesRunning.Add(float64(delta))
}
