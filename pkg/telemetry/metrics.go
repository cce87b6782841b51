package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Dispatch engine ─────────────────────────────────────────────────────────

	DispatchEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusdispatch",
		Subsystem: "dispatch",
		Name:      "evaluations_total",
		Help:      "Evaluations by trigger (api, event, sweep) and decision kind.",
	}, []string{"trigger", "decision"})

	DispatchEvaluationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "campusdispatch",
		Subsystem: "dispatch",
		Name:      "evaluation_duration_seconds",
		Help:      "Lock + load + evaluate + persist latency.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"trigger"})

	DispatchOffersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusdispatch",
		Subsystem: "dispatch",
		Name:      "offers_total",
		Help:      "Offers persisted, labelled first (no prior offeree) or rotation.",
	}, []string{"reason", "task_kind"})

	DispatchRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campusdispatch",
		Subsystem: "dispatch",
		Name:      "rotations_total",
		Help:      "Offerees excluded after their response window lapsed.",
	})

	DispatchExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campusdispatch",
		Subsystem: "dispatch",
		Name:      "exhausted_total",
		Help:      "Rotations that found no remaining eligible runner.",
	})

	DispatchConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusdispatch",
		Subsystem: "dispatch",
		Name:      "conflicts_total",
		Help:      "Decisions discarded: cas (conditional write lost) or lock (task busy).",
	}, []string{"kind"})

	DispatchMissingLocationTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campusdispatch",
		Subsystem: "dispatch",
		Name:      "missing_reference_location_total",
		Help:      "Evaluations that failed closed because the poster has no location.",
	})

	// ─── Visibility API ──────────────────────────────────────────────────────────

	APIVisibilityQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusdispatch",
		Subsystem: "api",
		Name:      "visibility_queries_total",
		Help:      "Visibility queries by outcome (visible, hidden, throttled, error).",
	}, []string{"outcome"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusdispatch",
		Subsystem: "scheduler",
		Name:      "sweeps_total",
		Help:      "Sweep ticks by role (leader, standby) and result.",
	}, []string{"role", "result"})

	SchedulerTasksScanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campusdispatch",
		Subsystem: "scheduler",
		Name:      "tasks_scanned_total",
		Help:      "Dispatchable tasks examined by sweeps.",
	})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusdispatch",
		Subsystem: "dispatcher",
		Name:      "events_total",
		Help:      "tasks.pending events handled, by result.",
	}, []string{"result"})

	DispatcherDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campusdispatch",
		Subsystem: "dispatcher",
		Name:      "dlq_total",
		Help:      "Undecodable task events sent to the dead-letter topic.",
	})
)
