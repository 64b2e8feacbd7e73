// Package observability holds the process-wide Prometheus collectors for
// the execution core: phase transitions, mutation outcomes,
// reconciliation attempts, scheduler admission, and recovery
// classification.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseTransitions is registered for EMM phase advances; no code path
	// in this module increments it.
	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keepai_exec_phase_transitions_total",
		Help: "Total handler run phase transitions by handler type and new phase",
	}, []string{"handler_type", "phase"})

	// RunStatusTransitions is registered for UpdateHandlerRunStatus calls;
	// no code path in this module increments it.
	RunStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keepai_exec_run_status_total",
		Help: "Total handler run status transitions",
	}, []string{"status"})

	// MutationOutcomes is registered for terminal mutation dispositions;
	// no code path in this module increments it.
	MutationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keepai_exec_mutation_outcomes_total",
		Help: "Total mutations resolved by outcome and resolver",
	}, []string{"outcome", "resolved_by"})

	// ReconcileAttempts tracks each reconciliation probe dispatch.
	ReconcileAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keepai_exec_reconcile_attempts_total",
		Help: "Total reconciliation probe dispatches by tool and result",
	}, []string{"tool_namespace", "tool_method", "result"})

	// ReconcileQueueDepth tracks mutations currently due for reconciliation.
	ReconcileQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keepai_exec_reconcile_queue_depth",
		Help: "Number of mutations due for reconciliation at last sweep",
	})

	// SchedulerAdmissions tracks admission-control decisions.
	SchedulerAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keepai_exec_scheduler_admissions_total",
		Help: "Scheduler admission decisions by outcome",
	}, []string{"decision"}) // dispatched, rejected_rate_limit, rejected_circuit_open, blocked_workflow

	// SchedulerCircuitState tracks the circuit breaker state per tool.
	SchedulerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keepai_exec_scheduler_circuit_state",
		Help: "Circuit breaker state per tool (0=closed, 1=half_open, 2=open)",
	}, []string{"tool_namespace", "tool_method"})

	// SchedulerQueueDepth tracks the anti-starvation queue's current size.
	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keepai_exec_scheduler_queue_depth",
		Help: "Current number of runnable workflows waiting in the scheduler queue",
	})

	// RecoveryClassifications tracks what recovery did with each crashed run.
	RecoveryClassifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keepai_exec_recovery_classifications_total",
		Help: "Crashed runs classified by recovery outcome",
	}, []string{"outcome"}) // crashed, paused_reconciliation

	// RecoveryOrphanedReservations tracks the diagnostic assertion's findings.
	RecoveryOrphanedReservations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keepai_exec_recovery_orphaned_reservations",
		Help: "Reserved events whose owning run is neither active nor a pending retry, found at last recovery pass",
	})
)
