// Package store defines the persisted entities of the durable execution
// model and the transactional interface used to read and write them.
package store

import (
	"encoding/json"
	"time"
)

// HandlerType distinguishes the two handler shapes the model drives.
type HandlerType string

const (
	HandlerTypeProducer HandlerType = "producer"
	HandlerTypeConsumer HandlerType = "consumer"
)

// Phase is a forward-only position in a handler run's lifecycle. The
// consumer phases' integer values follow lifecycle order; forward-only
// checks use a phase's position in ProducerPhases/ConsumerPhases, since
// PhaseExecuting (10) sorts numerically after PhaseCommitted.
type Phase int

const (
	PhasePending Phase = iota
	PhasePreparing
	PhasePrepared
	PhaseMutating
	PhaseMutated
	PhaseEmitting
	PhaseCommitted
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhasePreparing:
		return "preparing"
	case PhasePrepared:
		return "prepared"
	case PhaseMutating:
		return "mutating"
	case PhaseMutated:
		return "mutated"
	case PhaseEmitting:
		return "emitting"
	case PhaseCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// ProducerPhases and ConsumerPhases give the valid forward paths for each
// handler type; PhaseCommitted is reachable on both but only through the
// dedicated commit transitions (never a plain phase advance).
var (
	ProducerPhases = []Phase{PhasePending, PhaseExecuting, PhaseCommitted}
	ConsumerPhases = []Phase{PhasePending, PhasePreparing, PhasePrepared, PhaseMutating, PhaseMutated, PhaseEmitting, PhaseCommitted}
)

// PhaseExecuting is the producer-only analogue of preparing/mutating: a
// producer has no event reservations or mutation boundary, just one
// phase between pending and committed.
const PhaseExecuting Phase = 10

// RunStatus is the health of a handler run, orthogonal to Phase.
type RunStatus string

const (
	StatusActive               RunStatus = "active"
	StatusCommitted            RunStatus = "committed"
	StatusPausedTransient      RunStatus = "paused:transient"
	StatusPausedApproval       RunStatus = "paused:approval"
	StatusPausedReconciliation RunStatus = "paused:reconciliation"
	StatusFailedLogic          RunStatus = "failed:logic"
	StatusFailedInternal       RunStatus = "failed:internal"
	StatusCrashed              RunStatus = "crashed"
)

// IsTerminal reports whether a run in this status will never be written
// to again by the scheduler (it may still be read by recovery).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCommitted, StatusFailedLogic, StatusFailedInternal, StatusCrashed:
		return true
	default:
		return false
	}
}

// MutationOutcome records the disposition of the single mutation (if any)
// a handler run performed. Together with Phase this defines the mutation
// boundary (§4.1.1).
type MutationOutcome string

const (
	OutcomeNone    MutationOutcome = ""
	OutcomeSuccess MutationOutcome = "success"
	OutcomeFailure MutationOutcome = "failure"
	OutcomeSkipped MutationOutcome = "skipped"
)

// HandlerRun is one execution attempt of a named handler inside a session.
type HandlerRun struct {
	ID           string
	SessionID    string
	WorkflowID   string
	HandlerName  string
	HandlerType  HandlerType
	Phase        Phase
	Status       RunStatus
	Mutation     MutationOutcome
	PrepareResult json.RawMessage
	InputState   json.RawMessage
	OutputState  json.RawMessage
	RetryOf      string
	Error        string
	ErrorType    string
	StartTS      time.Time
	EndTS        *time.Time
	Cost         float64
}

// EventStatus is the disposition of a reserved-or-not event.
type EventStatus string

const (
	EventPending  EventStatus = "pending"
	EventReserved EventStatus = "reserved"
	EventConsumed EventStatus = "consumed"
	EventSkipped  EventStatus = "skipped"
)

// Event is a per-topic, per-workflow message a consumer handler consumes.
type Event struct {
	ID             string
	TopicID        string
	WorkflowID     string
	MessageID      string
	Status         EventStatus
	ReservedByRunID string
	CreatedByRunID  string
	CausedBy        []string
	Payload         json.RawMessage
	AttemptNumber   int
}

// Reservation is a batch of event ids on one topic to reserve under a run.
type Reservation struct {
	Topic string
	IDs   []string
}

// MutationStatus is the lifecycle of an attempted external side-effect.
// Applied and Failed are terminal (inv. 7): once reached, the row is
// frozen.
type MutationStatus string

const (
	MutationPending         MutationStatus = "pending"
	MutationInFlight        MutationStatus = "in_flight"
	MutationNeedsReconcile  MutationStatus = "needs_reconcile"
	MutationIndeterminate   MutationStatus = "indeterminate"
	MutationApplied         MutationStatus = "applied"
	MutationFailed          MutationStatus = "failed"
)

// IsTerminal reports whether this status may never be written again.
func (s MutationStatus) IsTerminal() bool {
	return s == MutationApplied || s == MutationFailed
}

// ResolvedBy records which path closed out a mutation.
type ResolvedBy string

const (
	ResolvedByNone              ResolvedBy = ""
	ResolvedByReconciliation    ResolvedBy = "reconciliation"
	ResolvedByUserAssertApplied ResolvedBy = "user_assert_applied"
	ResolvedByUserAssertFailed  ResolvedBy = "user_assert_failed"
	ResolvedByUserSkipped       ResolvedBy = "user_skipped"
)

// Mutation is one-to-one with the handler run that performed an external
// side-effect. Present only if the run entered the mutating phase.
type Mutation struct {
	ID              string
	HandlerRunID    string
	WorkflowID      string
	ToolNamespace   string
	ToolMethod      string
	Params          json.RawMessage
	IdempotencyKey  string
	Status          MutationStatus
	Result          json.RawMessage
	Error           string
	ReconcileAttempts int
	LastReconcileAt   *time.Time
	NextReconcileAt   *time.Time
	ResolvedBy        ResolvedBy
	ResolvedAt        *time.Time
}

// Workflow carries the fields the core reads and writes. Status is
// user-owned and the core must never write it (inv. 4).
type Workflow struct {
	ID                string
	Status            string
	Error             string
	Maintenance       bool
	PendingRetryRunID string
}

// SessionDisposition is the terminal outcome of a session.
type SessionDisposition string

const (
	SessionCompleted SessionDisposition = "completed"
	SessionFailed    SessionDisposition = "failed"
)

// Session groups the handler runs spawned by one scheduler dispatch.
type Session struct {
	ID            string
	WorkflowID    string
	StartTS       time.Time
	EndTS         *time.Time
	Disposition   SessionDisposition
	Cost          float64
	HandlerCount  int
}
