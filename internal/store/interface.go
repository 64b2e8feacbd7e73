package store

import (
	"context"
	"time"
)

// Tx is a transaction handle threaded through a Store.RunTx body. Every EMM
// method runs its entire body through exactly one Tx so its writes are
// atomic; reads taken through the same Tx must observe its own prior
// writes within the same body (§6.1).
type Tx interface {
	// HandlerRuns
	GetHandlerRun(ctx context.Context, id string) (*HandlerRun, error)
	CreateHandlerRun(ctx context.Context, run *HandlerRun) error
	UpdateHandlerRun(ctx context.Context, id string, fields map[string]interface{}) error
	UpdateHandlerRunPhase(ctx context.Context, id string, phase Phase) error
	GetHandlerRunsBySession(ctx context.Context, sessionID string) ([]*HandlerRun, error)
	GetIncompleteHandlerRuns(ctx context.Context) ([]*HandlerRun, error)

	// Mutations
	GetMutation(ctx context.Context, id string) (*Mutation, error)
	GetMutationByRunID(ctx context.Context, runID string) (*Mutation, error)
	CreateMutation(ctx context.Context, m *Mutation) error
	UpdateMutation(ctx context.Context, id string, fields map[string]interface{}) error

	// Events
	ReserveEvents(ctx context.Context, runID string, reservations []Reservation) error
	ReleaseEvents(ctx context.Context, runID string) error
	ConsumeEvents(ctx context.Context, runID string) error
	TransferReservations(ctx context.Context, fromRunID, toRunID string) error
	GetEventsReservedBy(ctx context.Context, runID string) ([]*Event, error)
	GetReservedEvents(ctx context.Context) ([]*Event, error)
	PublishEvent(ctx context.Context, e *Event) error

	// Per-handler persistent state
	SetHandlerState(ctx context.Context, workflowID, handlerName string, runID string, state []byte) error
	UpdateHandlerWakeAt(ctx context.Context, workflowID, handlerName string, wakeAt time.Time) error

	// Workflow
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflowFields(ctx context.Context, id string, fields map[string]interface{}) error
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	// Sessions
	StartSession(ctx context.Context, s *Session) error
	FinishSession(ctx context.Context, sessionID string, disposition SessionDisposition, cost float64) error
	GetActiveSessions(ctx context.Context) ([]*Session, error)
	IncrementHandlerCount(ctx context.Context, sessionID string) error

	// Reconciliation
	GetDueForReconciliation(ctx context.Context, now time.Time) ([]*Mutation, error)
	ScheduleNextReconcile(ctx context.Context, mutationID string, attempts int, next time.Time) error
}

// Store is the transaction-capable persistence backend EMM, the
// Scheduler, and Recovery require (§6.1). It intentionally does not
// expose the Tx surface directly: every read and write happens inside a
// RunTx body, so an EMM method that calls another EMM method passes its
// own Tx through rather than opening a nested transaction against the
// pool.
type Store interface {
	// RunTx executes body atomically. Implementations must make body's own
	// Tx argument observe body's own writes (read-your-writes within one
	// transaction).
	RunTx(ctx context.Context, body func(ctx context.Context, tx Tx) error) error

	Close()
}
