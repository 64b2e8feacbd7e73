// Package emm is the Execution Model Manager: the single writer for
// handler run status, phase, mutation outcome, event disposition,
// workflow.error/maintenance/pending_retry_run_id, and session
// finalization. Every exported method runs inside exactly one
// store.RunTx so its writes are atomic.
package emm

import "errors"

// Errors returned by EMM methods signal implementation bugs or rejected
// preconditions, never user-visible outcomes (§7): callers distinguish
// "bug" from "expected rejection" with errors.Is.
var (
	ErrDoubleCommit          = errors.New("emm: run already committed")
	ErrBackwardPhase         = errors.New("emm: phase transition would move backward")
	ErrCommitViaPhaseAdvance = errors.New("emm: committed is reached only through commitConsumer/commitProducer")
	ErrEmptyReservations     = errors.New("emm: prepared->mutating requires at least one non-empty reservation")
	ErrMutationFailedEmit    = errors.New("emm: mutated->emitting rejected: mutation_outcome is failure")
	ErrMutationTerminal      = errors.New("emm: mutation is already applied or failed and is frozen")
	ErrPreMutationRetry      = errors.New("emm: createRetryRun requires a post-mutation run")
	ErrWrongHandlerType      = errors.New("emm: method does not apply to this handler type")
)
