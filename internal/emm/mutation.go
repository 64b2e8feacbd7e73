package emm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nostrband/keepai-exec/internal/store"
)

// ResolutionOpts carries §4.1.7/§4.1.8's optional resolvedBy/resolvedAt:
// the path that is closing out a mutation, and when. Left zero-valued,
// ApplyMutation/FailMutation default to ResolvedByReconciliation at the
// time of the call, matching the reconciliation engine's call sites.
// An operator asserting a mutation's real-world outcome by hand (when
// reconciliation itself cannot determine it) sets ResolvedBy to
// ResolvedByUserAssertApplied/ResolvedByUserAssertFailed and typically
// ResolvedAt to when they observed the outcome, not when the assertion
// was recorded.
type ResolutionOpts struct {
	ResolvedBy store.ResolvedBy
	ResolvedAt time.Time
}

func (o ResolutionOpts) resolve(defaultBy store.ResolvedBy) (store.ResolvedBy, time.Time) {
	by := o.ResolvedBy
	if by == store.ResolvedByNone {
		by = defaultBy
	}
	at := o.ResolvedAt
	if at.IsZero() {
		at = time.Now()
	}
	return by, at
}

// ApplyMutation implements §4.1.7: records a successful external
// side-effect, advances the owning run to mutated, and clears
// workflow.error (a prior "Mutation outcome uncertain" no longer
// applies once the outcome is known). Rejects an already-terminal
// mutation (inv. 7).
func (e *EMM) ApplyMutation(ctx context.Context, mutationID string, result json.RawMessage, opts ResolutionOpts) error {
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMutation(ctx, mutationID)
		if err != nil {
			return err
		}
		if m.Status.IsTerminal() {
			return ErrMutationTerminal
		}

		resolvedBy, resolvedAt := opts.resolve(store.ResolvedByReconciliation)
		if err := tx.UpdateMutation(ctx, mutationID, map[string]interface{}{
			"status":      store.MutationApplied,
			"result":      []byte(result),
			"resolved_by": resolvedBy,
			"resolved_at": resolvedAt,
		}); err != nil {
			return err
		}
		if err := tx.UpdateHandlerRun(ctx, m.HandlerRunID, map[string]interface{}{
			"mutation_outcome": store.OutcomeSuccess,
		}); err != nil {
			return err
		}
		if err := advanceToMutatedTx(ctx, tx, m.HandlerRunID); err != nil {
			return err
		}
		return tx.UpdateWorkflowFields(ctx, m.WorkflowID, map[string]interface{}{"error": ""})
	})
}

// FailMutation implements §4.1.8: records a definitively failed
// side-effect, advances the run to mutated so the mutation boundary
// releases its reserved events, and clears any pending_retry_run_id/
// workflow.error a prior indeterminate outcome left behind.
func (e *EMM) FailMutation(ctx context.Context, mutationID string, reason string, opts ResolutionOpts) error {
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMutation(ctx, mutationID)
		if err != nil {
			return err
		}
		if m.Status.IsTerminal() {
			return ErrMutationTerminal
		}

		resolvedBy, resolvedAt := opts.resolve(store.ResolvedByReconciliation)
		if err := tx.UpdateMutation(ctx, mutationID, map[string]interface{}{
			"status":      store.MutationFailed,
			"error":       reason,
			"resolved_by": resolvedBy,
			"resolved_at": resolvedAt,
		}); err != nil {
			return err
		}
		if err := tx.UpdateHandlerRun(ctx, m.HandlerRunID, map[string]interface{}{
			"mutation_outcome": store.OutcomeFailure,
		}); err != nil {
			return err
		}
		if err := advanceToMutatedTx(ctx, tx, m.HandlerRunID); err != nil {
			return err
		}
		return tx.UpdateWorkflowFields(ctx, m.WorkflowID, map[string]interface{}{
			"pending_retry_run_id": "",
			"error":                "",
		})
	})
}

// AssertMutationApplied is the operator-initiated counterpart to a
// reconciliation-driven ApplyMutation: an indeterminate mutation (no
// probe registered, or reconciliation attempts exhausted, §4.2) needs a
// human to inspect the external system directly and assert what actually
// happened. observedAt should be when the operator confirmed the
// side-effect took place, not when this call runs.
func (e *EMM) AssertMutationApplied(ctx context.Context, mutationID string, result json.RawMessage, observedAt time.Time) error {
	return e.ApplyMutation(ctx, mutationID, result, ResolutionOpts{
		ResolvedBy: store.ResolvedByUserAssertApplied,
		ResolvedAt: observedAt,
	})
}

// AssertMutationFailed is AssertMutationApplied's counterpart for an
// operator who has confirmed the external side-effect did not happen.
func (e *EMM) AssertMutationFailed(ctx context.Context, mutationID string, reason string, observedAt time.Time) error {
	return e.FailMutation(ctx, mutationID, reason, ResolutionOpts{
		ResolvedBy: store.ResolvedByUserAssertFailed,
		ResolvedAt: observedAt,
	})
}

// SkipMutation implements the Open Question resolution in SPEC_FULL §12:
// a user-asserted skip closes the mutation row with status applied and
// resolved_by user_skipped, and records mutation_outcome skipped on the
// run so the boundary table treats it as post-mutation.
func (e *EMM) SkipMutation(ctx context.Context, mutationID string, reason string) error {
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMutation(ctx, mutationID)
		if err != nil {
			return err
		}
		if m.Status.IsTerminal() {
			return ErrMutationTerminal
		}

		now := time.Now()
		if err := tx.UpdateMutation(ctx, mutationID, map[string]interface{}{
			"status":      store.MutationApplied,
			"error":       reason,
			"resolved_by": store.ResolvedByUserSkipped,
			"resolved_at": now,
		}); err != nil {
			return err
		}
		if err := tx.UpdateHandlerRun(ctx, m.HandlerRunID, map[string]interface{}{
			"mutation_outcome": store.OutcomeSkipped,
		}); err != nil {
			return err
		}
		if err := advanceToMutatedTx(ctx, tx, m.HandlerRunID); err != nil {
			return err
		}
		return tx.UpdateWorkflowFields(ctx, m.WorkflowID, map[string]interface{}{"error": ""})
	})
}

// UpdateMutationStatus implements §4.1.9: the non-terminal label
// transitions a reconciliation probe or dispatch attempt drives the
// mutation through before a terminal ApplyMutation/FailMutation call.
// Rejects a mutation that has already reached a terminal status.
func (e *EMM) UpdateMutationStatus(ctx context.Context, mutationID string, newStatus store.MutationStatus) error {
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMutation(ctx, mutationID)
		if err != nil {
			return err
		}
		if m.Status.IsTerminal() {
			return ErrMutationTerminal
		}
		if !validMutationStep(m.Status, newStatus) {
			return fmt.Errorf("emm: mutation %s cannot move from %s to %s", mutationID, m.Status, newStatus)
		}
		return tx.UpdateMutation(ctx, mutationID, map[string]interface{}{"status": newStatus})
	})
}

// advanceToMutatedTx tolerates the race where UpdateConsumerPhase already
// moved the run from mutating to mutated ahead of the terminal mutation
// call that records the outcome: a plain advanceConsumerPhaseTx would
// reject that as backward since the run is already there.
func advanceToMutatedTx(ctx context.Context, tx store.Tx, runID string) error {
	run, err := tx.GetHandlerRun(ctx, runID)
	if err != nil {
		return err
	}
	curIdx, ok := phaseIndex(store.ConsumerPhases, run.Phase)
	if !ok {
		return fmt.Errorf("emm: run %s has unrecognized consumer phase %v", runID, run.Phase)
	}
	mutatedIdx, _ := phaseIndex(store.ConsumerPhases, store.PhaseMutated)
	if curIdx >= mutatedIdx {
		return nil
	}
	_, err = advanceConsumerPhaseTx(ctx, tx, runID, store.PhaseMutated, PreparedOpts{})
	return err
}

func validMutationStep(from, to store.MutationStatus) bool {
	switch from {
	case store.MutationPending:
		return to == store.MutationInFlight
	case store.MutationInFlight:
		return to == store.MutationNeedsReconcile || to == store.MutationIndeterminate
	case store.MutationNeedsReconcile:
		return to == store.MutationIndeterminate
	default:
		return false
	}
}
