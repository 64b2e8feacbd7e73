package emm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nostrband/keepai-exec/internal/store"
)

// CreateRetryRun implements §4.1.10: spawns a fresh run that resumes a
// post-mutation consumer at emitting, carrying forward its prepare
// result, input state, and mutation outcome, and transferring its event
// reservations so the new run owns them. Rejects a pre-mutation run
// (there is nothing to resume; the scheduler should just dispatch the
// handler fresh). Clears workflow.pending_retry_run_id once the retry
// exists so the scheduler does not loop on the stale pointer.
func (e *EMM) CreateRetryRun(ctx context.Context, failedRunID, sessionID string) (*store.HandlerRun, error) {
	var created *store.HandlerRun
	err := e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		failed, err := tx.GetHandlerRun(ctx, failedRunID)
		if err != nil {
			return err
		}
		if failed.HandlerType != store.HandlerTypeConsumer {
			return fmt.Errorf("%w: CreateRetryRun on %s run", ErrWrongHandlerType, failed.HandlerType)
		}
		if !isPostMutation(failed) {
			return ErrPreMutationRetry
		}

		next := &store.HandlerRun{
			ID:            uuid.NewString(),
			SessionID:     sessionID,
			WorkflowID:    failed.WorkflowID,
			HandlerName:   failed.HandlerName,
			HandlerType:   store.HandlerTypeConsumer,
			Phase:         store.PhaseEmitting,
			Status:        store.StatusActive,
			Mutation:      failed.Mutation,
			PrepareResult: failed.PrepareResult,
			InputState:    failed.InputState,
			RetryOf:       failed.ID,
			StartTS:       time.Now(),
		}
		if err := tx.CreateHandlerRun(ctx, next); err != nil {
			return err
		}
		if err := tx.TransferReservations(ctx, failed.ID, next.ID); err != nil {
			return err
		}
		if err := tx.UpdateWorkflowFields(ctx, failed.WorkflowID, map[string]interface{}{
			"pending_retry_run_id": "",
		}); err != nil {
			return err
		}
		created = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// isPostMutation reports whether a run is past the mutation boundary:
// mutated or emitting with a resolved (non-failure) outcome, or a
// pre-mutation-boundary run freshly crossed via phase alone with legacy
// empty outcome data (§4.1.1's casePostMutation and the commit path that
// never performed a mutation in the first place).
func isPostMutation(run *store.HandlerRun) bool {
	if run.Phase < store.PhaseMutated {
		return false
	}
	return run.Mutation == store.OutcomeSuccess || run.Mutation == store.OutcomeSkipped || run.Mutation == store.OutcomeNone
}
