package emm

import (
	"context"
	"fmt"

	"github.com/nostrband/keepai-exec/internal/store"
)

// boundaryCase classifies a non-committed consumer run against the
// mutation boundary table (§4.1.1).
type boundaryCase int

const (
	casePreMutation boundaryCase = iota
	caseIndeterminate
	casePostMutation
)

func classifyBoundary(run *store.HandlerRun) boundaryCase {
	if run.Phase == store.PhaseMutating && run.Mutation == store.OutcomeNone {
		return caseIndeterminate
	}
	if run.Phase < store.PhaseMutated || run.Mutation == store.OutcomeFailure {
		return casePreMutation
	}
	// run.Phase ∈ {mutated, emitting} AND run.Mutation ∈ {success, skipped}
	return casePostMutation
}

// applyMutationBoundary disposes of a non-committed consumer run's
// reserved events per the table in §4.1.1. Producers never reserve
// events, so callers must only invoke this for handler-type consumer.
func applyMutationBoundary(ctx context.Context, tx store.Tx, run *store.HandlerRun) error {
	if run.HandlerType != store.HandlerTypeConsumer {
		return fmt.Errorf("%w: applyMutationBoundary on %s run", ErrWrongHandlerType, run.HandlerType)
	}

	switch classifyBoundary(run) {
	case casePreMutation:
		return tx.ReleaseEvents(ctx, run.ID)

	case caseIndeterminate:
		if err := tx.UpdateWorkflowFields(ctx, run.WorkflowID, map[string]interface{}{
			"pending_retry_run_id": run.ID,
			"error":                "Mutation outcome uncertain",
		}); err != nil {
			return err
		}
		return nil

	default: // casePostMutation
		return tx.UpdateWorkflowFields(ctx, run.WorkflowID, map[string]interface{}{
			"pending_retry_run_id": run.ID,
		})
	}
}
