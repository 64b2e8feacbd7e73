package emm

import (
	"context"
	"time"

	"github.com/nostrband/keepai-exec/internal/store"
)

// StatusOpts carries the optional free-text error/error_type payload for
// UpdateHandlerRunStatus.
type StatusOpts struct {
	Error     string
	ErrorType string
}

// workflowErrorFor returns the workflow.error message to write for
// newStatus, and whether anything should be written at all (the table in
// §4.1.2; "null" rows return ok=false and leave workflow.error
// untouched).
func workflowErrorFor(newStatus store.RunStatus, supplied string) (msg string, ok bool) {
	switch newStatus {
	case store.StatusPausedApproval:
		if supplied != "" {
			return supplied, true
		}
		return "Authentication required", true
	case store.StatusPausedReconciliation:
		if supplied != "" {
			return supplied, true
		}
		return "Mutation outcome uncertain", true
	case store.StatusFailedInternal:
		if supplied != "" {
			return supplied, true
		}
		return "Internal error", true
	default:
		// failed:logic, paused:transient, crashed, committed: leave untouched.
		return "", false
	}
}

// UpdateHandlerRunStatus implements §4.1.2. It writes status/error/
// error_type/end_ts; for a non-committed consumer it applies the
// mutation boundary (§4.1.1); for any non-committed outcome it finalizes
// the owning session as failed (a session represents one scheduler
// dispatch attempt; a pending retry spawns under a fresh session);
// failed:logic flips workflow.maintenance; and workflow.error is set per
// the table above. Never touches phase or workflow.status.
func (e *EMM) UpdateHandlerRunStatus(ctx context.Context, runID string, newStatus store.RunStatus, opts StatusOpts) error {
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return updateHandlerRunStatusTx(ctx, tx, runID, newStatus, opts)
	})
}

// updateHandlerRunStatusTx is the composable core: callers that already
// hold a Tx (CommitConsumer, CommitProducer, recovery) invoke this
// directly instead of nesting a transaction.
func updateHandlerRunStatusTx(ctx context.Context, tx store.Tx, runID string, newStatus store.RunStatus, opts StatusOpts) error {
	run, err := tx.GetHandlerRun(ctx, runID)
	if err != nil {
		return err
	}

	now := time.Now()
	fields := map[string]interface{}{
		"status": newStatus,
		"end_ts": now,
	}
	if opts.Error != "" {
		fields["error"] = opts.Error
	}
	if opts.ErrorType != "" {
		fields["error_type"] = opts.ErrorType
	}
	if err := tx.UpdateHandlerRun(ctx, runID, fields); err != nil {
		return err
	}

	if newStatus != store.StatusCommitted {
		if run.HandlerType == store.HandlerTypeConsumer {
			if err := applyMutationBoundary(ctx, tx, run); err != nil {
				return err
			}
		}
		if err := finalizeSession(ctx, tx, run.SessionID, store.SessionFailed); err != nil {
			return err
		}
	}

	if newStatus == store.StatusFailedLogic {
		if err := tx.UpdateWorkflowFields(ctx, run.WorkflowID, map[string]interface{}{"maintenance": true}); err != nil {
			return err
		}
	}

	if msg, ok := workflowErrorFor(newStatus, opts.Error); ok {
		if err := tx.UpdateWorkflowFields(ctx, run.WorkflowID, map[string]interface{}{"error": msg}); err != nil {
			return err
		}
	}

	return nil
}
