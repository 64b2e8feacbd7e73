package emm

import (
	"context"

	"github.com/nostrband/keepai-exec/internal/store"
)

// BlockWorkflow implements §4.1.12: the scheduler's way of halting
// dispatch on a workflow without touching workflow.status, which is
// user-owned (inv. 4). Setting error is how the scheduler communicates
// "stuck" to whatever reads the workflow; clearPendingRetry lets a
// scheduler give up on a stuck retry rather than loop on it forever.
func (e *EMM) BlockWorkflow(ctx context.Context, workflowID, reason string, clearPendingRetry bool) error {
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		fields := map[string]interface{}{"error": reason}
		if clearPendingRetry {
			fields["pending_retry_run_id"] = ""
		}
		return tx.UpdateWorkflowFields(ctx, workflowID, fields)
	})
}

// ExitMaintenanceMode implements §4.1.13: clears workflow.maintenance
// after an operator has resolved whatever failed:logic transition set
// it. It deliberately leaves pending_retry_run_id untouched; clearing a
// stuck retry is a separate decision the operator makes through
// BlockWorkflow or CreateRetryRun.
func (e *EMM) ExitMaintenanceMode(ctx context.Context, workflowID string) error {
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateWorkflowFields(ctx, workflowID, map[string]interface{}{"maintenance": false})
	})
}
