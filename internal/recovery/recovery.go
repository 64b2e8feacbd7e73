// Package recovery implements the startup pass described in §4.4: before
// the scheduler resumes, crashed runs are classified, unfinished sessions
// whose runs are all committed are finalized, maintenance workflows are
// surfaced, and orphaned event reservations are diagnosed (never
// auto-repaired). Grounded on control_plane/main.go's rehydrate-then-start
// startup sequencing: recovery always finishes before any dispatch loop
// is started.
package recovery

import (
	"context"
	"log"

	"github.com/nostrband/keepai-exec/internal/emm"
	"github.com/nostrband/keepai-exec/internal/observability"
	"github.com/nostrband/keepai-exec/internal/store"
)

// Recovery bundles the startup passes against one store/EMM pair.
type Recovery struct {
	store store.Store
	emm   *emm.EMM
}

func New(s store.Store, e *emm.EMM) *Recovery {
	return &Recovery{store: s, emm: e}
}

// MaintenanceWorkflow is one workflow recovery found with maintenance set
// and no live maintainer task, surfaced for the surrounding system to act
// on (§4.4 step 3: this package creates no maintainer task itself — that
// is external-system territory per §1).
type MaintenanceWorkflow struct {
	WorkflowID string
	Error      string
}

// Run executes all four startup passes in order, exactly once, before the
// caller starts the scheduler and reconciliation engine. It returns the
// maintenance workflows step 3 surfaces so the caller can hand them to
// whatever creates maintainer tasks.
func (r *Recovery) Run(ctx context.Context) ([]MaintenanceWorkflow, error) {
	log.Printf("[RECOVERY] starting crash recovery pass")

	if err := r.recoverCrashedRuns(ctx); err != nil {
		return nil, err
	}
	if err := r.recoverUnfinishedSessions(ctx); err != nil {
		return nil, err
	}
	maint, err := r.recoverMaintenanceMode(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.diagnoseOrphanedReservations(ctx); err != nil {
		return nil, err
	}

	log.Printf("[RECOVERY] crash recovery pass complete")
	return maint, nil
}

// recoverCrashedRuns implements §4.4 step 1: every handler run still
// marked active when the process starts either survived as an uncertain
// mutation (paused:reconciliation, left for the reconciliation engine to
// resolve) or is classified crashed, letting UpdateHandlerRunStatus apply
// the mutation boundary automatically.
func (r *Recovery) recoverCrashedRuns(ctx context.Context) error {
	var runs []*store.HandlerRun
	err := r.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		all, err := tx.GetIncompleteHandlerRuns(ctx)
		if err != nil {
			return err
		}
		for _, run := range all {
			if run.Status == store.StatusActive {
				runs = append(runs, run)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, run := range runs {
		if err := r.classifyCrashedRun(ctx, run); err != nil {
			log.Printf("[RECOVERY] failed to classify run %s: %v", run.ID, err)
		}
	}
	return nil
}

func (r *Recovery) classifyCrashedRun(ctx context.Context, run *store.HandlerRun) error {
	if run.HandlerType == store.HandlerTypeConsumer &&
		run.Phase == store.PhaseMutating && run.Mutation == store.OutcomeNone {
		m, err := r.lookupMutation(ctx, run.ID)
		if err == nil && m != nil &&
			(m.Status == store.MutationInFlight || m.Status == store.MutationNeedsReconcile) {
			log.Printf("[RECOVERY] run %s: uncertain mutation %s (status=%s) -> paused:reconciliation", run.ID, m.ID, m.Status)
			observability.RecoveryClassifications.WithLabelValues("paused_reconciliation").Inc()
			return r.emm.UpdateHandlerRunStatus(ctx, run.ID, store.StatusPausedReconciliation, emm.StatusOpts{
				Error: "Mutation outcome uncertain",
			})
		}
	}

	log.Printf("[RECOVERY] run %s: classified crashed (phase=%s, handler_type=%s)", run.ID, run.Phase, run.HandlerType)
	observability.RecoveryClassifications.WithLabelValues("crashed").Inc()
	return r.emm.UpdateHandlerRunStatus(ctx, run.ID, store.StatusCrashed, emm.StatusOpts{})
}

func (r *Recovery) lookupMutation(ctx context.Context, runID string) (*store.Mutation, error) {
	var m *store.Mutation
	err := r.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := tx.GetMutationByRunID(ctx, runID)
		if err != nil {
			return err
		}
		m = found
		return nil
	})
	return m, err
}

// recoverUnfinishedSessions implements §4.4 step 2: a session with no
// end_ts whose runs are all committed never got its FinishSession call
// (the process died between the last commit and that derivative write).
// Sessions with a failed/paused/crashed run were already finalized by
// EMM's own status-update path; sessions with a surviving active run are
// handled by recoverCrashedRuns first, which drives FinishSession as a
// side effect of the resulting status transition.
func (r *Recovery) recoverUnfinishedSessions(ctx context.Context) error {
	var sessions []*store.Session
	err := r.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.GetActiveSessions(ctx)
		if err != nil {
			return err
		}
		sessions = s
		return nil
	})
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		allCommitted, err := r.allRunsCommitted(ctx, sess.ID)
		if err != nil {
			log.Printf("[RECOVERY] failed to inspect session %s: %v", sess.ID, err)
			continue
		}
		if !allCommitted {
			continue
		}
		log.Printf("[RECOVERY] session %s: all runs committed, finishing", sess.ID)
		if err := r.emm.FinishSession(ctx, sess.ID); err != nil {
			log.Printf("[RECOVERY] FinishSession failed for %s: %v", sess.ID, err)
		}
	}
	return nil
}

func (r *Recovery) allRunsCommitted(ctx context.Context, sessionID string) (bool, error) {
	var runs []*store.HandlerRun
	err := r.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rs, err := tx.GetHandlerRunsBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		runs = rs
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(runs) == 0 {
		return false, nil
	}
	for _, run := range runs {
		if run.Status != store.StatusCommitted {
			return false, nil
		}
	}
	return true, nil
}

// recoverMaintenanceMode implements §4.4 step 3: list workflows with
// maintenance set so the surrounding system can ensure a maintainer task
// exists for each. This package does not know what a "live maintainer
// task" is (that concept lives in the out-of-scope AI agent layer, §1),
// so it surfaces every maintenance workflow unconditionally and leaves
// de-duplication against existing tasks to the caller.
func (r *Recovery) recoverMaintenanceMode(ctx context.Context) ([]MaintenanceWorkflow, error) {
	var workflows []*store.Workflow
	err := r.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.ListWorkflows(ctx)
		if err != nil {
			return err
		}
		workflows = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []MaintenanceWorkflow
	for _, wf := range workflows {
		if wf.Maintenance {
			out = append(out, MaintenanceWorkflow{WorkflowID: wf.ID, Error: wf.Error})
		}
	}
	log.Printf("[RECOVERY] %d workflows in maintenance mode", len(out))
	return out, nil
}
