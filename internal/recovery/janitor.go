package recovery

import (
	"context"
	"errors"
	"log"

	"github.com/nostrband/keepai-exec/internal/observability"
	"github.com/nostrband/keepai-exec/internal/store"
)

// diagnoseOrphanedReservations implements §4.4 step 4: an event reserved
// under a run that is neither active nor the subject of a pending retry
// is a bug, not a condition to paper over. Grounded on
// control_plane/coordination/janitor.go's periodic scan-classify-log
// shape, but deliberately missing that janitor's force-release path —
// there is no ReleaseLease-equivalent call here. The spec is explicit:
// "do not auto-release".
func (r *Recovery) diagnoseOrphanedReservations(ctx context.Context) error {
	orphans, err := r.findOrphanedReservations(ctx)
	if err != nil {
		return err
	}

	observability.RecoveryOrphanedReservations.Set(float64(len(orphans)))
	if len(orphans) == 0 {
		return nil
	}

	for _, o := range orphans {
		log.Printf("[RECOVERY] ERROR orphaned reservation: event=%s topic=%s workflow=%s reserved_by=%s (run status=%q) — investigate, not auto-releasing",
			o.event.ID, o.event.TopicID, o.event.WorkflowID, o.event.ReservedByRunID, o.runStatus)
	}
	return nil
}

type orphan struct {
	event     *store.Event
	runStatus store.RunStatus
}

// findOrphanedReservations is also exposed via Janitor for an operator or
// external cron to re-run the same query without restarting the process
// (SPEC_FULL §12's supplemented health-check), since the assertion is
// read-only and safe to re-invoke at any time.
//
// It classifies against every currently reserved event (GetReservedEvents),
// not against the active-run set: a reservation surviving under a
// crashed, failed, or otherwise non-active run is exactly the bug §4.4
// step 4 exists to catch, and such a run is by definition absent from
// GetIncompleteHandlerRuns.
func (r *Recovery) findOrphanedReservations(ctx context.Context) ([]orphan, error) {
	var workflows []*store.Workflow
	var reserved []*store.Event
	err := r.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.ListWorkflows(ctx)
		if err != nil {
			return err
		}
		workflows = w
		ev, err := tx.GetReservedEvents(ctx)
		if err != nil {
			return err
		}
		reserved = ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	pendingRetry := make(map[string]bool, len(workflows))
	for _, wf := range workflows {
		if wf.PendingRetryRunID != "" {
			pendingRetry[wf.PendingRetryRunID] = true
		}
	}

	var out []orphan
	err = r.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		runStatus := make(map[string]store.RunStatus, len(reserved))
		for _, ev := range reserved {
			if _, ok := runStatus[ev.ReservedByRunID]; ok {
				continue
			}
			run, err := tx.GetHandlerRun(ctx, ev.ReservedByRunID)
			if errors.Is(err, store.ErrNotFound) {
				runStatus[ev.ReservedByRunID] = ""
				continue
			}
			if err != nil {
				return err
			}
			runStatus[ev.ReservedByRunID] = run.Status
		}

		for _, ev := range reserved {
			status := runStatus[ev.ReservedByRunID]
			if status == store.StatusActive || pendingRetry[ev.ReservedByRunID] {
				continue
			}
			out = append(out, orphan{event: ev, runStatus: status})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Janitor re-runs the orphaned-reservation diagnostic on demand, for an
// operator dashboard or periodic external cron (SPEC_FULL §12), without
// re-running the other three recovery passes.
func (r *Recovery) Janitor(ctx context.Context) error {
	return r.diagnoseOrphanedReservations(ctx)
}
