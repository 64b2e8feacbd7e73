package emm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nostrband/keepai-exec/internal/store"
)

// CommitOpts carries the optional output_state payload written on commit
// and, for producers, the schedule update for the handler's next wakeup.
type CommitOpts struct {
	OutputState json.RawMessage
	State       []byte
	WakeAt      *time.Time
}

// CommitConsumer implements §4.1.5. It consumes the run's reserved events,
// optionally persists handler state, advances phase to committed, marks
// status committed, and increments the session's handler count. No event
// disposition beyond consumption and no session finalization: the run's
// status update routes through updateHandlerRunStatusTx with newStatus
// committed, which is a no-op for both.
func (e *EMM) CommitConsumer(ctx context.Context, runID string, opts CommitOpts) error {
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		run, err := tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.HandlerType != store.HandlerTypeConsumer {
			return fmt.Errorf("%w: CommitConsumer on %s run", ErrWrongHandlerType, run.HandlerType)
		}
		if run.Phase == store.PhaseCommitted || run.Status == store.StatusCommitted {
			return ErrDoubleCommit
		}

		if err := tx.ConsumeEvents(ctx, runID); err != nil {
			return err
		}
		if opts.State != nil {
			if err := tx.SetHandlerState(ctx, run.WorkflowID, run.HandlerName, runID, opts.State); err != nil {
				return err
			}
		}

		fields := map[string]interface{}{}
		if len(opts.OutputState) > 0 {
			fields["output_state"] = []byte(opts.OutputState)
		}
		if len(fields) > 0 {
			if err := tx.UpdateHandlerRun(ctx, runID, fields); err != nil {
				return err
			}
		}
		if err := tx.UpdateHandlerRunPhase(ctx, runID, store.PhaseCommitted); err != nil {
			return err
		}
		if err := updateHandlerRunStatusTx(ctx, tx, runID, store.StatusCommitted, StatusOpts{}); err != nil {
			return err
		}
		return tx.IncrementHandlerCount(ctx, run.SessionID)
	})
}

// CommitProducer implements §4.1.6: the producer analogue of
// CommitConsumer, with no event consumption but an optional schedule
// update for the handler's next wakeup.
func (e *EMM) CommitProducer(ctx context.Context, runID string, opts CommitOpts) error {
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		run, err := tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.HandlerType != store.HandlerTypeProducer {
			return fmt.Errorf("%w: CommitProducer on %s run", ErrWrongHandlerType, run.HandlerType)
		}
		if run.Phase == store.PhaseCommitted || run.Status == store.StatusCommitted {
			return ErrDoubleCommit
		}

		if opts.State != nil {
			if err := tx.SetHandlerState(ctx, run.WorkflowID, run.HandlerName, runID, opts.State); err != nil {
				return err
			}
		}
		fields := map[string]interface{}{}
		if len(opts.OutputState) > 0 {
			fields["output_state"] = []byte(opts.OutputState)
		}
		if len(fields) > 0 {
			if err := tx.UpdateHandlerRun(ctx, runID, fields); err != nil {
				return err
			}
		}
		if opts.WakeAt != nil {
			if err := tx.UpdateHandlerWakeAt(ctx, run.WorkflowID, run.HandlerName, *opts.WakeAt); err != nil {
				return err
			}
		}
		if err := tx.UpdateHandlerRunPhase(ctx, runID, store.PhaseCommitted); err != nil {
			return err
		}
		if err := updateHandlerRunStatusTx(ctx, tx, runID, store.StatusCommitted, StatusOpts{}); err != nil {
			return err
		}
		return tx.IncrementHandlerCount(ctx, run.SessionID)
	})
}
