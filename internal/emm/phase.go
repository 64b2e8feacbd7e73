package emm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nostrband/keepai-exec/internal/store"
)

// PrepareResult is the serialized shape of HandlerRun.PrepareResult: the
// event reservations a consumer intends to hold plus whatever UI hints
// the handler produced while preparing.
type PrepareResult struct {
	Reservations []store.Reservation `json:"reservations"`
	UIHints      json.RawMessage     `json:"ui_hints,omitempty"`
}

func phaseIndex(order []store.Phase, p store.Phase) (int, bool) {
	for i, q := range order {
		if q == p {
			return i, true
		}
	}
	return 0, false
}

// PreparedOpts carries the payload required for preparing->prepared.
type PreparedOpts struct {
	Reservations  []store.Reservation
	PrepareResult PrepareResult
	WakeAt        *time.Time
}

// UpdateConsumerPhase implements §4.1.3: a forward-only phase advance for
// consumer runs. committed is always rejected; use CommitConsumer.
func (e *EMM) UpdateConsumerPhase(ctx context.Context, runID string, newPhase store.Phase, opts PreparedOpts) error {
	if newPhase == store.PhaseCommitted {
		return ErrCommitViaPhaseAdvance
	}
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := advanceConsumerPhaseTx(ctx, tx, runID, newPhase, opts)
		return err
	})
}

// advanceConsumerPhaseTx is the composable core shared with ApplyMutation/
// FailMutation, which advance a run to mutated within their own
// transaction rather than nesting one.
func advanceConsumerPhaseTx(ctx context.Context, tx store.Tx, runID string, newPhase store.Phase, opts PreparedOpts) (*store.HandlerRun, error) {
	run, err := tx.GetHandlerRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.HandlerType != store.HandlerTypeConsumer {
		return nil, fmt.Errorf("%w: UpdateConsumerPhase on %s run", ErrWrongHandlerType, run.HandlerType)
	}

	curIdx, ok := phaseIndex(store.ConsumerPhases, run.Phase)
	if !ok {
		return nil, fmt.Errorf("emm: run %s has unrecognized consumer phase %v", runID, run.Phase)
	}
	newIdx, ok := phaseIndex(store.ConsumerPhases, newPhase)
	if !ok {
		return nil, fmt.Errorf("emm: unrecognized consumer phase %v", newPhase)
	}
	if newIdx <= curIdx {
		return nil, ErrBackwardPhase
	}

	switch {
	case run.Phase == store.PhasePreparing && newPhase == store.PhasePrepared:
		if len(opts.PrepareResult.Reservations) == 0 && len(opts.Reservations) > 0 {
			opts.PrepareResult.Reservations = opts.Reservations
		}
		raw, err := json.Marshal(opts.PrepareResult)
		if err != nil {
			return nil, fmt.Errorf("emm: marshal prepare result: %w", err)
		}
		for _, res := range opts.PrepareResult.Reservations {
			if len(res.IDs) == 0 {
				continue
			}
			if err := tx.ReserveEvents(ctx, run.ID, []store.Reservation{res}); err != nil {
				return nil, err
			}
		}
		if err := tx.UpdateHandlerRun(ctx, run.ID, map[string]interface{}{"prepare_result": []byte(raw)}); err != nil {
			return nil, err
		}
		run.PrepareResult = raw
		if opts.WakeAt != nil {
			if err := tx.UpdateHandlerWakeAt(ctx, run.WorkflowID, run.HandlerName, *opts.WakeAt); err != nil {
				return nil, err
			}
		}

	case run.Phase == store.PhasePrepared && newPhase == store.PhaseMutating:
		pr, err := decodePrepareResult(run)
		if err != nil {
			return nil, err
		}
		if !hasNonEmptyReservation(pr.Reservations) {
			return nil, ErrEmptyReservations
		}

	case run.Phase == store.PhasePrepared && newPhase == store.PhaseEmitting:
		// Allowed: consumer with no reservations or no mutate phase.

	case run.Phase == store.PhaseMutating && newPhase == store.PhaseMutated:
		// Accepted unconditionally; the outcome is recorded separately
		// via ApplyMutation/FailMutation and may race this call on a
		// non-active run.

	case run.Phase == store.PhaseMutated && newPhase == store.PhaseEmitting:
		if run.Mutation == store.OutcomeFailure {
			return nil, ErrMutationFailedEmit
		}

	default:
		// Any other forward jump (e.g. pending->preparing) carries no
		// side effects of its own.
	}

	if err := tx.UpdateHandlerRunPhase(ctx, run.ID, newPhase); err != nil {
		return nil, err
	}
	run.Phase = newPhase
	return run, nil
}

func decodePrepareResult(run *store.HandlerRun) (PrepareResult, error) {
	var pr PrepareResult
	if len(run.PrepareResult) == 0 {
		return pr, nil
	}
	if err := json.Unmarshal(run.PrepareResult, &pr); err != nil {
		return pr, fmt.Errorf("emm: decode prepare result: %w", err)
	}
	return pr, nil
}

func hasNonEmptyReservation(rs []store.Reservation) bool {
	for _, r := range rs {
		if len(r.IDs) > 0 {
			return true
		}
	}
	return false
}

// UpdateProducerPhase implements §4.1.4: forward-only among {pending,
// executing, committed}. committed is rejected here; use CommitProducer.
func (e *EMM) UpdateProducerPhase(ctx context.Context, runID string, newPhase store.Phase) error {
	if newPhase == store.PhaseCommitted {
		return ErrCommitViaPhaseAdvance
	}
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := advanceProducerPhaseTx(ctx, tx, runID, newPhase)
		return err
	})
}

func advanceProducerPhaseTx(ctx context.Context, tx store.Tx, runID string, newPhase store.Phase) (*store.HandlerRun, error) {
	run, err := tx.GetHandlerRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.HandlerType != store.HandlerTypeProducer {
		return nil, fmt.Errorf("%w: UpdateProducerPhase on %s run", ErrWrongHandlerType, run.HandlerType)
	}

	curIdx, ok := phaseIndex(store.ProducerPhases, run.Phase)
	if !ok {
		return nil, fmt.Errorf("emm: run %s has unrecognized producer phase %v", runID, run.Phase)
	}
	newIdx, ok := phaseIndex(store.ProducerPhases, newPhase)
	if !ok {
		return nil, fmt.Errorf("emm: unrecognized producer phase %v", newPhase)
	}
	if newIdx <= curIdx {
		return nil, ErrBackwardPhase
	}

	if err := tx.UpdateHandlerRunPhase(ctx, run.ID, newPhase); err != nil {
		return nil, err
	}
	run.Phase = newPhase
	return run, nil
}
