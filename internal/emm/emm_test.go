package emm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nostrband/keepai-exec/internal/store"
)

func newFixture(t *testing.T) (*EMM, *store.MemoryStore, string) {
	t.Helper()
	ms := store.NewMemoryStore()
	wfID := uuid.NewString()
	ms.SeedWorkflow(&store.Workflow{ID: wfID, Status: "running"})
	return New(ms), ms, wfID
}

// publishAndReserve publishes one pending event on topic and returns its
// id; it does not reserve it, each test reserves it under its own run.
func publishAndReserve(t *testing.T, ms *store.MemoryStore, wfID, topic string) string {
	t.Helper()
	ctx := context.Background()
	ev := &store.Event{TopicID: topic, WorkflowID: wfID, MessageID: "m-1", Payload: json.RawMessage(`{}`)}
	if err := ms.PublishEvent(ctx, ev); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	return ev.ID
}

// S1 — happy consumer: full lifecycle ending in a consumed event and a
// completed session.
func TestS1HappyConsumer(t *testing.T) {
	ctx := context.Background()
	e, ms, wfID := newFixture(t)
	eventID := publishAndReserve(t, ms, wfID, "T")

	sess := &store.Session{WorkflowID: wfID}
	if err := ms.StartSession(ctx, sess); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhasePending, Status: store.StatusActive}
	if err := ms.CreateHandlerRun(ctx, run); err != nil {
		t.Fatalf("CreateHandlerRun: %v", err)
	}

	if err := e.UpdateConsumerPhase(ctx, run.ID, store.PhasePreparing, PreparedOpts{}); err != nil {
		t.Fatalf("preparing: %v", err)
	}
	if err := e.UpdateConsumerPhase(ctx, run.ID, store.PhasePrepared, PreparedOpts{
		PrepareResult: PrepareResult{Reservations: []store.Reservation{{Topic: "T", IDs: []string{eventID}}}},
	}); err != nil {
		t.Fatalf("prepared: %v", err)
	}
	if err := e.UpdateConsumerPhase(ctx, run.ID, store.PhaseMutating, PreparedOpts{}); err != nil {
		t.Fatalf("mutating: %v", err)
	}

	m := &store.Mutation{HandlerRunID: run.ID, WorkflowID: wfID, ToolNamespace: "ns", ToolMethod: "send", Status: store.MutationInFlight}
	if err := ms.CreateMutation(ctx, m); err != nil {
		t.Fatalf("CreateMutation: %v", err)
	}
	if err := e.ApplyMutation(ctx, m.ID, json.RawMessage(`"ok-1"`), ResolutionOpts{}); err != nil {
		t.Fatalf("ApplyMutation: %v", err)
	}

	if err := e.UpdateConsumerPhase(ctx, run.ID, store.PhaseEmitting, PreparedOpts{}); err != nil {
		t.Fatalf("emitting: %v", err)
	}
	state, _ := json.Marshal(map[string]int{"seen": 1})
	if err := e.CommitConsumer(ctx, run.ID, CommitOpts{State: state}); err != nil {
		t.Fatalf("CommitConsumer: %v", err)
	}

	got, err := ms.GetHandlerRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetHandlerRun: %v", err)
	}
	if got.Status != store.StatusCommitted || got.Phase != store.PhaseCommitted {
		t.Fatalf("run not committed: %+v", got)
	}

	ev, err := ms.GetEventsReservedBy(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetEventsReservedBy: %v", err)
	}
	if len(ev) != 0 {
		t.Fatalf("expected reservation transferred off on consume, got %+v", ev)
	}

	if err := e.FinishSession(ctx, sess.ID); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	sessions, err := ms.GetActiveSessions(ctx)
	if err != nil {
		t.Fatalf("GetActiveSessions: %v", err)
	}
	for _, s := range sessions {
		if s.ID == sess.ID {
			t.Fatalf("session should no longer be active")
		}
	}
}

// S2 — pre-mutation crash: updateHandlerRunStatus(crashed) on a
// preparing run releases its (unreserved) events and finalizes the
// session as failed.
func TestS2PreMutationCrash(t *testing.T) {
	ctx := context.Background()
	e, ms, wfID := newFixture(t)

	sess := &store.Session{WorkflowID: wfID}
	ms.StartSession(ctx, sess)
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhasePreparing, Status: store.StatusActive}
	ms.CreateHandlerRun(ctx, run)

	if err := e.UpdateHandlerRunStatus(ctx, run.ID, store.StatusCrashed, StatusOpts{}); err != nil {
		t.Fatalf("UpdateHandlerRunStatus: %v", err)
	}

	got, _ := ms.GetHandlerRun(ctx, run.ID)
	if got.Status != store.StatusCrashed {
		t.Fatalf("expected crashed, got %v", got.Status)
	}
	sessions, _ := ms.GetActiveSessions(ctx)
	for _, s := range sessions {
		if s.ID == sess.ID {
			t.Fatalf("session should be finalized")
		}
	}
}

// S3 — uncertain outcome resolved applied: mutation reaches mutated via
// ApplyMutation and workflow.error clears.
func TestS3ReconciliationApplied(t *testing.T) {
	ctx := context.Background()
	e, ms, wfID := newFixture(t)
	eventID := publishAndReserve(t, ms, wfID, "T")

	sess := &store.Session{WorkflowID: wfID}
	ms.StartSession(ctx, sess)
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhaseMutating, Status: store.StatusActive}
	ms.CreateHandlerRun(ctx, run)
	ms.ReserveEvents(ctx, run.ID, []store.Reservation{{Topic: "T", IDs: []string{eventID}}})

	m := &store.Mutation{HandlerRunID: run.ID, WorkflowID: wfID, Status: store.MutationNeedsReconcile}
	ms.CreateMutation(ctx, m)
	ms.UpdateWorkflowFields(ctx, wfID, map[string]interface{}{
		"pending_retry_run_id": run.ID,
		"error":                "Mutation outcome uncertain",
	})

	if err := e.ApplyMutation(ctx, m.ID, json.RawMessage(`{"messageId":"m-7"}`), ResolutionOpts{}); err != nil {
		t.Fatalf("ApplyMutation: %v", err)
	}

	gotRun, _ := ms.GetHandlerRun(ctx, run.ID)
	if gotRun.Phase != store.PhaseMutated || gotRun.Mutation != store.OutcomeSuccess {
		t.Fatalf("expected mutated/success, got %+v", gotRun)
	}
	wf, _ := ms.GetWorkflow(ctx, wfID)
	if wf.Error != "" {
		t.Fatalf("expected workflow.error cleared, got %q", wf.Error)
	}

	retry, err := e.CreateRetryRun(ctx, run.ID, sess.ID)
	if err != nil {
		t.Fatalf("CreateRetryRun: %v", err)
	}
	if retry.Phase != store.PhaseEmitting {
		t.Fatalf("expected retry at emitting, got %v", retry.Phase)
	}
	if err := e.CommitConsumer(ctx, retry.ID, CommitOpts{}); err != nil {
		t.Fatalf("CommitConsumer retry: %v", err)
	}
	ev, _ := ms.GetEventsReservedBy(ctx, retry.ID)
	if len(ev) != 0 {
		t.Fatalf("expected event consumed off retry's reservation")
	}
}

// S4 — uncertain outcome resolved failed: events release and workflow
// error/pending_retry clear.
func TestS4ReconciliationFailed(t *testing.T) {
	ctx := context.Background()
	e, ms, wfID := newFixture(t)
	eventID := publishAndReserve(t, ms, wfID, "T")

	sess := &store.Session{WorkflowID: wfID}
	ms.StartSession(ctx, sess)
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhaseMutating, Status: store.StatusActive}
	ms.CreateHandlerRun(ctx, run)
	ms.ReserveEvents(ctx, run.ID, []store.Reservation{{Topic: "T", IDs: []string{eventID}}})

	m := &store.Mutation{HandlerRunID: run.ID, WorkflowID: wfID, Status: store.MutationNeedsReconcile}
	ms.CreateMutation(ctx, m)
	ms.UpdateWorkflowFields(ctx, wfID, map[string]interface{}{
		"pending_retry_run_id": run.ID,
		"error":                "Mutation outcome uncertain",
	})

	if err := e.FailMutation(ctx, m.ID, "tool rejected", ResolutionOpts{}); err != nil {
		t.Fatalf("FailMutation: %v", err)
	}

	ev, _ := ms.GetEventsReservedBy(ctx, run.ID)
	if len(ev) != 0 {
		t.Fatalf("expected event released, still reserved by %s: %+v", run.ID, ev)
	}
	reserved, _ := ms.GetReservedEvents(ctx)
	for _, r := range reserved {
		if r.ID == eventID {
			t.Fatalf("expected event %s released to pending, still reserved by %s", eventID, r.ReservedByRunID)
		}
	}
	wf, _ := ms.GetWorkflow(ctx, wfID)
	if wf.Error != "" || wf.PendingRetryRunID != "" {
		t.Fatalf("expected workflow cleared, got %+v", wf)
	}
}

// An operator's assert-applied/assert-failed call records the
// user_assert_* resolvedBy distinctly from a reconciliation-driven one,
// and honors an operator-supplied observedAt rather than time.Now.
func TestAssertMutationAppliedAndFailed(t *testing.T) {
	ctx := context.Background()
	e, ms, wfID := newFixture(t)

	eventID := publishAndReserve(t, ms, wfID, "T")
	sess := &store.Session{WorkflowID: wfID}
	ms.StartSession(ctx, sess)
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhaseMutating, Status: store.StatusActive}
	ms.CreateHandlerRun(ctx, run)
	ms.ReserveEvents(ctx, run.ID, []store.Reservation{{Topic: "T", IDs: []string{eventID}}})

	m := &store.Mutation{HandlerRunID: run.ID, WorkflowID: wfID, Status: store.MutationIndeterminate}
	ms.CreateMutation(ctx, m)

	observedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := e.AssertMutationApplied(ctx, m.ID, json.RawMessage(`"ok"`), observedAt); err != nil {
		t.Fatalf("AssertMutationApplied: %v", err)
	}
	gotM, _ := ms.GetMutation(ctx, m.ID)
	if gotM.ResolvedBy != store.ResolvedByUserAssertApplied {
		t.Fatalf("resolved_by = %s, want user_assert_applied", gotM.ResolvedBy)
	}
	if gotM.ResolvedAt == nil || !gotM.ResolvedAt.Equal(observedAt) {
		t.Fatalf("resolved_at = %v, want %v", gotM.ResolvedAt, observedAt)
	}

	eventID2 := publishAndReserve(t, ms, wfID, "T")
	run2 := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhaseMutating, Status: store.StatusActive}
	ms.CreateHandlerRun(ctx, run2)
	ms.ReserveEvents(ctx, run2.ID, []store.Reservation{{Topic: "T", IDs: []string{eventID2}}})
	m2 := &store.Mutation{HandlerRunID: run2.ID, WorkflowID: wfID, Status: store.MutationIndeterminate}
	ms.CreateMutation(ctx, m2)

	if err := e.AssertMutationFailed(ctx, m2.ID, "confirmed not applied", observedAt); err != nil {
		t.Fatalf("AssertMutationFailed: %v", err)
	}
	gotM2, _ := ms.GetMutation(ctx, m2.ID)
	if gotM2.ResolvedBy != store.ResolvedByUserAssertFailed {
		t.Fatalf("resolved_by = %s, want user_assert_failed", gotM2.ResolvedBy)
	}
}

// S5 — logic error: maintenance flips on, events release, session
// finalizes failed; exitMaintenanceMode clears only maintenance.
func TestS5LogicError(t *testing.T) {
	ctx := context.Background()
	e, ms, wfID := newFixture(t)

	sess := &store.Session{WorkflowID: wfID}
	ms.StartSession(ctx, sess)
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhasePreparing, Status: store.StatusActive}
	ms.CreateHandlerRun(ctx, run)
	ms.UpdateWorkflowFields(ctx, wfID, map[string]interface{}{"pending_retry_run_id": "stale"})

	if err := e.UpdateHandlerRunStatus(ctx, run.ID, store.StatusFailedLogic, StatusOpts{Error: "TypeError: boom"}); err != nil {
		t.Fatalf("UpdateHandlerRunStatus: %v", err)
	}
	wf, _ := ms.GetWorkflow(ctx, wfID)
	if !wf.Maintenance || wf.Error != "" {
		t.Fatalf("expected maintenance set and workflow.error left untouched, got %+v", wf)
	}

	if err := e.ExitMaintenanceMode(ctx, wfID); err != nil {
		t.Fatalf("ExitMaintenanceMode: %v", err)
	}
	wf, _ = ms.GetWorkflow(ctx, wfID)
	if wf.Maintenance {
		t.Fatalf("expected maintenance cleared")
	}
	if wf.PendingRetryRunID != "stale" {
		t.Fatalf("exitMaintenanceMode must not touch pending_retry_run_id, got %q", wf.PendingRetryRunID)
	}
}

// S6 — post-mutation emit failure: events preserved, pending_retry set,
// retry run resumes at emitting and commits exactly once.
func TestS6PostMutationEmitFailure(t *testing.T) {
	ctx := context.Background()
	e, ms, wfID := newFixture(t)
	eventID := publishAndReserve(t, ms, wfID, "T")

	sess := &store.Session{WorkflowID: wfID}
	ms.StartSession(ctx, sess)
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhaseMutated, Status: store.StatusActive, Mutation: store.OutcomeSuccess}
	ms.CreateHandlerRun(ctx, run)
	ms.ReserveEvents(ctx, run.ID, []store.Reservation{{Topic: "T", IDs: []string{eventID}}})

	if err := e.UpdateHandlerRunStatus(ctx, run.ID, store.StatusFailedInternal, StatusOpts{Error: "emit timeout"}); err != nil {
		t.Fatalf("UpdateHandlerRunStatus: %v", err)
	}
	ev, _ := ms.GetEventsReservedBy(ctx, run.ID)
	if len(ev) != 1 || ev[0].Status != store.EventReserved {
		t.Fatalf("expected reservation preserved, got %+v", ev)
	}
	wf, _ := ms.GetWorkflow(ctx, wfID)
	if wf.PendingRetryRunID != run.ID {
		t.Fatalf("expected pending_retry_run_id set to failed run, got %q", wf.PendingRetryRunID)
	}

	retry, err := e.CreateRetryRun(ctx, run.ID, sess.ID)
	if err != nil {
		t.Fatalf("CreateRetryRun: %v", err)
	}
	if retry.Phase != store.PhaseEmitting {
		t.Fatalf("expected retry at emitting, got %v", retry.Phase)
	}
	if err := e.CommitConsumer(ctx, retry.ID, CommitOpts{}); err != nil {
		t.Fatalf("CommitConsumer: %v", err)
	}
	final, _ := ms.GetEventsReservedBy(ctx, run.ID)
	if len(final) != 0 {
		t.Fatalf("expected event moved off the failed run's reservation")
	}
}

// Boundary behaviors 9-12.
func TestBoundaryBehaviors(t *testing.T) {
	ctx := context.Background()

	t.Run("committed rejected on phase advance", func(t *testing.T) {
		e, ms, wfID := newFixture(t)
		sess := &store.Session{WorkflowID: wfID}
		ms.StartSession(ctx, sess)
		run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhaseEmitting, Status: store.StatusActive}
		ms.CreateHandlerRun(ctx, run)
		if err := e.UpdateConsumerPhase(ctx, run.ID, store.PhaseCommitted, PreparedOpts{}); err != ErrCommitViaPhaseAdvance {
			t.Fatalf("expected ErrCommitViaPhaseAdvance, got %v", err)
		}
	})

	t.Run("empty reservations rejected at mutating", func(t *testing.T) {
		e, ms, wfID := newFixture(t)
		sess := &store.Session{WorkflowID: wfID}
		ms.StartSession(ctx, sess)
		run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhasePrepared, Status: store.StatusActive}
		ms.CreateHandlerRun(ctx, run)
		if err := e.UpdateConsumerPhase(ctx, run.ID, store.PhaseMutating, PreparedOpts{}); err != ErrEmptyReservations {
			t.Fatalf("expected ErrEmptyReservations, got %v", err)
		}
	})

	t.Run("emitting rejected after failed mutation", func(t *testing.T) {
		e, ms, wfID := newFixture(t)
		sess := &store.Session{WorkflowID: wfID}
		ms.StartSession(ctx, sess)
		run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhaseMutated, Status: store.StatusActive, Mutation: store.OutcomeFailure}
		ms.CreateHandlerRun(ctx, run)
		if err := e.UpdateConsumerPhase(ctx, run.ID, store.PhaseEmitting, PreparedOpts{}); err != ErrMutationFailedEmit {
			t.Fatalf("expected ErrMutationFailedEmit, got %v", err)
		}
	})

	t.Run("retry rejected on pre-mutation run", func(t *testing.T) {
		e, ms, wfID := newFixture(t)
		sess := &store.Session{WorkflowID: wfID}
		ms.StartSession(ctx, sess)
		run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhasePrepared, Status: store.StatusActive}
		ms.CreateHandlerRun(ctx, run)
		if _, err := e.CreateRetryRun(ctx, run.ID, sess.ID); err != ErrPreMutationRetry {
			t.Fatalf("expected ErrPreMutationRetry, got %v", err)
		}
	})
}

// Round-trip/idempotence 6: a terminal mutation rejects further writes.
func TestTerminalMutationFrozen(t *testing.T) {
	ctx := context.Background()
	e, ms, wfID := newFixture(t)
	sess := &store.Session{WorkflowID: wfID}
	ms.StartSession(ctx, sess)
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhaseMutating, Status: store.StatusActive}
	ms.CreateHandlerRun(ctx, run)
	m := &store.Mutation{HandlerRunID: run.ID, WorkflowID: wfID, Status: store.MutationInFlight}
	ms.CreateMutation(ctx, m)

	if err := e.ApplyMutation(ctx, m.ID, json.RawMessage(`"ok"`), ResolutionOpts{}); err != nil {
		t.Fatalf("ApplyMutation: %v", err)
	}
	if err := e.ApplyMutation(ctx, m.ID, json.RawMessage(`"ok-again"`), ResolutionOpts{}); err != ErrMutationTerminal {
		t.Fatalf("expected ErrMutationTerminal, got %v", err)
	}
	if err := e.FailMutation(ctx, m.ID, "late", ResolutionOpts{}); err != ErrMutationTerminal {
		t.Fatalf("expected ErrMutationTerminal, got %v", err)
	}
}

// Round-trip/idempotence 7: republishing the same (topic, message_id) updates the
// existing event's payload in place rather than creating a second one.
func TestPublishEventDedup(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	e1 := &store.Event{TopicID: "T", MessageID: "dup", Payload: json.RawMessage(`1`)}
	if err := ms.PublishEvent(ctx, e1); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	e2 := &store.Event{TopicID: "T", MessageID: "dup", Payload: json.RawMessage(`2`)}
	if err := ms.PublishEvent(ctx, e2); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	if err := ms.ReserveEvents(ctx, "probe-run", []store.Reservation{{Topic: "T", IDs: []string{e1.ID}}}); err != nil {
		t.Fatalf("ReserveEvents: %v", err)
	}
	got, err := ms.GetEventsReservedBy(ctx, "probe-run")
	if err != nil {
		t.Fatalf("GetEventsReservedBy: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one event under id %s, got %d", e1.ID, len(got))
	}
	if string(got[0].Payload) != "2" {
		t.Fatalf("expected last-write payload 2, got %s", got[0].Payload)
	}
}
