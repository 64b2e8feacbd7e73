package recovery

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/nostrband/keepai-exec/internal/emm"
	"github.com/nostrband/keepai-exec/internal/store"
)

func newFixture(t *testing.T) (*Recovery, *store.MemoryStore, string) {
	t.Helper()
	ms := store.NewMemoryStore()
	wfID := uuid.NewString()
	ms.SeedWorkflow(&store.Workflow{ID: wfID, Status: "running"})
	return New(ms, emm.New(ms)), ms, wfID
}

// S2 — pre-mutation crash: a run parked at preparing when the process
// died is classified crashed, its reservation released, and the session
// finalized failed.
func TestRecoverCrashedRunsPreMutation(t *testing.T) {
	ctx := context.Background()
	r, ms, wfID := newFixture(t)

	ev := &store.Event{TopicID: "T", WorkflowID: wfID, MessageID: "m-1", Payload: json.RawMessage(`{}`)}
	if err := ms.PublishEvent(ctx, ev); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	sess := &store.Session{WorkflowID: wfID}
	if err := ms.StartSession(ctx, sess); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhasePreparing, Status: store.StatusActive}
	if err := ms.CreateHandlerRun(ctx, run); err != nil {
		t.Fatalf("CreateHandlerRun: %v", err)
	}
	if err := ms.ReserveEvents(ctx, run.ID, []store.Reservation{{Topic: "T", IDs: []string{ev.ID}}}); err != nil {
		t.Fatalf("ReserveEvents: %v", err)
	}

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := ms.GetHandlerRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetHandlerRun: %v", err)
	}
	if got.Status != store.StatusCrashed {
		t.Fatalf("status = %s, want crashed", got.Status)
	}

	gotEv, err := ms.GetEventsReservedBy(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetEventsReservedBy: %v", err)
	}
	if len(gotEv) != 0 {
		t.Fatalf("expected event released, still reserved by %s", run.ID)
	}

	gotSess, err := ms.GetActiveSessions(ctx)
	if err != nil {
		t.Fatalf("GetActiveSessions: %v", err)
	}
	for _, s := range gotSess {
		if s.ID == sess.ID {
			t.Fatalf("session %s still active after recovery", sess.ID)
		}
	}
}

// S3's crash-time half: a run stuck in mutating with an in_flight
// mutation survives as paused:reconciliation, not crashed, so the
// reconciliation engine can pick it up.
func TestRecoverCrashedRunsUncertainMutation(t *testing.T) {
	ctx := context.Background()
	r, ms, wfID := newFixture(t)

	sess := &store.Session{WorkflowID: wfID}
	if err := ms.StartSession(ctx, sess); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhaseMutating, Status: store.StatusActive}
	if err := ms.CreateHandlerRun(ctx, run); err != nil {
		t.Fatalf("CreateHandlerRun: %v", err)
	}
	m := &store.Mutation{HandlerRunID: run.ID, WorkflowID: wfID, ToolNamespace: "ns", ToolMethod: "send", Status: store.MutationInFlight}
	if err := ms.CreateMutation(ctx, m); err != nil {
		t.Fatalf("CreateMutation: %v", err)
	}

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := ms.GetHandlerRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetHandlerRun: %v", err)
	}
	if got.Status != store.StatusPausedReconciliation {
		t.Fatalf("status = %s, want paused:reconciliation", got.Status)
	}

	wf, err := ms.GetWorkflow(ctx, wfID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if wf.Error != "Mutation outcome uncertain" {
		t.Fatalf("workflow.error = %q, want %q", wf.Error, "Mutation outcome uncertain")
	}
}

// A session whose only run committed before the crash, but whose own
// FinishSession call never landed, is completed by recovery without
// reprocessing the run itself.
func TestRecoverUnfinishedSessionAllCommitted(t *testing.T) {
	ctx := context.Background()
	r, ms, wfID := newFixture(t)

	sess := &store.Session{WorkflowID: wfID}
	if err := ms.StartSession(ctx, sess); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeProducer, Phase: store.PhaseCommitted, Status: store.StatusCommitted}
	if err := ms.CreateHandlerRun(ctx, run); err != nil {
		t.Fatalf("CreateHandlerRun: %v", err)
	}

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sessions, err := ms.GetActiveSessions(ctx)
	if err != nil {
		t.Fatalf("GetActiveSessions: %v", err)
	}
	for _, s := range sessions {
		if s.ID == sess.ID {
			t.Fatalf("session %s still active after recovery", sess.ID)
		}
	}
}

// Recovery is idempotent: a second run over the same (now-settled) state
// changes nothing further.
func TestRecoveryIdempotent(t *testing.T) {
	ctx := context.Background()
	r, ms, wfID := newFixture(t)

	sess := &store.Session{WorkflowID: wfID}
	if err := ms.StartSession(ctx, sess); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhasePreparing, Status: store.StatusActive}
	if err := ms.CreateHandlerRun(ctx, run); err != nil {
		t.Fatalf("CreateHandlerRun: %v", err)
	}

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	first, err := ms.GetHandlerRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetHandlerRun: %v", err)
	}

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	second, err := ms.GetHandlerRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetHandlerRun: %v", err)
	}
	if first.Status != second.Status || first.Phase != second.Phase {
		t.Fatalf("recovery not idempotent: %+v vs %+v", first, second)
	}
}

// The orphaned-reservation diagnostic logs loudly but never releases a
// reservation it finds suspicious.
func TestDiagnoseOrphanedReservationsDoesNotRelease(t *testing.T) {
	ctx := context.Background()
	r, ms, wfID := newFixture(t)

	ev := &store.Event{TopicID: "T", WorkflowID: wfID, MessageID: "m-1", Payload: json.RawMessage(`{}`)}
	if err := ms.PublishEvent(ctx, ev); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	sess := &store.Session{WorkflowID: wfID}
	if err := ms.StartSession(ctx, sess); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	run := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhaseMutated, Status: store.StatusFailedInternal}
	if err := ms.CreateHandlerRun(ctx, run); err != nil {
		t.Fatalf("CreateHandlerRun: %v", err)
	}
	if err := ms.ReserveEvents(ctx, run.ID, []store.Reservation{{Topic: "T", IDs: []string{ev.ID}}}); err != nil {
		t.Fatalf("ReserveEvents: %v", err)
	}
	// Simulate the bug this diagnostic exists to catch: a reservation
	// survives under a terminal, non-pending-retry run.

	orphans, err := r.findOrphanedReservations(ctx)
	if err != nil {
		t.Fatalf("findOrphanedReservations: %v", err)
	}
	if len(orphans) != 1 {
		t.Fatalf("expected 1 orphan, got %d", len(orphans))
	}

	if err := r.Janitor(ctx); err != nil {
		t.Fatalf("Janitor: %v", err)
	}

	gotEv, err := ms.GetEventsReservedBy(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetEventsReservedBy: %v", err)
	}
	if len(gotEv) != 1 {
		t.Fatalf("janitor must not auto-release: reserved count = %d, want 1", len(gotEv))
	}
}

// A reservation held by a genuinely active run, or by the subject of a
// pending retry, is not an orphan.
func TestFindOrphanedReservationsIgnoresActiveAndPendingRetry(t *testing.T) {
	ctx := context.Background()
	r, ms, wfID := newFixture(t)

	activeEv := &store.Event{TopicID: "T", WorkflowID: wfID, MessageID: "m-1", Payload: json.RawMessage(`{}`)}
	if err := ms.PublishEvent(ctx, activeEv); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	sess := &store.Session{WorkflowID: wfID}
	if err := ms.StartSession(ctx, sess); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	activeRun := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhasePreparing, Status: store.StatusActive}
	if err := ms.CreateHandlerRun(ctx, activeRun); err != nil {
		t.Fatalf("CreateHandlerRun: %v", err)
	}
	if err := ms.ReserveEvents(ctx, activeRun.ID, []store.Reservation{{Topic: "T", IDs: []string{activeEv.ID}}}); err != nil {
		t.Fatalf("ReserveEvents: %v", err)
	}

	retryEv := &store.Event{TopicID: "T", WorkflowID: wfID, MessageID: "m-2", Payload: json.RawMessage(`{}`)}
	if err := ms.PublishEvent(ctx, retryEv); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	retryRun := &store.HandlerRun{SessionID: sess.ID, WorkflowID: wfID, HandlerName: "h", HandlerType: store.HandlerTypeConsumer, Phase: store.PhaseMutated, Status: store.StatusFailedInternal}
	if err := ms.CreateHandlerRun(ctx, retryRun); err != nil {
		t.Fatalf("CreateHandlerRun: %v", err)
	}
	if err := ms.ReserveEvents(ctx, retryRun.ID, []store.Reservation{{Topic: "T", IDs: []string{retryEv.ID}}}); err != nil {
		t.Fatalf("ReserveEvents: %v", err)
	}
	wf, err := ms.GetWorkflow(ctx, wfID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	wf.PendingRetryRunID = retryRun.ID
	ms.SeedWorkflow(wf)

	orphans, err := r.findOrphanedReservations(ctx)
	if err != nil {
		t.Fatalf("findOrphanedReservations: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected 0 orphans, got %d: %+v", len(orphans), orphans)
	}
}
