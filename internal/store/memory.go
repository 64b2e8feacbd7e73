package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by unit tests and local
// development. It implements RunTx with a single global mutex: since
// everything lives in one process, "one transaction" is simply "hold the
// lock for the duration of body."
type MemoryStore struct {
	mu sync.Mutex

	runs      map[string]*HandlerRun
	mutations map[string]*Mutation // keyed by mutation id
	byRun     map[string]string    // handler_run_id -> mutation id
	events    map[string]*Event
	byTopic   map[string]string // topic_id + "\x00" + message_id -> event id
	workflows map[string]*Workflow
	sessions  map[string]*Session

	handlerState map[string][]byte // workflow_id + "\x00" + handler_name -> state
	wakeAt       map[string]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:         make(map[string]*HandlerRun),
		mutations:    make(map[string]*Mutation),
		byRun:        make(map[string]string),
		events:       make(map[string]*Event),
		byTopic:      make(map[string]string),
		workflows:    make(map[string]*Workflow),
		sessions:     make(map[string]*Session),
		handlerState: make(map[string][]byte),
		wakeAt:       make(map[string]time.Time),
	}
}

func (s *MemoryStore) Close() {}

// RunTx holds the store's single mutex for the duration of body. body
// receives the store itself as the Tx, so every call it makes observes
// every prior write it made (read-your-writes within one call).
func (s *MemoryStore) RunTx(ctx context.Context, body func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return body(ctx, s)
}

// SeedWorkflow registers a workflow row for tests without going through a
// transaction (workflows are created by the surrounding system, not EMM).
func (s *MemoryStore) SeedWorkflow(w *Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workflows[w.ID] = &cp
}

func topicKey(topicID, messageID string) string {
	return topicID + "\x00" + messageID
}

func handlerStateKey(workflowID, handlerName string) string {
	return workflowID + "\x00" + handlerName
}

// --- HandlerRun ---

func (s *MemoryStore) GetHandlerRun(ctx context.Context, id string) (*HandlerRun, error) {
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) CreateHandlerRun(ctx context.Context, run *HandlerRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartTS.IsZero() {
		run.StartTS = time.Now()
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateHandlerRun(ctx context.Context, id string, fields map[string]interface{}) error {
	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		if err := applyRunField(r, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) UpdateHandlerRunPhase(ctx context.Context, id string, phase Phase) error {
	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Phase = phase
	return nil
}

func (s *MemoryStore) GetHandlerRunsBySession(ctx context.Context, sessionID string) ([]*HandlerRun, error) {
	var out []*HandlerRun
	for _, r := range s.runs {
		if r.SessionID == sessionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetIncompleteHandlerRuns(ctx context.Context) ([]*HandlerRun, error) {
	var out []*HandlerRun
	for _, r := range s.runs {
		if r.Status == StatusActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func applyRunField(r *HandlerRun, key string, v interface{}) error {
	switch key {
	case "status":
		r.Status = v.(RunStatus)
	case "phase":
		r.Phase = v.(Phase)
	case "mutation_outcome":
		r.Mutation = v.(MutationOutcome)
	case "error":
		r.Error = v.(string)
	case "error_type":
		r.ErrorType = v.(string)
	case "end_ts":
		t := v.(time.Time)
		r.EndTS = &t
	case "prepare_result":
		r.PrepareResult = v.([]byte)
	case "input_state":
		r.InputState = v.([]byte)
	case "output_state":
		r.OutputState = v.([]byte)
	case "cost":
		r.Cost = v.(float64)
	case "retry_of":
		r.RetryOf = v.(string)
	default:
		return fmt.Errorf("store: unknown handler_run field %q", key)
	}
	return nil
}

// --- Mutation ---

func (s *MemoryStore) GetMutation(ctx context.Context, id string) (*Mutation, error) {
	m, ok := s.mutations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMutationByRunID(ctx context.Context, runID string) (*Mutation, error) {
	id, ok := s.byRun[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetMutation(ctx, id)
}

func (s *MemoryStore) CreateMutation(ctx context.Context, m *Mutation) error {
	if _, exists := s.byRun[m.HandlerRunID]; exists {
		return fmt.Errorf("store: handler_run_id %s already has a mutation", m.HandlerRunID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	cp := *m
	s.mutations[m.ID] = &cp
	s.byRun[m.HandlerRunID] = m.ID
	return nil
}

func (s *MemoryStore) UpdateMutation(ctx context.Context, id string, fields map[string]interface{}) error {
	m, ok := s.mutations[id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		if err := applyMutationField(m, k, v); err != nil {
			return err
		}
	}
	return nil
}

func applyMutationField(m *Mutation, key string, v interface{}) error {
	switch key {
	case "status":
		m.Status = v.(MutationStatus)
	case "result":
		m.Result = v.([]byte)
	case "error":
		m.Error = v.(string)
	case "resolved_by":
		m.ResolvedBy = v.(ResolvedBy)
	case "resolved_at":
		t := v.(time.Time)
		m.ResolvedAt = &t
	case "reconcile_attempts":
		m.ReconcileAttempts = v.(int)
	case "last_reconcile_at":
		t := v.(time.Time)
		m.LastReconcileAt = &t
	case "next_reconcile_at":
		t := v.(time.Time)
		m.NextReconcileAt = &t
	default:
		return fmt.Errorf("store: unknown mutation field %q", key)
	}
	return nil
}

// --- Events ---

func (s *MemoryStore) PublishEvent(ctx context.Context, e *Event) error {
	key := topicKey(e.TopicID, e.MessageID)
	if existingID, ok := s.byTopic[key]; ok {
		// Last-write-wins on payload; identity is preserved.
		existing := s.events[existingID]
		existing.Payload = e.Payload
		existing.AttemptNumber++
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = EventPending
	}
	cp := *e
	s.events[e.ID] = &cp
	s.byTopic[key] = e.ID
	return nil
}

func (s *MemoryStore) ReserveEvents(ctx context.Context, runID string, reservations []Reservation) error {
	for _, res := range reservations {
		for _, id := range res.IDs {
			e, ok := s.events[id]
			if !ok {
				return fmt.Errorf("store: event %s not found", id)
			}
			e.Status = EventReserved
			e.ReservedByRunID = runID
		}
	}
	return nil
}

func (s *MemoryStore) ReleaseEvents(ctx context.Context, runID string) error {
	for _, e := range s.events {
		if e.ReservedByRunID == runID && e.Status == EventReserved {
			e.Status = EventPending
			e.ReservedByRunID = ""
		}
	}
	return nil
}

func (s *MemoryStore) ConsumeEvents(ctx context.Context, runID string) error {
	for _, e := range s.events {
		if e.ReservedByRunID == runID && e.Status == EventReserved {
			e.Status = EventConsumed
		}
	}
	return nil
}

func (s *MemoryStore) TransferReservations(ctx context.Context, fromRunID, toRunID string) error {
	for _, e := range s.events {
		if e.ReservedByRunID == fromRunID && e.Status == EventReserved {
			e.ReservedByRunID = toRunID
		}
	}
	return nil
}

func (s *MemoryStore) GetEventsReservedBy(ctx context.Context, runID string) ([]*Event, error) {
	var out []*Event
	for _, e := range s.events {
		if e.ReservedByRunID == runID && e.Status == EventReserved {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetReservedEvents returns every event currently in the reserved state,
// regardless of the status of the run holding the reservation. Unlike
// GetEventsReservedBy/GetIncompleteHandlerRuns (both scoped to a single
// run or to active runs), this is the query the orphaned-reservation
// diagnostic needs: a reservation surviving under a crashed, failed, or
// otherwise non-active run is exactly the bug it exists to catch.
func (s *MemoryStore) GetReservedEvents(ctx context.Context) ([]*Event, error) {
	var out []*Event
	for _, e := range s.events {
		if e.Status == EventReserved {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Handler state ---

func (s *MemoryStore) SetHandlerState(ctx context.Context, workflowID, handlerName string, runID string, state []byte) error {
	s.handlerState[handlerStateKey(workflowID, handlerName)] = state
	return nil
}

func (s *MemoryStore) UpdateHandlerWakeAt(ctx context.Context, workflowID, handlerName string, wakeAt time.Time) error {
	s.wakeAt[handlerStateKey(workflowID, handlerName)] = wakeAt
	return nil
}

// --- Workflow ---

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) UpdateWorkflowFields(ctx context.Context, id string, fields map[string]interface{}) error {
	w, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case "error":
			w.Error = v.(string)
		case "maintenance":
			w.Maintenance = v.(bool)
		case "pending_retry_run_id":
			w.PendingRetryRunID = v.(string)
		default:
			return fmt.Errorf("store: refusing to write workflow field %q (user-owned or unknown)", k)
		}
	}
	return nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	var out []*Workflow
	for _, w := range s.workflows {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

// --- Sessions ---

func (s *MemoryStore) StartSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartTS.IsZero() {
		sess.StartTS = time.Now()
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) FinishSession(ctx context.Context, sessionID string, disposition SessionDisposition, cost float64) error {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	sess.EndTS = &now
	sess.Disposition = disposition
	sess.Cost = cost
	return nil
}

func (s *MemoryStore) GetActiveSessions(ctx context.Context) ([]*Session, error) {
	var out []*Session
	for _, sess := range s.sessions {
		if sess.EndTS == nil {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) IncrementHandlerCount(ctx context.Context, sessionID string) error {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.HandlerCount++
	return nil
}

// --- Reconciliation ---

func (s *MemoryStore) GetDueForReconciliation(ctx context.Context, now time.Time) ([]*Mutation, error) {
	var out []*Mutation
	for _, m := range s.mutations {
		if m.Status == MutationNeedsReconcile && m.NextReconcileAt != nil && !m.NextReconcileAt.After(now) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ScheduleNextReconcile(ctx context.Context, mutationID string, attempts int, next time.Time) error {
	m, ok := s.mutations[mutationID]
	if !ok {
		return ErrNotFound
	}
	m.ReconcileAttempts = attempts
	now := time.Now()
	m.LastReconcileAt = &now
	m.NextReconcileAt = &next
	return nil
}
