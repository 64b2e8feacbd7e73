package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against connString and pings it once.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("store: parse connection string: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// pgxTx adapts a pgx.Tx to the Tx interface. Every EMM method's body runs
// against exactly one of these, opened by RunTx, so its statements are
// atomic and its reads observe its own prior writes (pgx transactions are
// read-committed-within-tx by default, and Postgres repeatable-read or
// stronger satisfies §5's isolation requirement).
type pgxTx struct {
	tx pgx.Tx
}

// RunTx opens one transaction, runs body, and commits on success or rolls
// back on error / panic.
func (s *PostgresStore) RunTx(ctx context.Context, body func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err = body(ctx, &pgxTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("store: body failed (%w), rollback also failed: %v", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// --- HandlerRun ---

func (p *pgxTx) GetHandlerRun(ctx context.Context, id string) (*HandlerRun, error) {
	const q = `
		SELECT id, session_id, workflow_id, handler_name, handler_type, phase, status,
		       mutation_outcome, prepare_result, input_state, output_state,
		       retry_of, error, error_type, start_ts, end_ts, cost
		FROM handler_runs WHERE id = $1`
	var r HandlerRun
	var phase int
	var retryOf, errType *string
	err := p.tx.QueryRow(ctx, q, id).Scan(
		&r.ID, &r.SessionID, &r.WorkflowID, &r.HandlerName, &r.HandlerType, &phase, &r.Status,
		&r.Mutation, &r.PrepareResult, &r.InputState, &r.OutputState,
		&retryOf, &r.Error, &errType, &r.StartTS, &r.EndTS, &r.Cost,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get handler run: %w", err)
	}
	r.Phase = Phase(phase)
	if retryOf != nil {
		r.RetryOf = *retryOf
	}
	if errType != nil {
		r.ErrorType = *errType
	}
	return &r, nil
}

func (p *pgxTx) CreateHandlerRun(ctx context.Context, run *HandlerRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartTS.IsZero() {
		run.StartTS = time.Now()
	}
	const q = `
		INSERT INTO handler_runs
			(id, session_id, workflow_id, handler_name, handler_type, phase, status,
			 mutation_outcome, prepare_result, input_state, output_state, retry_of,
			 error, error_type, start_ts, cost)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := p.tx.Exec(ctx, q,
		run.ID, run.SessionID, run.WorkflowID, run.HandlerName, run.HandlerType, int(run.Phase), run.Status,
		run.Mutation, run.PrepareResult, run.InputState, run.OutputState, nullableString(run.RetryOf),
		run.Error, nullableString(run.ErrorType), run.StartTS, run.Cost,
	)
	if err != nil {
		return fmt.Errorf("store: create handler run: %w", err)
	}
	return nil
}

func (p *pgxTx) UpdateHandlerRun(ctx context.Context, id string, fields map[string]interface{}) error {
	set, args, err := buildSet(fields, 2)
	if err != nil {
		return err
	}
	if set == "" {
		return nil
	}
	q := fmt.Sprintf(`UPDATE handler_runs SET %s WHERE id = $1`, set)
	tag, err := p.tx.Exec(ctx, q, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("store: update handler run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgxTx) UpdateHandlerRunPhase(ctx context.Context, id string, phase Phase) error {
	const q = `UPDATE handler_runs SET phase = $2 WHERE id = $1`
	tag, err := p.tx.Exec(ctx, q, id, int(phase))
	if err != nil {
		return fmt.Errorf("store: update handler run phase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgxTx) GetHandlerRunsBySession(ctx context.Context, sessionID string) ([]*HandlerRun, error) {
	const q = `SELECT id FROM handler_runs WHERE session_id = $1`
	rows, err := p.tx.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list handler runs by session: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var out []*HandlerRun
	for _, id := range ids {
		r, err := p.GetHandlerRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *pgxTx) GetIncompleteHandlerRuns(ctx context.Context) ([]*HandlerRun, error) {
	const q = `SELECT id FROM handler_runs WHERE status = $1`
	rows, err := p.tx.Query(ctx, q, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("store: list incomplete handler runs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var out []*HandlerRun
	for _, id := range ids {
		r, err := p.GetHandlerRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// --- Mutation ---

func (p *pgxTx) GetMutation(ctx context.Context, id string) (*Mutation, error) {
	const q = `
		SELECT id, handler_run_id, workflow_id, tool_namespace, tool_method, params,
		       idempotency_key, status, result, error, reconcile_attempts,
		       last_reconcile_at, next_reconcile_at, resolved_by, resolved_at
		FROM mutations WHERE id = $1`
	var m Mutation
	err := p.tx.QueryRow(ctx, q, id).Scan(
		&m.ID, &m.HandlerRunID, &m.WorkflowID, &m.ToolNamespace, &m.ToolMethod, &m.Params,
		&m.IdempotencyKey, &m.Status, &m.Result, &m.Error, &m.ReconcileAttempts,
		&m.LastReconcileAt, &m.NextReconcileAt, &m.ResolvedBy, &m.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get mutation: %w", err)
	}
	return &m, nil
}

func (p *pgxTx) GetMutationByRunID(ctx context.Context, runID string) (*Mutation, error) {
	const q = `SELECT id FROM mutations WHERE handler_run_id = $1`
	var id string
	err := p.tx.QueryRow(ctx, q, runID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get mutation by run: %w", err)
	}
	return p.GetMutation(ctx, id)
}

func (p *pgxTx) CreateMutation(ctx context.Context, m *Mutation) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO mutations
			(id, handler_run_id, workflow_id, tool_namespace, tool_method, params,
			 idempotency_key, status, reconcile_attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0)`
	_, err := p.tx.Exec(ctx, q,
		m.ID, m.HandlerRunID, m.WorkflowID, m.ToolNamespace, m.ToolMethod, m.Params,
		m.IdempotencyKey, m.Status,
	)
	if err != nil {
		// handler_run_id UNIQUE violation surfaces inv. 2 ("at most one
		// mutation per handler run") as a store-level constraint error.
		return fmt.Errorf("store: create mutation: %w", err)
	}
	return nil
}

func (p *pgxTx) UpdateMutation(ctx context.Context, id string, fields map[string]interface{}) error {
	set, args, err := buildSet(fields, 2)
	if err != nil {
		return err
	}
	if set == "" {
		return nil
	}
	q := fmt.Sprintf(`UPDATE mutations SET %s WHERE id = $1`, set)
	tag, err := p.tx.Exec(ctx, q, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("store: update mutation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Events ---

func (p *pgxTx) PublishEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = EventPending
	}
	causedBy, _ := json.Marshal(e.CausedBy)
	const q = `
		INSERT INTO events (id, topic_id, workflow_id, message_id, status, created_by_run_id, caused_by, payload, attempt_number)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1)
		ON CONFLICT (topic_id, message_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			attempt_number = events.attempt_number + 1`
	_, err := p.tx.Exec(ctx, q, e.ID, e.TopicID, e.WorkflowID, e.MessageID, e.Status, nullableString(e.CreatedByRunID), causedBy, e.Payload)
	if err != nil {
		return fmt.Errorf("store: publish event: %w", err)
	}
	return nil
}

func (p *pgxTx) ReserveEvents(ctx context.Context, runID string, reservations []Reservation) error {
	for _, res := range reservations {
		if len(res.IDs) == 0 {
			continue
		}
		const q = `UPDATE events SET status = $1, reserved_by_run_id = $2 WHERE id = ANY($3) AND topic_id = $4`
		tag, err := p.tx.Exec(ctx, q, EventReserved, runID, res.IDs, res.Topic)
		if err != nil {
			return fmt.Errorf("store: reserve events: %w", err)
		}
		if int(tag.RowsAffected()) != len(res.IDs) {
			return fmt.Errorf("store: reserve events: expected %d rows, affected %d", len(res.IDs), tag.RowsAffected())
		}
	}
	return nil
}

func (p *pgxTx) ReleaseEvents(ctx context.Context, runID string) error {
	const q = `UPDATE events SET status = $1, reserved_by_run_id = '' WHERE reserved_by_run_id = $2 AND status = $3`
	_, err := p.tx.Exec(ctx, q, EventPending, runID, EventReserved)
	if err != nil {
		return fmt.Errorf("store: release events: %w", err)
	}
	return nil
}

func (p *pgxTx) ConsumeEvents(ctx context.Context, runID string) error {
	const q = `UPDATE events SET status = $1 WHERE reserved_by_run_id = $2 AND status = $3`
	_, err := p.tx.Exec(ctx, q, EventConsumed, runID, EventReserved)
	if err != nil {
		return fmt.Errorf("store: consume events: %w", err)
	}
	return nil
}

func (p *pgxTx) TransferReservations(ctx context.Context, fromRunID, toRunID string) error {
	const q = `UPDATE events SET reserved_by_run_id = $1 WHERE reserved_by_run_id = $2 AND status = $3`
	_, err := p.tx.Exec(ctx, q, toRunID, fromRunID, EventReserved)
	if err != nil {
		return fmt.Errorf("store: transfer reservations: %w", err)
	}
	return nil
}

func (p *pgxTx) GetEventsReservedBy(ctx context.Context, runID string) ([]*Event, error) {
	const q = `SELECT id, topic_id, workflow_id, message_id, status, reserved_by_run_id, created_by_run_id, payload, attempt_number FROM events WHERE reserved_by_run_id = $1 AND status = $2`
	rows, err := p.tx.Query(ctx, q, runID, EventReserved)
	if err != nil {
		return nil, fmt.Errorf("store: get reserved events: %w", err)
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TopicID, &e.WorkflowID, &e.MessageID, &e.Status, &e.ReservedByRunID, &e.CreatedByRunID, &e.Payload, &e.AttemptNumber); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}

// GetReservedEvents returns every reserved event regardless of the
// status of the run holding it, so the orphaned-reservation diagnostic
// (§4.4 step 4) can catch a reservation surviving under a non-active run
// — a case GetEventsReservedBy/GetIncompleteHandlerRuns cannot see since
// both are scoped to a single run or to active runs respectively.
func (p *pgxTx) GetReservedEvents(ctx context.Context) ([]*Event, error) {
	const q = `SELECT id, topic_id, workflow_id, message_id, status, reserved_by_run_id, created_by_run_id, payload, attempt_number FROM events WHERE status = $1`
	rows, err := p.tx.Query(ctx, q, EventReserved)
	if err != nil {
		return nil, fmt.Errorf("store: get reserved events: %w", err)
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TopicID, &e.WorkflowID, &e.MessageID, &e.Status, &e.ReservedByRunID, &e.CreatedByRunID, &e.Payload, &e.AttemptNumber); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}

// --- Handler state ---

func (p *pgxTx) SetHandlerState(ctx context.Context, workflowID, handlerName string, runID string, state []byte) error {
	const q = `
		INSERT INTO handler_state (workflow_id, handler_name, run_id, state, updated_at)
		VALUES ($1,$2,$3,$4, NOW())
		ON CONFLICT (workflow_id, handler_name) DO UPDATE SET
			run_id = EXCLUDED.run_id, state = EXCLUDED.state, updated_at = NOW()`
	_, err := p.tx.Exec(ctx, q, workflowID, handlerName, runID, state)
	if err != nil {
		return fmt.Errorf("store: set handler state: %w", err)
	}
	return nil
}

func (p *pgxTx) UpdateHandlerWakeAt(ctx context.Context, workflowID, handlerName string, wakeAt time.Time) error {
	const q = `
		INSERT INTO handler_state (workflow_id, handler_name, wake_at, updated_at)
		VALUES ($1,$2,$3, NOW())
		ON CONFLICT (workflow_id, handler_name) DO UPDATE SET
			wake_at = EXCLUDED.wake_at, updated_at = NOW()`
	_, err := p.tx.Exec(ctx, q, workflowID, handlerName, wakeAt)
	if err != nil {
		return fmt.Errorf("store: update handler wake_at: %w", err)
	}
	return nil
}

// --- Workflow ---

var workflowWritableFields = map[string]bool{
	"error": true, "maintenance": true, "pending_retry_run_id": true,
}

func (p *pgxTx) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	const q = `SELECT id, status, error, maintenance, pending_retry_run_id FROM workflows WHERE id = $1`
	var w Workflow
	err := p.tx.QueryRow(ctx, q, id).Scan(&w.ID, &w.Status, &w.Error, &w.Maintenance, &w.PendingRetryRunID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get workflow: %w", err)
	}
	return &w, nil
}

func (p *pgxTx) UpdateWorkflowFields(ctx context.Context, id string, fields map[string]interface{}) error {
	for k := range fields {
		if !workflowWritableFields[k] {
			return fmt.Errorf("store: refusing to write workflow field %q (user-owned or unknown)", k)
		}
	}
	set, args, err := buildSet(fields, 2)
	if err != nil {
		return err
	}
	if set == "" {
		return nil
	}
	q := fmt.Sprintf(`UPDATE workflows SET %s WHERE id = $1`, set)
	tag, err := p.tx.Exec(ctx, q, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("store: update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgxTx) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	const q = `SELECT id, status, error, maintenance, pending_retry_run_id FROM workflows`
	rows, err := p.tx.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list workflows: %w", err)
	}
	defer rows.Close()
	var out []*Workflow
	for rows.Next() {
		var w Workflow
		if err := rows.Scan(&w.ID, &w.Status, &w.Error, &w.Maintenance, &w.PendingRetryRunID); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, nil
}

// --- Sessions ---

func (p *pgxTx) StartSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartTS.IsZero() {
		sess.StartTS = time.Now()
	}
	const q = `INSERT INTO sessions (id, workflow_id, start_ts) VALUES ($1,$2,$3)`
	_, err := p.tx.Exec(ctx, q, sess.ID, sess.WorkflowID, sess.StartTS)
	if err != nil {
		return fmt.Errorf("store: start session: %w", err)
	}
	return nil
}

func (p *pgxTx) FinishSession(ctx context.Context, sessionID string, disposition SessionDisposition, cost float64) error {
	const q = `UPDATE sessions SET end_ts = NOW(), disposition = $2, cost = $3 WHERE id = $1`
	tag, err := p.tx.Exec(ctx, q, sessionID, disposition, cost)
	if err != nil {
		return fmt.Errorf("store: finish session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgxTx) GetActiveSessions(ctx context.Context) ([]*Session, error) {
	const q = `SELECT id, workflow_id, start_ts, handler_count FROM sessions WHERE end_ts IS NULL`
	rows, err := p.tx.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: get active sessions: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.StartTS, &s.HandlerCount); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, nil
}

func (p *pgxTx) IncrementHandlerCount(ctx context.Context, sessionID string) error {
	const q = `UPDATE sessions SET handler_count = handler_count + 1 WHERE id = $1`
	tag, err := p.tx.Exec(ctx, q, sessionID)
	if err != nil {
		return fmt.Errorf("store: increment handler count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Reconciliation ---

func (p *pgxTx) GetDueForReconciliation(ctx context.Context, now time.Time) ([]*Mutation, error) {
	const q = `
		SELECT id FROM mutations
		WHERE status = $1 AND next_reconcile_at <= $2`
	rows, err := p.tx.Query(ctx, q, MutationNeedsReconcile, now)
	if err != nil {
		return nil, fmt.Errorf("store: get due for reconciliation: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var out []*Mutation
	for _, id := range ids {
		m, err := p.GetMutation(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *pgxTx) ScheduleNextReconcile(ctx context.Context, mutationID string, attempts int, next time.Time) error {
	const q = `UPDATE mutations SET reconcile_attempts = $2, last_reconcile_at = NOW(), next_reconcile_at = $3 WHERE id = $1`
	tag, err := p.tx.Exec(ctx, q, mutationID, attempts, next)
	if err != nil {
		return fmt.Errorf("store: schedule next reconcile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// buildSet turns a fields map into a "col = $n, col2 = $n+1" clause plus
// its positional args, starting numbering at startAt (so callers can
// reserve $1 for a WHERE id).
func buildSet(fields map[string]interface{}, startAt int) (string, []interface{}, error) {
	if len(fields) == 0 {
		return "", nil, nil
	}
	set := ""
	args := make([]interface{}, 0, len(fields))
	i := startAt
	for k, v := range fields {
		if !isKnownColumn(k) {
			return "", nil, fmt.Errorf("store: unknown column %q", k)
		}
		if set != "" {
			set += ", "
		}
		set += fmt.Sprintf("%s = $%d", k, i)
		args = append(args, v)
		i++
	}
	return set, args, nil
}

var knownColumns = map[string]bool{
	"status": true, "phase": true, "mutation_outcome": true, "error": true,
	"error_type": true, "end_ts": true, "prepare_result": true, "input_state": true,
	"output_state": true, "cost": true, "retry_of": true,
	"result": true, "resolved_by": true, "resolved_at": true,
	"reconcile_attempts": true, "last_reconcile_at": true, "next_reconcile_at": true,
	"maintenance": true, "pending_retry_run_id": true,
}

func isKnownColumn(k string) bool { return knownColumns[k] }
