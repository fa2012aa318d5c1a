package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflow definitions ---

// SaveWorkflow persists a workflow with its full trigger and action sets in
// one transaction. Callers are expected to have validated the definition
// first; this method only persists.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow, triggers []schema.Trigger, actions []schema.Action) error {
	constants, err := marshalMapOrDefault(wf.Constants)
	if err != nil {
		return fmt.Errorf("marshal constants: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, scope_kind, scope_entity_type, scope_entity_id, status, priority, max_concurrent, constants, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, scope_kind=excluded.scope_kind,
		   scope_entity_type=excluded.scope_entity_type, scope_entity_id=excluded.scope_entity_id,
		   status=excluded.status, priority=excluded.priority, max_concurrent=excluded.max_concurrent,
		   constants=excluded.constants, updated_at=CURRENT_TIMESTAMP`,
		wf.ID, wf.Name, string(wf.Scope.Kind), nullStr(wf.Scope.EntityType), nullStr(wf.Scope.EntityID),
		string(wf.Status), wf.Priority, wf.MaxConcurrent, string(constants), nullStr(wf.CreatedBy),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM triggers WHERE workflow_id = ?`, wf.ID); err != nil {
		return err
	}
	for i := range triggers {
		t := &triggers[i]
		cond, condErr := marshalCondition(t.Condition)
		if condErr != nil {
			return condErr
		}
		if t.Version == 0 {
			t.Version = 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO triggers (id, workflow_id, kind, event_type, condition, cron, version, next_fire_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, wf.ID, string(t.Kind), nullStr(t.EventType), cond, nullStr(t.Cron), t.Version, nullTime(t.NextFireAt),
		)
		if err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM actions WHERE workflow_id = ?`, wf.ID); err != nil {
		return err
	}
	for i := range actions {
		a := &actions[i]
		params, pErr := json.Marshal(a.Params)
		if pErr != nil {
			return fmt.Errorf("marshal action params: %w", pErr)
		}
		cond, condErr := marshalCondition(a.Condition)
		if condErr != nil {
			return condErr
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO actions (id, workflow_id, ord, kind, params, condition, continue_on_error, timeout)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, wf.ID, a.Order, string(a.Kind), string(params), cond, boolInt(a.ContinueOnError), nullStr(a.Timeout),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		scopeKind                      string
		scopeEntityType, scopeEntityID sql.NullString
		status, constantsJSON          string
		createdBy                      sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, scope_kind, scope_entity_type, scope_entity_id, status, priority, max_concurrent, constants, created_by, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &scopeKind, &scopeEntityType, &scopeEntityID, &status,
		&wf.Priority, &wf.MaxConcurrent, &constantsJSON, &createdBy, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Scope = schema.Scope{Kind: schema.ScopeKind(scopeKind), EntityType: scopeEntityType.String, EntityID: scopeEntityID.String}
	wf.Status = schema.WorkflowStatus(status)
	wf.CreatedBy = createdBy.String
	if constantsJSON != "" {
		_ = json.Unmarshal([]byte(constantsJSON), &wf.Constants)
	}
	return wf, nil
}

func (s *LibSQLStore) SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// GetPlan builds the executable snapshot of a workflow: its action list in
// order plus the workflow-level constants.
func (s *LibSQLStore) GetPlan(ctx context.Context, workflowID string) (*schema.Plan, error) {
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ord, kind, params, condition, continue_on_error, timeout
		 FROM actions WHERE workflow_id = ? ORDER BY ord ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plan := &schema.Plan{
		WorkflowID:    wf.ID,
		WorkflowName:  wf.Name,
		MaxConcurrent: wf.MaxConcurrent,
		Constants:     wf.Constants,
	}
	for rows.Next() {
		var (
			a          schema.Action
			kind       string
			paramsJSON sql.NullString
			condJSON   sql.NullString
			contOnErr  int
			timeout    sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Order, &kind, &paramsJSON, &condJSON, &contOnErr, &timeout); err != nil {
			return nil, err
		}
		a.WorkflowID = workflowID
		a.Kind = schema.ActionKind(kind)
		a.ContinueOnError = contOnErr != 0
		a.Timeout = timeout.String
		params, pErr := schema.DecodeParams(a.Kind, rawOrNil(paramsJSON))
		if pErr != nil {
			return nil, pErr
		}
		a.Params = params
		if a.Condition, err = unmarshalCondition(condJSON); err != nil {
			return nil, err
		}
		plan.Actions = append(plan.Actions, a)
	}
	return plan, rows.Err()
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*schema.Trigger, error) {
	t := &schema.Trigger{}
	var (
		kind            string
		eventType, cron sql.NullString
		condJSON        sql.NullString
		nextFire        sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, kind, event_type, condition, cron, version, next_fire_at
		 FROM triggers WHERE id = ?`, id,
	).Scan(&t.ID, &t.WorkflowID, &kind, &eventType, &condJSON, &cron, &t.Version, &nextFire)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger", id)
	}
	if err != nil {
		return nil, err
	}
	t.Kind = schema.TriggerKind(kind)
	t.EventType = eventType.String
	t.Cron = cron.String
	if nextFire.Valid {
		t.NextFireAt = &nextFire.Time
	}
	if t.Condition, err = unmarshalCondition(condJSON); err != nil {
		return nil, err
	}
	return t, nil
}

// ListEventTriggers returns the triggers matching the given event type
// whose owning workflow is active, ordered by workflow priority. Webhook
// triggers store the integration name and match the "webhook." prefixed
// event type the ingress surface emits for them.
func (s *LibSQLStore) ListEventTriggers(ctx context.Context, eventType string) ([]*schema.Trigger, error) {
	return s.listTriggers(ctx,
		`SELECT t.id, t.workflow_id, t.kind, t.event_type, t.condition, t.cron, t.version, t.next_fire_at
		 FROM triggers t JOIN workflows w ON w.id = t.workflow_id
		 WHERE ((t.kind = 'event' AND t.event_type = ?) OR (t.kind = 'webhook' AND 'webhook.' || t.event_type = ?))
		   AND w.status = 'active'
		 ORDER BY w.priority ASC, t.id ASC`, eventType, eventType)
}

// ListDueScheduleTriggers returns schedule triggers whose next fire time
// has passed and whose owning workflow is active.
func (s *LibSQLStore) ListDueScheduleTriggers(ctx context.Context, now time.Time) ([]*schema.Trigger, error) {
	return s.listTriggers(ctx,
		`SELECT t.id, t.workflow_id, t.kind, t.event_type, t.condition, t.cron, t.version, t.next_fire_at
		 FROM triggers t JOIN workflows w ON w.id = t.workflow_id
		 WHERE t.kind = 'schedule' AND t.next_fire_at IS NOT NULL AND t.next_fire_at <= ? AND w.status = 'active'
		 ORDER BY t.next_fire_at ASC`, now.UTC())
}

func (s *LibSQLStore) listTriggers(ctx context.Context, query string, args ...any) ([]*schema.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*schema.Trigger
	for rows.Next() {
		t := &schema.Trigger{}
		var (
			kind            string
			eventType, cron sql.NullString
			condJSON        sql.NullString
			nextFire        sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.WorkflowID, &kind, &eventType, &condJSON, &cron, &t.Version, &nextFire); err != nil {
			return nil, err
		}
		t.Kind = schema.TriggerKind(kind)
		t.EventType = eventType.String
		t.Cron = cron.String
		if nextFire.Valid {
			t.NextFireAt = &nextFire.Time
		}
		if t.Condition, err = unmarshalCondition(condJSON); err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) SetTriggerNextFire(ctx context.Context, triggerID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET next_fire_at = ? WHERE id = ?`, at.UTC(), triggerID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", triggerID)
}

// --- Executions ---

// CreateExecution inserts a new execution. A collision on idempotency_key
// maps to ErrCodeDuplicate so at-least-once event delivery yields
// at-most-one execution.
func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	plan, err := json.Marshal(exec.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	execCtx, err := marshalMapOrDefault(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, trigger_id, idempotency_key, plan, status, cursor, context, attempt_count, resume_at, depth, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, nullStr(exec.TriggerID), exec.IdempotencyKey, string(plan),
		string(exec.Status), exec.Cursor, string(execCtx), exec.AttemptCount, nullTime(exec.ResumeAt),
		exec.Depth, exec.Version, timeOrNow(exec.CreatedAt), timeOrNow(exec.UpdatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeDuplicate,
			"execution with idempotency key %q already exists", exec.IdempotencyKey).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return s.getExecution(ctx, s.db.QueryRowContext, id)
}

type rowQuerier func(ctx context.Context, query string, args ...any) *sql.Row

const executionColumns = `id, workflow_id, trigger_id, idempotency_key, plan, status, cursor, context,
	attempt_count, resume_at, cancel_requested, depth, lease_token, lease_expires_at, version,
	failure_reason, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) getExecution(ctx context.Context, queryRow rowQuerier, id string) (*Execution, error) {
	row := queryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanExecution(row scannable) (*Execution, error) {
	e := &Execution{}
	var (
		triggerID, leaseToken, failureReason sql.NullString
		planJSON, ctxJSON, status            string
		resumeAt, leaseExpires               sql.NullTime
		startedAt, completedAt               sql.NullTime
		cancelRequested                      int
	)
	err := row.Scan(&e.ID, &e.WorkflowID, &triggerID, &e.IdempotencyKey, &planJSON, &status,
		&e.Cursor, &ctxJSON, &e.AttemptCount, &resumeAt, &cancelRequested, &e.Depth,
		&leaseToken, &leaseExpires, &e.Version, &failureReason, &e.CreatedAt, &startedAt, &completedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.TriggerID = triggerID.String
	e.Status = schema.ExecutionStatus(status)
	e.CancelRequested = cancelRequested != 0
	e.LeaseToken = leaseToken.String
	e.FailureReason = failureReason.String
	if err := json.Unmarshal([]byte(planJSON), &e.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if resumeAt.Valid {
		e.ResumeAt = &resumeAt.Time
	}
	if leaseExpires.Valid {
		e.LeaseExpiresAt = &leaseExpires.Time
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *filter.Until)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// ClaimExecutions leases up to limit ready executions for the given
// worker. Ready means pending, or waiting with resume_at due, or running
// with an expired lease (crashed worker reclamation). Each claim is a
// conditional update guarded by the version column, and per-workflow
// max_concurrent is enforced against the count of live running rows.
func (s *LibSQLStore) ClaimExecutions(ctx context.Context, workerID string, limit int, leaseTTL time.Duration, now time.Time) ([]*Execution, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowUTC := now.UTC()
	leaseExpiry := nowUTC.Add(leaseTTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Live running counts per workflow (expired leases do not count; those
	// rows are themselves reclaimable).
	running := map[string]int{}
	countRows, err := tx.QueryContext(ctx,
		`SELECT workflow_id, COUNT(*) FROM executions
		 WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at > ?
		 GROUP BY workflow_id`, nowUTC)
	if err != nil {
		return nil, err
	}
	for countRows.Next() {
		var wfID string
		var n int
		if err := countRows.Scan(&wfID, &n); err != nil {
			countRows.Close()
			return nil, err
		}
		running[wfID] = n
	}
	countRows.Close()
	if err := countRows.Err(); err != nil {
		return nil, err
	}

	type candidate struct {
		id            string
		workflowID    string
		version       int64
		maxConcurrent int
	}
	var candidates []candidate
	candRows, err := tx.QueryContext(ctx,
		`SELECT e.id, e.workflow_id, e.version, w.max_concurrent
		 FROM executions e JOIN workflows w ON w.id = e.workflow_id
		 WHERE (
		     e.status = 'pending'
		     OR (e.status IN ('waiting_delay', 'waiting_retry') AND e.resume_at <= ?)
		     OR (e.status = 'running' AND e.lease_expires_at IS NOT NULL AND e.lease_expires_at <= ?)
		 )
		 AND (e.lease_expires_at IS NULL OR e.lease_expires_at <= ?)
		 ORDER BY w.priority ASC, e.created_at ASC
		 LIMIT ?`, nowUTC, nowUTC, nowUTC, limit*4)
	if err != nil {
		return nil, err
	}
	for candRows.Next() {
		var c candidate
		if err := candRows.Scan(&c.id, &c.workflowID, &c.version, &c.maxConcurrent); err != nil {
			candRows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	candRows.Close()
	if err := candRows.Err(); err != nil {
		return nil, err
	}

	var claimedIDs []string
	for _, c := range candidates {
		if len(claimedIDs) >= limit {
			break
		}
		if c.maxConcurrent > 0 && running[c.workflowID] >= c.maxConcurrent {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = 'running', lease_token = ?, lease_expires_at = ?,
			     resume_at = NULL, started_at = COALESCE(started_at, ?), version = version + 1, updated_at = ?
			 WHERE id = ? AND version = ?`,
			workerID, leaseExpiry, nowUTC, nowUTC, c.id, c.version)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimedIDs = append(claimedIDs, c.id)
			running[c.workflowID]++
		}
	}

	var claimed []*Execution
	for _, id := range claimedIDs {
		e, err := s.getExecution(ctx, tx.QueryRowContext, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateExecution applies the update iff the stored version matches the
// expected one; a mismatch means another worker won the row and yields
// ErrCodeConflict.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, expectedVersion int64, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Cursor != nil {
		sets = append(sets, "cursor = ?")
		args = append(args, *update.Cursor)
	}
	if update.Context != nil {
		ctxJSON, err := marshalMapOrDefault(update.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(ctxJSON))
	}
	if update.AttemptCount != nil {
		sets = append(sets, "attempt_count = ?")
		args = append(args, *update.AttemptCount)
	}
	if update.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, update.ResumeAt.UTC())
	} else if update.ClearResumeAt {
		sets = append(sets, "resume_at = NULL")
	}
	if update.ReleaseLease {
		sets = append(sets, "lease_token = NULL", "lease_expires_at = NULL")
	}
	if update.FailureReason != nil {
		sets = append(sets, "failure_reason = ?")
		args = append(args, *update.FailureReason)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version = version + 1", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id, expectedVersion)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND version = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if scanErr := s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, id).Scan(&exists); scanErr == sql.ErrNoRows {
			return storeNotFound("execution", id)
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q version mismatch (expected %d)", id, expectedVersion)
	}
	return nil
}

// RequestCancel sets the cooperative cancel flag. Executions not currently
// held by a worker (pending or waiting) are cancelled immediately; a
// running execution is cancelled by its coordinator between steps.
func (s *LibSQLStore) RequestCancel(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET cancel_requested = 1, version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if scanErr := tx.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, id).Scan(&exists); scanErr == sql.ErrNoRows {
			return storeNotFound("execution", id)
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %q is already terminal", id)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET status = 'cancelled', resume_at = NULL, lease_token = NULL,
		     lease_expires_at = NULL, completed_at = CURRENT_TIMESTAMP, version = version + 1,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN ('pending', 'waiting_delay', 'waiting_retry')`, id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// --- Audit log ---

func (s *LibSQLStore) AppendActionResult(ctx context.Context, result *ActionResult) error {
	output, err := marshalMapOrDefault(result.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO action_results (execution_id, step_index, attempt, outcome, error_code, error_message, output, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ExecutionID, result.StepIndex, result.Attempt, string(result.Outcome),
		nullStr(result.ErrorCode), nullStr(result.ErrorMessage), string(output),
		result.DurationMs, timeOrNow(result.StartedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeDuplicate,
				"action result for execution %q step %d attempt %d already recorded",
				result.ExecutionID, result.StepIndex, result.Attempt).WithCause(err)
		}
		return err
	}
	result.ID, _ = res.LastInsertId()
	return nil
}

func (s *LibSQLStore) ListActionResults(ctx context.Context, executionID string) ([]*ActionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_index, attempt, outcome, error_code, error_message, output, duration_ms, started_at
		 FROM action_results WHERE execution_id = ? ORDER BY step_index ASC, attempt ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*ActionResult
	for rows.Next() {
		r := &ActionResult{}
		var (
			outcome                 string
			errCode, errMsg, output sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.StepIndex, &r.Attempt, &outcome,
			&errCode, &errMsg, &output, &r.DurationMs, &r.StartedAt); err != nil {
			return nil, err
		}
		r.Outcome = schema.Outcome(outcome)
		r.ErrorCode = errCode.String
		r.ErrorMessage = errMsg.String
		if output.Valid && output.String != "" {
			_ = json.Unmarshal([]byte(output.String), &r.Output)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.RatchetError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalCondition(c *schema.Condition) (any, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal condition: %w", err)
	}
	return string(b), nil
}

func unmarshalCondition(ns sql.NullString) (*schema.Condition, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	c := &schema.Condition{}
	if err := json.Unmarshal([]byte(ns.String), c); err != nil {
		return nil, fmt.Errorf("unmarshal condition: %w", err)
	}
	return c, nil
}
