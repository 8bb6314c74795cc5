package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/autoflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/autoflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
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

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

// SaveWorkflow inserts or replaces a workflow definition keyed by its id.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition requires an id")
	}
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, definition, step_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, definition=excluded.definition,
		   step_count=excluded.step_count, updated_at=excluded.updated_at`,
		def.ID, nullStr(def.Name), string(body), len(def.Steps), now, now,
	)
	return wrapStoreErr(err, "save workflow %q", def.ID)
}

// GetWorkflow returns the stored definition or a NOT_FOUND error.
func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM workflows WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get workflow %q", id)
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(body), def); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %q: %w", id, err)
	}
	return def, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	query := `SELECT id, name, step_count, created_at, updated_at FROM workflows`
	var args []any
	if filter.NamePrefix != "" {
		query += ` WHERE name LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(filter.NamePrefix)+"%")
	}
	query += " ORDER BY id"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list workflows")
	}
	defer rows.Close()

	var out []*WorkflowRecord
	for rows.Next() {
		r := &WorkflowRecord{}
		var name sql.NullString
		if err := rows.Scan(&r.ID, &name, &r.StepCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Name = name.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return wrapStoreErr(err, "delete workflow %q", id)
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

// RecordExecution upserts the execution row and replaces its step results in
// one transaction, so recording the same result twice leaves one record.
func (s *LibSQLStore) RecordExecution(ctx context.Context, r *schema.ExecutionResult) error {
	if r == nil || r.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution result requires an execution id")
	}
	output, err := nullableMap(r.Output)
	if err != nil {
		return fmt.Errorf("marshal execution output: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreErr(err, "begin record execution")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, user_id, status, success, error, output, duration_ms, step_count, failed_count, test_run, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, success=excluded.success, error=excluded.error,
		   output=excluded.output, duration_ms=excluded.duration_ms,
		   step_count=excluded.step_count, failed_count=excluded.failed_count,
		   completed_at=excluded.completed_at`,
		r.ExecutionID, r.WorkflowID, nullStr(r.UserID), string(r.Status()), r.Success,
		nullStr(r.Error), output, r.Duration, len(r.Steps), len(r.FailedSteps()), r.TestRun,
		timeOrNow(r.StartedAt), timeOrNow(r.CompletedAt),
	)
	if err != nil {
		return wrapStoreErr(err, "record execution %q", r.ExecutionID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_results WHERE execution_id = ?`, r.ExecutionID); err != nil {
		return wrapStoreErr(err, "clear step results %q", r.ExecutionID)
	}
	for i, sr := range r.Steps {
		out, err := nullableMap(sr.Output)
		if err != nil {
			return fmt.Errorf("marshal step %q output: %w", sr.StepID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_results (execution_id, position, step_id, type, success, error, duration_ms, attempts, output)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ExecutionID, i, sr.StepID, string(sr.Type), sr.Success, nullStr(sr.Error), sr.DurationMs, sr.Attempts, out,
		); err != nil {
			return wrapStoreErr(err, "record step result %q", sr.StepID)
		}
	}
	return wrapStoreErr(tx.Commit(), "commit execution %q", r.ExecutionID)
}

// GetExecution returns the full result including step results in order.
func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionResult, error) {
	r := &schema.ExecutionResult{}
	var userID, errMsg, output sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, user_id, success, error, output, duration_ms, test_run, started_at, completed_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&r.ExecutionID, &r.WorkflowID, &userID, &r.Success, &errMsg, &output, &r.Duration, &r.TestRun, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get execution %q", id)
	}
	r.UserID = userID.String
	r.Error = errMsg.String
	if r.Output, err = mapOrNil(output); err != nil {
		return nil, fmt.Errorf("unmarshal execution output: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, type, success, error, duration_ms, attempts, output
		 FROM step_results WHERE execution_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, wrapStoreErr(err, "list step results %q", id)
	}
	defer rows.Close()

	r.Steps = []schema.StepResult{}
	for rows.Next() {
		var sr schema.StepResult
		var typ string
		var stepErr, stepOut sql.NullString
		if err := rows.Scan(&sr.StepID, &typ, &sr.Success, &stepErr, &sr.DurationMs, &sr.Attempts, &stepOut); err != nil {
			return nil, err
		}
		sr.Type = schema.StepType(typ)
		sr.Error = stepErr.String
		if sr.Output, err = mapOrNil(stepOut); err != nil {
			return nil, fmt.Errorf("unmarshal step %q output: %w", sr.StepID, err)
		}
		r.Steps = append(r.Steps, sr)
	}
	return r, rows.Err()
}

// ListExecutions returns summaries, newest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionSummary, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TestRun != nil {
		where = append(where, "test_run = ?")
		args = append(args, *filter.TestRun)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, user_id, status, success, error, duration_ms, step_count, failed_count, test_run, started_at, completed_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list executions")
	}
	defer rows.Close()

	var out []*ExecutionSummary
	for rows.Next() {
		e := &ExecutionSummary{}
		var userID, errMsg sql.NullString
		var status string
		if err := rows.Scan(&e.ExecutionID, &e.WorkflowID, &userID, &status, &e.Success, &errMsg,
			&e.DurationMs, &e.StepCount, &e.FailedCount, &e.TestRun, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		e.Error = errMsg.String
		e.Status = schema.ExecutionStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Scheduled Triggers ---

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, t *ScheduledTrigger) error {
	data, err := nullableMap(t.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, workflow_id, cron_expression, trigger_data, user_id, enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.CronExpression, data, t.UserID, t.Enabled,
		nullTime(t.LastRunAt), nullTime(t.NextRunAt), nullStr(t.LastRunStatus), nullStr(t.LastExecutionID),
		timeOrNow(t.CreatedAt),
	)
	return wrapStoreErr(err, "create scheduled trigger %q", t.ID)
}

const scheduledTriggerColumns = `id, workflow_id, cron_expression, trigger_data, user_id, enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledTrigger(row rowScanner) (*ScheduledTrigger, error) {
	t := &ScheduledTrigger{}
	var data, status, execID sql.NullString
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&t.ID, &t.WorkflowID, &t.CronExpression, &data, &t.UserID, &t.Enabled,
		&lastRun, &nextRun, &status, &execID, &t.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.TriggerData, err = mapOrNil(data); err != nil {
		return nil, fmt.Errorf("unmarshal trigger data: %w", err)
	}
	if lastRun.Valid {
		t.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		t.NextRunAt = &nextRun.Time
	}
	t.LastRunStatus = status.String
	t.LastExecutionID = execID.String
	return t, nil
}

func (s *LibSQLStore) GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	t, err := scanScheduledTrigger(s.db.QueryRowContext(ctx,
		`SELECT `+scheduledTriggerColumns+` FROM scheduled_triggers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled trigger", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get scheduled trigger %q", id)
	}
	return t, nil
}

func (s *LibSQLStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastExecutionID != "" {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, update.LastExecutionID)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_triggers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return wrapStoreErr(err, "update scheduled trigger %q", id)
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

func (s *LibSQLStore) ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT ` + scheduledTriggerColumns + ` FROM scheduled_triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list scheduled triggers")
	}
	defer rows.Close()

	var out []*ScheduledTrigger
	for rows.Next() {
		t, err := scanScheduledTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return wrapStoreErr(err, "delete scheduled trigger %q", id)
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.AutoflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// wrapStoreErr tags driver errors with STORE_ERROR. nil stays nil.
func wrapStoreErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, format+": %s", append(args, err.Error())...).WithCause(err)
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

func limitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	if offset > 0 {
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func mapOrNil(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

var _ Store = (*LibSQLStore)(nil)
