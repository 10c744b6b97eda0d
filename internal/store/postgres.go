package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
)

// uniqueViolationCode is the Postgres SQLSTATE for a unique-constraint breach.
const uniqueViolationCode = "23505"

// PostgresStore implements Store against a PostgreSQL database.
type PostgresStore struct {
	db *sqlx.DB
}

// Open connects to dsn using the pgx stdlib driver and wraps it with sqlx.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an already-open sqlx.DB, used by tests with go-sqlmock.
func NewWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers that need to run
// migrations (internal/store/migrations.go's Migrate) against the same
// connection pool.
func (s *PostgresStore) DB() *sql.DB { return s.db.DB }

func translatePgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: %s", ErrUniqueConflict, pgErr.ConstraintName)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w", ErrNotFound)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func marshalParams(params map[string]any) ([]byte, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

func unmarshalParams(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertDefinitions inserts or updates workflow/task definitions. On
// conflict, `active` is deliberately left out of the SET clause so the
// persisted value survives the upsert unchanged.
func (s *PostgresStore) UpsertDefinitions(ctx context.Context, workflows []*model.Workflow, tasks []*model.Task) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return translatePgError(err)
	}
	defer tx.Rollback()

	const workflowUpsert = `
INSERT INTO workflows (name, active, title, description, schedule, default_priority, start_date, end_date, concurrency, sla_seconds)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (name) DO UPDATE SET
  title = EXCLUDED.title,
  description = EXCLUDED.description,
  schedule = EXCLUDED.schedule,
  default_priority = EXCLUDED.default_priority,
  start_date = EXCLUDED.start_date,
  end_date = EXCLUDED.end_date,
  concurrency = EXCLUDED.concurrency,
  sla_seconds = EXCLUDED.sla_seconds`

	for _, w := range workflows {
		var slaSeconds *int64
		if w.SLA != nil {
			secs := int64(w.SLA.Seconds())
			slaSeconds = &secs
		}
		if _, err := tx.ExecContext(ctx, workflowUpsert, w.Name, w.Active, w.Title, w.Description, w.Schedule,
			string(w.DefaultPriority), w.StartDate, w.EndDate, w.Concurrency, slaSeconds); err != nil {
			return translatePgError(err)
		}
	}

	const taskUpsert = `
INSERT INTO tasks (name, workflow_name, active, schedule, default_priority, retries, timeout_seconds, retry_delay_seconds, params, params_schema, push_destination)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (name) DO UPDATE SET
  workflow_name = EXCLUDED.workflow_name,
  schedule = EXCLUDED.schedule,
  default_priority = EXCLUDED.default_priority,
  retries = EXCLUDED.retries,
  timeout_seconds = EXCLUDED.timeout_seconds,
  retry_delay_seconds = EXCLUDED.retry_delay_seconds,
  params = EXCLUDED.params,
  params_schema = EXCLUDED.params_schema,
  push_destination = EXCLUDED.push_destination`

	for _, t := range tasks {
		paramsJSON, err := marshalParams(t.Params)
		if err != nil {
			return fmt.Errorf("marshal params for task %q: %w", t.Name, err)
		}
		var workflowName *string
		if t.WorkflowName != "" {
			workflowName = &t.WorkflowName
		}
		if _, err := tx.ExecContext(ctx, taskUpsert, t.Name, workflowName, t.Active, t.Schedule,
			string(t.DefaultPriority), t.Retries, int(t.Timeout.Seconds()), int(t.RetryDelay.Seconds()),
			paramsJSON, t.ParamsSchema, nullableString(t.PushDestination)); err != nil {
			return translatePgError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return translatePgError(err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type workflowInstanceRow struct {
	ID           int64          `db:"id"`
	WorkflowName string         `db:"workflow_name"`
	Scheduled    bool           `db:"scheduled"`
	RunAt        time.Time      `db:"run_at"`
	StartedAt    sql.NullTime   `db:"started_at"`
	EndedAt      sql.NullTime   `db:"ended_at"`
	Status       string         `db:"status"`
	Priority     string         `db:"priority"`
	UniqueKey    sql.NullString `db:"unique_key"`
	Params       []byte         `db:"params"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r workflowInstanceRow) toModel() (*model.WorkflowInstance, error) {
	params, err := unmarshalParams(r.Params)
	if err != nil {
		return nil, err
	}
	wi := &model.WorkflowInstance{
		ID:           r.ID,
		WorkflowName: r.WorkflowName,
		Scheduled:    r.Scheduled,
		RunAt:        r.RunAt,
		Status:       model.Status(r.Status),
		Priority:     model.Priority(r.Priority),
		Unique:       r.UniqueKey.String,
		Params:       params,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.StartedAt.Valid {
		wi.StartedAt = &r.StartedAt.Time
	}
	if r.EndedAt.Valid {
		wi.EndedAt = &r.EndedAt.Time
	}
	return wi, nil
}

type taskInstanceRow struct {
	ID                 int64          `db:"id"`
	TaskName           string         `db:"task_name"`
	WorkflowInstanceID sql.NullInt64  `db:"workflow_instance_id"`
	Scheduled          bool           `db:"scheduled"`
	RunAt              time.Time      `db:"run_at"`
	StartedAt          sql.NullTime   `db:"started_at"`
	EndedAt            sql.NullTime   `db:"ended_at"`
	LockedAt           sql.NullTime   `db:"locked_at"`
	WorkerID           sql.NullString `db:"worker_id"`
	Status             string         `db:"status"`
	Priority           string         `db:"priority"`
	UniqueKey          sql.NullString `db:"unique_key"`
	Params             []byte         `db:"params"`
	Push               bool           `db:"push"`
	PushState          []byte         `db:"push_state"`
	Attempts           int            `db:"attempts"`
	MaxAttempts        int            `db:"max_attempts"`
	TimeoutSeconds     int            `db:"timeout_seconds"`
	RetryDelaySeconds  int            `db:"retry_delay_seconds"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r taskInstanceRow) toModel() (*model.TaskInstance, error) {
	params, err := unmarshalParams(r.Params)
	if err != nil {
		return nil, err
	}
	pushState, err := unmarshalParams(r.PushState)
	if err != nil {
		return nil, err
	}
	ti := &model.TaskInstance{
		ID:                r.ID,
		TaskName:          r.TaskName,
		Scheduled:         r.Scheduled,
		RunAt:             r.RunAt,
		Status:            model.Status(r.Status),
		Priority:          model.Priority(r.Priority),
		Unique:            r.UniqueKey.String,
		Params:            params,
		Push:              r.Push,
		PushState:         pushState,
		Attempts:          r.Attempts,
		MaxAttempts:       r.MaxAttempts,
		Timeout:           time.Duration(r.TimeoutSeconds) * time.Second,
		RetryDelay:        time.Duration(r.RetryDelaySeconds) * time.Second,
		WorkerID:          r.WorkerID.String,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.WorkflowInstanceID.Valid {
		id := r.WorkflowInstanceID.Int64
		ti.WorkflowInstanceID = &id
	}
	if r.StartedAt.Valid {
		ti.StartedAt = &r.StartedAt.Time
	}
	if r.EndedAt.Valid {
		ti.EndedAt = &r.EndedAt.Time
	}
	if r.LockedAt.Valid {
		ti.LockedAt = &r.LockedAt.Time
	}
	return ti, nil
}

func (s *PostgresStore) InsertWorkflowInstance(ctx context.Context, wi *model.WorkflowInstance) error {
	paramsJSON, err := marshalParams(wi.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	const q = `
INSERT INTO workflow_instances (workflow_name, scheduled, run_at, status, priority, unique_key, params)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at, updated_at`
	row := s.db.QueryRowxContext(ctx, q, wi.WorkflowName, wi.Scheduled, wi.RunAt, string(wi.Status),
		string(wi.Priority), nullableString(wi.Unique), paramsJSON)
	if err := row.Scan(&wi.ID, &wi.CreatedAt, &wi.UpdatedAt); err != nil {
		return translatePgError(err)
	}
	return nil
}

func (s *PostgresStore) InsertTaskInstance(ctx context.Context, ti *model.TaskInstance) error {
	paramsJSON, err := marshalParams(ti.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	const q = `
INSERT INTO task_instances (task_name, workflow_instance_id, scheduled, run_at, status, priority, unique_key, params, push, attempts, max_attempts, timeout_seconds, retry_delay_seconds)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12)
RETURNING id, created_at, updated_at`
	row := s.db.QueryRowxContext(ctx, q, ti.TaskName, ti.WorkflowInstanceID, ti.Scheduled, ti.RunAt,
		string(ti.Status), string(ti.Priority), nullableString(ti.Unique), paramsJSON, ti.Push,
		ti.MaxAttempts, int(ti.Timeout.Seconds()), int(ti.RetryDelay.Seconds()))
	if err := row.Scan(&ti.ID, &ti.CreatedAt, &ti.UpdatedAt); err != nil {
		return translatePgError(err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflowInstance(ctx context.Context, id int64) (*model.WorkflowInstance, error) {
	var row workflowInstanceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM workflow_instances WHERE id = $1`, id)
	if err != nil {
		return nil, translatePgError(err)
	}
	return row.toModel()
}

func (s *PostgresStore) GetTaskInstance(ctx context.Context, id int64) (*model.TaskInstance, error) {
	var row taskInstanceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM task_instances WHERE id = $1`, id)
	if err != nil {
		return nil, translatePgError(err)
	}
	return row.toModel()
}

func (s *PostgresStore) LatestWorkflowInstance(ctx context.Context, workflowName string) (*model.WorkflowInstance, error) {
	var row workflowInstanceRow
	const q = `SELECT * FROM workflow_instances WHERE workflow_name = $1 AND scheduled = true ORDER BY run_at DESC LIMIT 1`
	if err := s.db.GetContext(ctx, &row, q, workflowName); err != nil {
		return nil, translatePgError(err)
	}
	return row.toModel()
}

func (s *PostgresStore) LatestTaskInstance(ctx context.Context, taskName string) (*model.TaskInstance, error) {
	var row taskInstanceRow
	const q = `SELECT * FROM task_instances WHERE task_name = $1 AND scheduled = true ORDER BY run_at DESC LIMIT 1`
	if err := s.db.GetContext(ctx, &row, q, taskName); err != nil {
		return nil, translatePgError(err)
	}
	return row.toModel()
}

func (s *PostgresStore) ListAdvanceableWorkflowInstances(ctx context.Context, now time.Time) ([]*model.WorkflowInstance, error) {
	const q = `SELECT * FROM workflow_instances WHERE status = 'running' OR (status = 'queued' AND run_at <= $1) ORDER BY run_at ASC`
	rows, err := s.db.QueryxContext(ctx, q, now)
	if err != nil {
		return nil, translatePgError(err)
	}
	defer rows.Close()

	var out []*model.WorkflowInstance
	for rows.Next() {
		var row workflowInstanceRow
		if err := rows.StructScan(&row); err != nil {
			return nil, translatePgError(err)
		}
		wi, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CompleteTaskInstance(ctx context.Context, id int64, outcome model.Status, now time.Time) error {
	const q = `UPDATE task_instances SET status = $1, ended_at = $2, updated_at = $2 WHERE id = $3`
	res, err := s.db.ExecContext(ctx, q, string(outcome), now, id)
	return checkUpdated(res, err)
}

func (s *PostgresStore) CompleteWorkflowInstance(ctx context.Context, id int64, outcome model.Status, now time.Time) error {
	const q = `UPDATE workflow_instances SET status = $1, ended_at = $2, updated_at = $2 WHERE id = $3`
	res, err := s.db.ExecContext(ctx, q, string(outcome), now, id)
	return checkUpdated(res, err)
}

func (s *PostgresStore) StartWorkflowInstance(ctx context.Context, id int64, now time.Time) error {
	const q = `UPDATE workflow_instances SET status = 'running', started_at = COALESCE(started_at, $1), updated_at = $1 WHERE id = $2`
	res, err := s.db.ExecContext(ctx, q, now, id)
	return checkUpdated(res, err)
}

func checkUpdated(res sql.Result, err error) error {
	if err != nil {
		return translatePgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translatePgError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail transitions a task instance to retry while attempts remain, otherwise
// to a terminal failed. The optional notifyRetry hook fires only on the retry
// outcome, after commit.
func (s *PostgresStore) Fail(ctx context.Context, taskInstanceID int64, now time.Time, notifyRetry func(*model.TaskInstance)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return translatePgError(err)
	}
	defer tx.Rollback()

	var row taskInstanceRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM task_instances WHERE id = $1 FOR UPDATE`, taskInstanceID); err != nil {
		return translatePgError(err)
	}

	var nextStatus model.Status
	if row.Attempts < row.MaxAttempts {
		nextStatus = model.StatusRetry
		if _, err := tx.ExecContext(ctx, `UPDATE task_instances SET status = $1, locked_at = $2, updated_at = $2 WHERE id = $3`,
			string(nextStatus), now, taskInstanceID); err != nil {
			return translatePgError(err)
		}
	} else {
		nextStatus = model.StatusFailed
		if _, err := tx.ExecContext(ctx, `UPDATE task_instances SET status = $1, ended_at = $2, updated_at = $2 WHERE id = $3`,
			string(nextStatus), now, taskInstanceID); err != nil {
			return translatePgError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return translatePgError(err)
	}

	if nextStatus == model.StatusRetry && notifyRetry != nil {
		ti, convErr := row.toModel()
		if convErr == nil {
			ti.Status = model.StatusRetry
			notifyRetry(ti)
		}
	}
	return nil
}

// Pull is a single transactional statement: select eligible rows (queued,
// stealable running, or elapsed retry), order by
// priority then run_at, lock skipping already-locked rows, and atomically
// mark them running.
func (s *PostgresStore) Pull(ctx context.Context, p PullParams) ([]*model.TaskInstance, error) {
	if p.MaxTasks <= 0 {
		p.MaxTasks = 1
	}

	var b strings.Builder
	args := []any{p.Now}
	b.WriteString(`
WITH candidate AS (
  SELECT id FROM task_instances
  WHERE run_at <= $1
    AND attempts < max_attempts
    AND (
      status = 'queued'
      OR (status = 'running' AND $1 > locked_at + (timeout_seconds * interval '1 second'))
      OR (status = 'retry' AND $1 > locked_at + (retry_delay_seconds * interval '1 second'))
    )`)

	if len(p.TaskNames) > 0 {
		args = append(args, pq.Array(p.TaskNames))
		fmt.Fprintf(&b, " AND task_name = ANY($%d)", len(args))
	}
	if p.PushOnly {
		b.WriteString(" AND push = true")
	} else {
		b.WriteString(" AND push = false")
	}

	args = append(args, p.MaxTasks)
	fmt.Fprintf(&b, `
  ORDER BY
    CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3 ELSE 4 END,
    run_at ASC, id ASC
  LIMIT $%d
  FOR UPDATE SKIP LOCKED
)
UPDATE task_instances t
SET status = 'running',
    worker_id = $%d,
    locked_at = $1,
    started_at = COALESCE(t.started_at, $1),
    attempts = t.attempts + 1,
    updated_at = $1
FROM candidate c
WHERE t.id = c.id
RETURNING t.*`, len(args), len(args)+1)
	args = append(args, p.WorkerID)

	rows, err := s.db.QueryxContext(ctx, b.String(), args...)
	if err != nil {
		return nil, translatePgError(err)
	}
	defer rows.Close()

	var out []*model.TaskInstance
	for rows.Next() {
		var row taskInstanceRow
		if err := rows.StructScan(&row); err != nil {
			return nil, translatePgError(err)
		}
		ti, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// FailTimedOut bulk-fails running/retry rows whose timeout has elapsed and
// whose attempts are exhausted.
func (s *PostgresStore) FailTimedOut(ctx context.Context, now time.Time) (int64, error) {
	const q = `
UPDATE task_instances
SET status = 'failed', ended_at = $1, updated_at = $1
WHERE status IN ('running', 'retry')
  AND $1 > locked_at + (timeout_seconds * interval '1 second')
  AND attempts >= max_attempts`
	res, err := s.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, translatePgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, translatePgError(err)
	}
	return n, nil
}

func (s *PostgresStore) QueryTaskInstances(ctx context.Context, filter TaskInstanceFilter) ([]*model.TaskInstance, error) {
	var b strings.Builder
	args := []any{}
	b.WriteString(`SELECT * FROM task_instances WHERE 1=1`)
	if filter.Push != nil {
		args = append(args, *filter.Push)
		fmt.Fprintf(&b, " AND push = $%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		fmt.Fprintf(&b, " AND status = ANY($%d)", len(args))
	}
	if filter.PushDest != "" {
		args = append(args, filter.PushDest)
		fmt.Fprintf(&b, ` AND task_name IN (SELECT name FROM tasks WHERE push_destination = $%d)`, len(args))
	}
	b.WriteString(" ORDER BY run_at ASC")

	rows, err := s.db.QueryxContext(ctx, b.String(), args...)
	if err != nil {
		return nil, translatePgError(err)
	}
	defer rows.Close()

	var out []*model.TaskInstance
	for rows.Next() {
		var row taskInstanceRow
		if err := rows.StructScan(&row); err != nil {
			return nil, translatePgError(err)
		}
		ti, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTaskInstancesForWorkflowInstance(ctx context.Context, workflowInstanceID int64) ([]*model.TaskInstance, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT * FROM task_instances WHERE workflow_instance_id = $1`, workflowInstanceID)
	if err != nil {
		return nil, translatePgError(err)
	}
	defer rows.Close()

	var out []*model.TaskInstance
	for rows.Next() {
		var row taskInstanceRow
		if err := rows.StructScan(&row); err != nil {
			return nil, translatePgError(err)
		}
		ti, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateTaskInstancePushState(ctx context.Context, id int64, status model.Status, pushState map[string]any) error {
	raw, err := marshalParams(pushState)
	if err != nil {
		return fmt.Errorf("marshal push state: %w", err)
	}
	const q = `UPDATE task_instances SET status = $1, push_state = $2, updated_at = $3 WHERE id = $4`
	res, err := s.db.ExecContext(ctx, q, string(status), raw, time.Now().UTC(), id)
	return checkUpdated(res, err)
}

func (s *PostgresStore) RecordEvent(ctx context.Context, ev Event) error {
	const q = `INSERT INTO taskflow_events (workflow_instance_id, task_instance_id, timestamp, event, message) VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.ExecContext(ctx, q, ev.WorkflowInstanceID, ev.TaskInstanceID, ev.Timestamp, ev.Event, ev.Message)
	if err != nil {
		return translatePgError(err)
	}
	return nil
}
