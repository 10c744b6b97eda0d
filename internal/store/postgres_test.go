package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestUpsertDefinitionsPreservesActiveOnConflict(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO workflows .* ON CONFLICT \(name\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO tasks .* ON CONFLICT \(name\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.UpsertDefinitions(context.Background(),
		[]*model.Workflow{{Name: "w1", Active: true, DefaultPriority: model.PriorityNormal}},
		[]*model.Task{{Name: "t1", WorkflowName: "w1", DefaultPriority: model.PriorityNormal}},
	)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailTransitionsToRetryWhenAttemptsRemain(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2017, 6, 3, 6, 0, 3, 0, time.UTC)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{
		"id", "task_name", "workflow_instance_id", "scheduled", "run_at", "started_at", "ended_at",
		"locked_at", "worker_id", "status", "priority", "unique_key", "params", "push", "push_state",
		"attempts", "max_attempts", "timeout_seconds", "retry_delay_seconds", "created_at", "updated_at",
	}).AddRow(
		1, "t1", nil, false, now, nil, nil,
		now, "A", "running", "normal", nil, nil, false, nil,
		1, 2, 300, 300, now, now,
	)
	mock.ExpectQuery(`SELECT \* FROM task_instances WHERE id = \$1 FOR UPDATE`).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE task_instances SET status = \$1, locked_at = \$2, updated_at = \$2 WHERE id = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var notified *model.TaskInstance
	err := st.Fail(context.Background(), 1, now, func(ti *model.TaskInstance) { notified = ti })
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.NotNil(t, notified)
	assert.Equal(t, model.StatusRetry, notified.Status)
}

func TestFailTransitionsToFailedWhenAttemptsExhausted(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2017, 6, 3, 6, 5, 4, 0, time.UTC)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{
		"id", "task_name", "workflow_instance_id", "scheduled", "run_at", "started_at", "ended_at",
		"locked_at", "worker_id", "status", "priority", "unique_key", "params", "push", "push_state",
		"attempts", "max_attempts", "timeout_seconds", "retry_delay_seconds", "created_at", "updated_at",
	}).AddRow(
		1, "t1", nil, false, now, nil, nil,
		now, "A", "retry", "normal", nil, nil, false, nil,
		2, 2, 300, 300, now, now,
	)
	mock.ExpectQuery(`SELECT \* FROM task_instances WHERE id = \$1 FOR UPDATE`).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE task_instances SET status = \$1, ended_at = \$2, updated_at = \$2 WHERE id = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	called := false
	err := st.Fail(context.Background(), 1, now, func(*model.TaskInstance) { called = true })
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, called, "notifyRetry must not fire on a terminal failure")
}

func TestTranslatePgErrorUniqueViolation(t *testing.T) {
	err := translatePgError(&pgconn.PgError{Code: uniqueViolationCode, ConstraintName: "task_instances_unique_active"})
	assert.ErrorIs(t, err, ErrUniqueConflict)
}

var taskInstanceColumns = []string{
	"id", "task_name", "workflow_instance_id", "scheduled", "run_at", "started_at", "ended_at",
	"locked_at", "worker_id", "status", "priority", "unique_key", "params", "push", "push_state",
	"attempts", "max_attempts", "timeout_seconds", "retry_delay_seconds", "created_at", "updated_at",
}

// TestPullDefaultExcludesPushTasks asserts that a task instance with
// push=true is never returned by a non-push pull, by checking the generated
// WHERE clause: the atomic statement's text is the contract.
func TestPullDefaultExcludesPushTasks(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2017, 6, 4, 6, 0, 12, 0, time.UTC)

	mock.ExpectQuery(`(?s)WITH candidate AS.*AND push = false.*ORDER BY.*CASE priority.*FOR UPDATE SKIP LOCKED.*UPDATE task_instances.*RETURNING t\.\*`).
		WithArgs(now, 1, "worker-a").
		WillReturnRows(sqlmock.NewRows(taskInstanceColumns))

	_, err := st.Pull(context.Background(), PullParams{WorkerID: "worker-a", Now: now, MaxTasks: 1})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPullPushOnlyFiltersPushTrue covers the Pusher's push-only pull.
func TestPullPushOnlyFiltersPushTrue(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2017, 6, 4, 6, 0, 12, 0, time.UTC)

	mock.ExpectQuery(`(?s)WITH candidate AS.*AND push = true.*RETURNING t\.\*`).
		WithArgs(now, 100, "Pusher").
		WillReturnRows(sqlmock.NewRows(taskInstanceColumns))

	_, err := st.Pull(context.Background(), PullParams{WorkerID: "Pusher", Now: now, MaxTasks: 100, PushOnly: true})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPullTaskNamesFilterScopesCandidates: an explicit, non-empty task-name
// list adds a task_name = ANY(...) condition bound to that list, excluding
// other tasks (worker specialization).
func TestPullTaskNamesFilterScopesCandidates(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2017, 6, 4, 6, 0, 12, 0, time.UTC)

	mock.ExpectQuery(`(?s)WITH candidate AS.*AND task_name = ANY\(\$2\).*AND push = false.*RETURNING t\.\*`).
		WithArgs(now, pq.Array([]string{"a", "b"}), 1, "worker-a").
		WillReturnRows(sqlmock.NewRows(taskInstanceColumns))

	_, err := st.Pull(context.Background(), PullParams{WorkerID: "worker-a", Now: now, MaxTasks: 1, TaskNames: []string{"a", "b"}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPullDefaultsMaxTasksToOne covers a zero/negative MaxTasks falling
// back to 1 rather than producing an unbounded or zero-row LIMIT.
func TestPullDefaultsMaxTasksToOne(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2017, 6, 4, 6, 0, 12, 0, time.UTC)

	mock.ExpectQuery(`(?s)LIMIT \$2`).
		WithArgs(now, 1, "worker-a").
		WillReturnRows(sqlmock.NewRows(taskInstanceColumns))

	_, err := st.Pull(context.Background(), PullParams{WorkerID: "worker-a", Now: now, MaxTasks: 0})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
