// Package store persists workflow/task definitions and instances and
// implements the transactional queue operations, most importantly the
// single-statement atomic pull.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
)

// Sentinel error kinds shared by every Store implementation.
var (
	ErrNotFound          = errors.New("taskflow: not found")
	ErrUniqueConflict    = errors.New("taskflow: unique conflict")
	ErrInvalidDefinition = errors.New("taskflow: invalid definition")
	ErrInvalidSchedule   = errors.New("taskflow: invalid schedule")
	ErrTransient         = errors.New("taskflow: transient store error")
)

// PullParams configures a single atomic pull.
type PullParams struct {
	WorkerID  string
	Now       time.Time
	MaxTasks  int
	TaskNames []string // empty means no restriction
	PushOnly  bool
}

// TaskInstanceFilter scopes QueryTaskInstances, used by the Pusher's
// reconciliation pass.
type TaskInstanceFilter struct {
	Push     *bool
	Statuses []model.Status
	PushDest string
}

// Event is an append-only audit-trail row recording a lifecycle transition.
type Event struct {
	WorkflowInstanceID *int64
	TaskInstanceID     *int64
	Timestamp          time.Time
	Event              string
	Message            string
}

// Store is the full persistence contract.
type Store interface {
	// UpsertDefinitions is idempotent; the persisted `active` flag wins on
	// conflict for each name; all other fields are overwritten.
	UpsertDefinitions(ctx context.Context, workflows []*model.Workflow, tasks []*model.Task) error

	InsertWorkflowInstance(ctx context.Context, wi *model.WorkflowInstance) error
	InsertTaskInstance(ctx context.Context, ti *model.TaskInstance) error

	GetWorkflowInstance(ctx context.Context, id int64) (*model.WorkflowInstance, error)
	GetTaskInstance(ctx context.Context, id int64) (*model.TaskInstance, error)

	// LatestWorkflowInstance/LatestTaskInstance return the most recent
	// scheduled=true row for a definition name, ordered by run_at desc, or
	// ErrNotFound if none exists. Used by schedule_recurring.
	LatestWorkflowInstance(ctx context.Context, workflowName string) (*model.WorkflowInstance, error)
	LatestTaskInstance(ctx context.Context, taskName string) (*model.TaskInstance, error)

	// ListAdvanceableWorkflowInstances returns every WorkflowInstance with
	// status='running', or status='queued' with run_at<=now — the working
	// set for the Scheduler's forward-advancement pass.
	ListAdvanceableWorkflowInstances(ctx context.Context, now time.Time) ([]*model.WorkflowInstance, error)

	// CompleteTaskInstance/CompleteWorkflowInstance set status, ended_at=now.
	CompleteTaskInstance(ctx context.Context, id int64, outcome model.Status, now time.Time) error
	CompleteWorkflowInstance(ctx context.Context, id int64, outcome model.Status, now time.Time) error

	// StartWorkflowInstance transitions a queued workflow instance to
	// running, setting started_at=now.
	StartWorkflowInstance(ctx context.Context, id int64, now time.Time) error

	// Fail transitions a task instance to retry (attempts < max_attempts)
	// or failed (otherwise). notifyRetry is invoked (if non-nil) only when
	// the outcome is retry, so sinks can emit a task_retry signal alongside
	// the status change.
	Fail(ctx context.Context, taskInstanceID int64, now time.Time, notifyRetry func(*model.TaskInstance)) error

	// Pull atomically reserves up to MaxTasks eligible task instances for
	// one worker; no two concurrent pulls ever return the same row.
	Pull(ctx context.Context, params PullParams) ([]*model.TaskInstance, error)

	// FailTimedOut bulk-fails stuck task instances that are out of attempts.
	FailTimedOut(ctx context.Context, now time.Time) (int64, error)

	// QueryTaskInstances supports the Pusher's reconciliation enumeration.
	QueryTaskInstances(ctx context.Context, filter TaskInstanceFilter) ([]*model.TaskInstance, error)

	// ListTaskInstancesForWorkflowInstance returns every task instance tied
	// to a workflow instance, in no particular order; callers key the slice
	// by task name themselves.
	ListTaskInstancesForWorkflowInstance(ctx context.Context, workflowInstanceID int64) ([]*model.TaskInstance, error)

	// UpdateTaskInstancePushState sets push_state and status, used by a
	// PushWorker's submit/reconcile.
	UpdateTaskInstancePushState(ctx context.Context, id int64, status model.Status, pushState map[string]any) error

	// RecordEvent appends an audit row to the taskflow_events table.
	RecordEvent(ctx context.Context, ev Event) error

	Close() error
}

// IsUniqueConflict reports whether err is (or wraps) ErrUniqueConflict.
func IsUniqueConflict(err error) bool { return errors.Is(err, ErrUniqueConflict) }

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
