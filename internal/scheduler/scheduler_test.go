package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
	"github.com/CityOfPhiladelphia/taskflow/internal/notify"
	"github.com/CityOfPhiladelphia/taskflow/internal/registry"
)

func newTestScheduler(t *testing.T, fs *fakeStore, reg *registry.Registry, now time.Time) *Scheduler {
	t.Helper()
	s := New(fs, reg, notify.NopSink{})
	s.Now = func() time.Time { return now }
	return s
}

func TestNextRecurrenceCollapsesMissedTicks(t *testing.T) {
	// Last terminal run was days ago; only the most recent elapsed tick is
	// emitted, not one instance per missed day.
	now := time.Date(2017, 6, 10, 9, 0, 0, 0, time.UTC)
	lastRunAt := time.Date(2017, 6, 3, 6, 0, 0, 0, time.UTC)
	next, ok, err := nextRecurrenceCore(now, "0 6 * * *", nil, nil, true, lastRunAt, model.StatusSuccess)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2017, 6, 10, 6, 0, 0, 0, time.UTC), next)
}

func TestNextRecurrenceSkipsWhileInstanceActive(t *testing.T) {
	now := time.Date(2017, 6, 10, 9, 0, 0, 0, time.UTC)
	lastRunAt := time.Date(2017, 6, 10, 6, 0, 0, 0, time.UTC)
	_, ok, err := nextRecurrenceCore(now, "0 6 * * *", nil, nil, true, lastRunAt, model.StatusRunning)
	require.NoError(t, err)
	assert.False(t, ok, "an active instance occupies the recurrence slot")
}

func TestNextRecurrenceHonorsDateWindow(t *testing.T) {
	now := time.Date(2017, 6, 10, 9, 0, 0, 0, time.UTC)
	end := time.Date(2017, 6, 10, 12, 0, 0, 0, time.UTC)
	_, ok, err := nextRecurrenceCore(now, "0 6 * * *", nil, &end, false, time.Time{}, "")
	require.NoError(t, err)
	assert.False(t, ok, "next run past end_date must be dropped")
}

// S1 — Recurring workflow first-run.
func TestScenarioS1RecurringWorkflowFirstRun(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.AddWorkflow(&model.Workflow{
		Name: "w1", Active: true, Schedule: "0 6 * * *", DefaultPriority: model.PriorityNormal,
	}))
	fs := newFakeStore()
	now := time.Date(2017, 6, 3, 6, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, fs, reg, now)

	s.Run(context.Background(), false)

	require.Len(t, fs.workflowInstances, 1)
	var wi *model.WorkflowInstance
	for _, v := range fs.workflowInstances {
		wi = v
	}
	assert.Equal(t, "w1", wi.WorkflowName)
	assert.True(t, wi.Scheduled)
	assert.Equal(t, model.StatusQueued, wi.Status)
	assert.Equal(t, time.Date(2017, 6, 4, 6, 0, 0, 0, time.UTC), wi.RunAt)
	assert.Empty(t, fs.taskInstances)
}

// S2 — Workflow starts and advances through {task1,task2} -> task3 -> task4.
func TestScenarioS2WorkflowStartsAndAdvances(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.AddWorkflow(&model.Workflow{
		Name: "w1", Active: true, DefaultPriority: model.PriorityNormal,
		Tasks: []*model.Task{
			{Name: "task1", Active: true, Retries: 0, Timeout: time.Minute, DefaultPriority: model.PriorityNormal},
			{Name: "task2", Active: true, Retries: 0, Timeout: time.Minute, DefaultPriority: model.PriorityNormal},
			{Name: "task3", Active: true, Retries: 0, Timeout: time.Minute, DependsOn: []string{"task1", "task2"}, DefaultPriority: model.PriorityNormal},
			{Name: "task4", Active: true, Retries: 0, Timeout: time.Minute, DependsOn: []string{"task3"}, DefaultPriority: model.PriorityNormal},
		},
	}))
	fs := newFakeStore()
	runAt := time.Date(2017, 6, 3, 6, 0, 0, 0, time.UTC)
	require.NoError(t, fs.InsertWorkflowInstance(context.Background(), &model.WorkflowInstance{
		WorkflowName: "w1", Scheduled: true, RunAt: runAt, Status: model.StatusQueued, Priority: model.PriorityNormal,
		Unique: model.ScheduledUnique(runAt),
	}))
	var wiID int64
	for id := range fs.workflowInstances {
		wiID = id
	}

	now := time.Date(2017, 6, 3, 6, 12, 0, 0, time.UTC)
	s := newTestScheduler(t, fs, reg, now)
	s.Run(context.Background(), false)

	wi := fs.workflowInstances[wiID]
	assert.Equal(t, model.StatusRunning, wi.Status)
	require.NotNil(t, wi.StartedAt)
	assert.Equal(t, now, *wi.StartedAt)

	t1 := fs.taskByName(wiID, "task1")
	t2 := fs.taskByName(wiID, "task2")
	require.NotNil(t, t1)
	require.NotNil(t, t2)
	assert.Equal(t, model.StatusQueued, t1.Status)
	assert.Equal(t, model.StatusQueued, t2.Status)
	assert.Nil(t, fs.taskByName(wiID, "task3"))

	// Mark task1/task2 success and rerun: task3 should now be queued.
	fs.setTaskStatus(t1.ID, model.StatusSuccess)
	fs.setTaskStatus(t2.ID, model.StatusSuccess)
	s.Run(context.Background(), false)
	t3 := fs.taskByName(wiID, "task3")
	require.NotNil(t, t3)
	assert.Equal(t, model.StatusQueued, t3.Status)

	// Mark task3/task4 success and rerun: workflow should succeed.
	fs.setTaskStatus(t3.ID, model.StatusSuccess)
	s.Run(context.Background(), false)
	t4 := fs.taskByName(wiID, "task4")
	require.NotNil(t, t4)
	fs.setTaskStatus(t4.ID, model.StatusSuccess)
	s.Run(context.Background(), false)

	wi = fs.workflowInstances[wiID]
	assert.Equal(t, model.StatusSuccess, wi.Status)
	require.NotNil(t, wi.EndedAt)
	assert.Equal(t, now, *wi.EndedAt)
}

// S3 — Workflow failure propagation.
func TestScenarioS3WorkflowFailurePropagation(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.AddWorkflow(&model.Workflow{
		Name: "w1", Active: true, DefaultPriority: model.PriorityNormal,
		Tasks: []*model.Task{
			{Name: "task1", Active: true, Timeout: time.Minute, DefaultPriority: model.PriorityNormal},
			{Name: "task2", Active: true, Timeout: time.Minute, DefaultPriority: model.PriorityNormal},
			{Name: "task3", Active: true, Timeout: time.Minute, DependsOn: []string{"task1", "task2"}, DefaultPriority: model.PriorityNormal},
			{Name: "task4", Active: true, Timeout: time.Minute, DependsOn: []string{"task3"}, DefaultPriority: model.PriorityNormal},
		},
	}))
	fs := newFakeStore()
	runAt := time.Date(2017, 6, 3, 6, 0, 0, 0, time.UTC)
	now := time.Date(2017, 6, 3, 6, 12, 0, 0, time.UTC)
	require.NoError(t, fs.InsertWorkflowInstance(context.Background(), &model.WorkflowInstance{
		WorkflowName: "w1", Scheduled: true, RunAt: runAt, Status: model.StatusRunning, Priority: model.PriorityNormal,
		Unique: model.ScheduledUnique(runAt), StartedAt: &runAt,
	}))
	var wiID int64
	for id := range fs.workflowInstances {
		wiID = id
	}
	for _, name := range []string{"task1", "task2"} {
		require.NoError(t, fs.InsertTaskInstance(context.Background(), &model.TaskInstance{
			TaskName: name, WorkflowInstanceID: &wiID, Status: model.StatusSuccess, Priority: model.PriorityNormal, MaxAttempts: 1, Timeout: time.Minute,
		}))
	}
	require.NoError(t, fs.InsertTaskInstance(context.Background(), &model.TaskInstance{
		TaskName: "task3", WorkflowInstanceID: &wiID, Status: model.StatusFailed, Priority: model.PriorityNormal, MaxAttempts: 1, Timeout: time.Minute,
	}))

	s := newTestScheduler(t, fs, reg, now)
	s.Run(context.Background(), false)

	wi := fs.workflowInstances[wiID]
	assert.Equal(t, model.StatusFailed, wi.Status)
	require.NotNil(t, wi.EndedAt)
	assert.Equal(t, now, *wi.EndedAt)
	assert.Nil(t, fs.taskByName(wiID, "task4"), "task4 must not be queued after task3 failed")
}
