package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
	"github.com/CityOfPhiladelphia/taskflow/internal/store"
)

// fakeStore is a minimal in-memory store.Store used only to exercise the
// Scheduler's decision logic in isolation from a real database.
type fakeStore struct {
	mu                sync.Mutex
	nextID            int64
	workflowInstances map[int64]*model.WorkflowInstance
	taskInstances     map[int64]*model.TaskInstance
	events            []store.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflowInstances: make(map[int64]*model.WorkflowInstance),
		taskInstances:     make(map[int64]*model.TaskInstance),
	}
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) UpsertDefinitions(context.Context, []*model.Workflow, []*model.Task) error {
	return nil
}

func (f *fakeStore) InsertWorkflowInstance(_ context.Context, wi *model.WorkflowInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.workflowInstances {
		if existing.WorkflowName == wi.WorkflowName && existing.Unique != "" && existing.Unique == wi.Unique && !existing.Status.Terminal() {
			return store.ErrUniqueConflict
		}
	}
	f.nextID++
	wi.ID = f.nextID
	wi.CreatedAt = time.Now()
	wi.UpdatedAt = wi.CreatedAt
	cp := *wi
	f.workflowInstances[wi.ID] = &cp
	return nil
}

func (f *fakeStore) InsertTaskInstance(_ context.Context, ti *model.TaskInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.taskInstances {
		if existing.TaskName == ti.TaskName && existing.Unique != "" && existing.Unique == ti.Unique && !existing.Status.Terminal() {
			return store.ErrUniqueConflict
		}
	}
	f.nextID++
	ti.ID = f.nextID
	ti.CreatedAt = time.Now()
	ti.UpdatedAt = ti.CreatedAt
	cp := *ti
	f.taskInstances[ti.ID] = &cp
	return nil
}

func (f *fakeStore) GetWorkflowInstance(_ context.Context, id int64) (*model.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wi, ok := f.workflowInstances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *wi
	return &cp, nil
}

func (f *fakeStore) GetTaskInstance(_ context.Context, id int64) (*model.TaskInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ti, ok := f.taskInstances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ti
	return &cp, nil
}

func (f *fakeStore) LatestWorkflowInstance(_ context.Context, workflowName string) (*model.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.WorkflowInstance
	for _, wi := range f.workflowInstances {
		if wi.WorkflowName != workflowName || !wi.Scheduled {
			continue
		}
		if latest == nil || wi.RunAt.After(latest.RunAt) {
			latest = wi
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeStore) LatestTaskInstance(_ context.Context, taskName string) (*model.TaskInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.TaskInstance
	for _, ti := range f.taskInstances {
		if ti.TaskName != taskName || !ti.Scheduled {
			continue
		}
		if latest == nil || ti.RunAt.After(latest.RunAt) {
			latest = ti
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeStore) ListAdvanceableWorkflowInstances(_ context.Context, now time.Time) ([]*model.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.WorkflowInstance
	for _, wi := range f.workflowInstances {
		if wi.Status == model.StatusRunning || (wi.Status == model.StatusQueued && !wi.RunAt.After(now)) {
			cp := *wi
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CompleteTaskInstance(_ context.Context, id int64, outcome model.Status, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ti, ok := f.taskInstances[id]
	if !ok {
		return store.ErrNotFound
	}
	ti.Status = outcome
	ti.EndedAt = &now
	return nil
}

func (f *fakeStore) CompleteWorkflowInstance(_ context.Context, id int64, outcome model.Status, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wi, ok := f.workflowInstances[id]
	if !ok {
		return store.ErrNotFound
	}
	wi.Status = outcome
	wi.EndedAt = &now
	return nil
}

func (f *fakeStore) StartWorkflowInstance(_ context.Context, id int64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wi, ok := f.workflowInstances[id]
	if !ok {
		return store.ErrNotFound
	}
	wi.Status = model.StatusRunning
	if wi.StartedAt == nil {
		wi.StartedAt = &now
	}
	return nil
}

func (f *fakeStore) Fail(_ context.Context, id int64, now time.Time, notifyRetry func(*model.TaskInstance)) error {
	f.mu.Lock()
	ti, ok := f.taskInstances[id]
	if !ok {
		f.mu.Unlock()
		return store.ErrNotFound
	}
	if ti.Attempts < ti.MaxAttempts {
		ti.Status = model.StatusRetry
		ti.LockedAt = &now
	} else {
		ti.Status = model.StatusFailed
		ti.EndedAt = &now
	}
	cp := *ti
	f.mu.Unlock()
	if cp.Status == model.StatusRetry && notifyRetry != nil {
		notifyRetry(&cp)
	}
	return nil
}

func (f *fakeStore) Pull(context.Context, store.PullParams) ([]*model.TaskInstance, error) {
	return nil, nil
}

func (f *fakeStore) FailTimedOut(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, ti := range f.taskInstances {
		if (ti.Status == model.StatusRunning || ti.Status == model.StatusRetry) &&
			ti.LockedAt != nil && now.After(ti.LockedAt.Add(ti.Timeout)) && ti.Attempts >= ti.MaxAttempts {
			ti.Status = model.StatusFailed
			ti.EndedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) QueryTaskInstances(context.Context, store.TaskInstanceFilter) ([]*model.TaskInstance, error) {
	return nil, nil
}

func (f *fakeStore) ListTaskInstancesForWorkflowInstance(_ context.Context, workflowInstanceID int64) ([]*model.TaskInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.TaskInstance
	for _, ti := range f.taskInstances {
		if ti.WorkflowInstanceID != nil && *ti.WorkflowInstanceID == workflowInstanceID {
			cp := *ti
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateTaskInstancePushState(_ context.Context, id int64, status model.Status, pushState map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ti, ok := f.taskInstances[id]
	if !ok {
		return store.ErrNotFound
	}
	ti.Status = status
	ti.PushState = pushState
	return nil
}

func (f *fakeStore) RecordEvent(_ context.Context, ev store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

// test helpers, not part of the Store interface.

func (f *fakeStore) setTaskStatus(id int64, status model.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskInstances[id].Status = status
}

func (f *fakeStore) taskByName(workflowInstanceID int64, name string) *model.TaskInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ti := range f.taskInstances {
		if ti.WorkflowInstanceID != nil && *ti.WorkflowInstanceID == workflowInstanceID && ti.TaskName == name {
			return ti
		}
	}
	return nil
}
