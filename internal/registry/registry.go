// Package registry is the process-wide catalog of declared Workflows and
// Tasks. It is constructed once in main and passed explicitly to the
// Scheduler/Pusher/Worker rather than held as an ambient singleton.
package registry

import (
	"context"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
	"github.com/CityOfPhiladelphia/taskflow/internal/store"
)

// Registry holds the in-memory catalog. Definitions are read-only after
// startup; no locking is needed.
type Registry struct {
	workflows map[string]*model.Workflow
	tasks     map[string]*model.Task // standalone tasks only
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		workflows: make(map[string]*model.Workflow),
		tasks:     make(map[string]*model.Task),
	}
}

// AddWorkflow registers a workflow and validates its task dependency graph.
// Rejects duplicate registrations, self-dependencies, dependencies on
// unknown sibling tasks, and cycles (via toposort failure).
func (r *Registry) AddWorkflow(w *model.Workflow) error {
	if w.Name == "" {
		return fmt.Errorf("%w: workflow name required", store.ErrInvalidDefinition)
	}
	if _, dup := r.workflows[w.Name]; dup {
		return fmt.Errorf("%w: workflow %q already registered", store.ErrInvalidDefinition, w.Name)
	}
	for _, t := range w.Tasks {
		if err := validateParamsSchema(t); err != nil {
			return err
		}
	}
	if _, err := model.Toposort(w.Name, w.Tasks); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidDefinition, err)
	}
	for _, t := range w.Tasks {
		t.WorkflowName = w.Name
	}
	r.workflows[w.Name] = w
	return nil
}

// AddWorkflows registers many workflows in order, stopping at the first error.
func (r *Registry) AddWorkflows(workflows []*model.Workflow) error {
	for _, w := range workflows {
		if err := r.AddWorkflow(w); err != nil {
			return err
		}
	}
	return nil
}

// AddTask registers a standalone task. Tasks that belong to a workflow must
// be added via AddWorkflow, never here.
func (r *Registry) AddTask(t *model.Task) error {
	if t.Name == "" {
		return fmt.Errorf("%w: task name required", store.ErrInvalidDefinition)
	}
	if t.WorkflowName != "" {
		return fmt.Errorf("%w: task %q belongs to workflow %q, add its workflow instead", store.ErrInvalidDefinition, t.Name, t.WorkflowName)
	}
	if len(t.DependsOn) > 0 {
		return fmt.Errorf("%w: standalone task %q may not declare dependencies", store.ErrInvalidDefinition, t.Name)
	}
	if _, dup := r.tasks[t.Name]; dup {
		return fmt.Errorf("%w: task %q already registered", store.ErrInvalidDefinition, t.Name)
	}
	if err := validateParamsSchema(t); err != nil {
		return err
	}
	r.tasks[t.Name] = t
	return nil
}

func (r *Registry) AddTasks(tasks []*model.Task) error {
	for _, t := range tasks {
		if err := r.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

func validateParamsSchema(t *model.Task) error {
	if t.ParamsSchema == "" || len(t.Params) == 0 {
		return nil
	}
	schemaLoader := gojsonschema.NewStringLoader(t.ParamsSchema)
	docLoader := gojsonschema.NewGoLoader(t.Params)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("%w: task %q params schema: %v", store.ErrInvalidDefinition, t.Name, err)
	}
	if !result.Valid() {
		return fmt.Errorf("%w: task %q params do not satisfy schema: %v", store.ErrInvalidDefinition, t.Name, result.Errors())
	}
	return nil
}

// GetWorkflow looks up a registered workflow by name.
func (r *Registry) GetWorkflow(name string) (*model.Workflow, bool) {
	w, ok := r.workflows[name]
	return w, ok
}

// GetTask searches standalone tasks first, then every workflow's tasks.
func (r *Registry) GetTask(name string) (*model.Task, bool) {
	if t, ok := r.tasks[name]; ok {
		return t, true
	}
	for _, w := range r.workflows {
		for _, t := range w.Tasks {
			if t.Name == name {
				return t, true
			}
		}
	}
	return nil, false
}

// Workflows returns every registered workflow, order unspecified.
func (r *Registry) Workflows() []*model.Workflow {
	out := make([]*model.Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	return out
}

// StandaloneTasks returns every registered standalone task, order unspecified.
func (r *Registry) StandaloneTasks() []*model.Task {
	out := make([]*model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// Sync upserts every definition into the Store; the persisted `active` flag
// wins on conflict. When readOnly is true, no writes are made — used by
// inspection tooling that wants a loaded Registry without mutating the DB.
func (r *Registry) Sync(ctx context.Context, st store.Store, readOnly bool) error {
	if readOnly {
		return nil
	}
	workflows := r.Workflows()
	var tasks []*model.Task
	for _, w := range workflows {
		tasks = append(tasks, w.Tasks...)
	}
	tasks = append(tasks, r.StandaloneTasks()...)
	return st.UpsertDefinitions(ctx, workflows, tasks)
}
