// Package model defines the durable data model shared by the Store, Registry,
// Scheduler, Pusher, and Worker: workflow/task definitions and their instances.
package model

import (
	"fmt"
	"sort"
	"time"
)

// Status is the shared lifecycle state of a WorkflowInstance or TaskInstance.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusPushed   Status = "pushed"
	StatusRunning  Status = "running"
	StatusRetry    Status = "retry"
	StatusDequeued Status = "dequeued"
	StatusFailed   Status = "failed"
	StatusSuccess  Status = "success"
)

// Terminal reports whether the status is an end state that should never change.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusSuccess, StatusDequeued:
		return true
	default:
		return false
	}
}

// Priority orders dispatch; Critical is served before any lower tier.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// rank returns a sort key where lower values dispatch first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Less reports whether p should be dispatched before other.
func (p Priority) Less(other Priority) bool {
	return p.rank() < other.rank()
}

// Valid reports whether p is one of the four recognized tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Workflow is a named, possibly-recurring DAG of tasks. The Tasks slice is
// in-memory only; the Store persists only the scalar fields below.
type Workflow struct {
	Name            string
	Active          bool
	Title           string
	Description     string
	Schedule        string
	DefaultPriority Priority
	StartDate       *time.Time
	EndDate         *time.Time
	Concurrency     int
	SLA             *time.Duration

	Tasks []*Task
}

// Task is a named unit of work, optionally a member of a Workflow. Dependencies
// are stored as names rather than object references so the dependency graph
// never forms a cyclic object graph.
type Task struct {
	Name            string
	WorkflowName    string // empty for standalone tasks
	Active          bool
	Title           string
	Description     string
	Schedule        string
	DefaultPriority Priority
	Retries         int
	Timeout         time.Duration
	RetryDelay      time.Duration
	Params          map[string]any
	ParamsSchema    string // optional JSON schema for Params, validated by the registry
	PushDestination string // empty means locally executed

	DependsOn []string
}

// MaxAttempts is the number of attempts a materialized instance of this task
// is allowed: the initial attempt plus Retries retries.
func (t *Task) MaxAttempts() int {
	return t.Retries + 1
}

// Pushed reports whether this task's instances are dispatched by the Pusher
// rather than pulled directly by a Worker.
func (t *Task) Pushed() bool {
	return t.PushDestination != ""
}

// WorkflowInstance is a concrete, persisted execution of a Workflow.
type WorkflowInstance struct {
	ID           int64
	WorkflowName string
	Scheduled    bool
	RunAt        time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	Status       Status
	Priority     Priority
	Unique       string
	Params       map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskInstance is a concrete, persisted execution of a Task.
type TaskInstance struct {
	ID                 int64
	TaskName           string
	WorkflowInstanceID *int64
	Scheduled          bool
	RunAt              time.Time
	StartedAt          *time.Time
	EndedAt            *time.Time
	LockedAt           *time.Time
	WorkerID           string
	Status             Status
	Priority           Priority
	Unique             string
	Params             map[string]any
	Push               bool
	PushState          map[string]any
	Attempts           int
	MaxAttempts        int
	Timeout            time.Duration
	RetryDelay         time.Duration
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ScheduledUnique builds the idempotency key the Scheduler assigns to
// cron-materialized instances: "scheduled_" + the run_at instant in RFC3339.
func ScheduledUnique(runAt time.Time) string {
	return "scheduled_" + runAt.UTC().Format(time.RFC3339)
}

// DependencyGraphError reports a validation failure in a workflow's task graph.
type DependencyGraphError struct {
	Workflow string
	Reason   string
}

func (e *DependencyGraphError) Error() string {
	return fmt.Sprintf("invalid task graph for workflow %q: %s", e.Workflow, e.Reason)
}

// Toposort groups a workflow's tasks into dependency levels: level 0 has no
// unresolved dependencies, level k+1 depends only on levels <= k. Returns an
// error if the graph is not a DAG (a cycle exists) or references an unknown
// task name.
func Toposort(workflowName string, tasks []*Task) ([][]string, error) {
	byName := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byName[t.Name]; dup {
			return nil, &DependencyGraphError{Workflow: workflowName, Reason: fmt.Sprintf("duplicate task %q", t.Name)}
		}
		byName[t.Name] = t
	}
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := indegree[t.Name]; !ok {
			indegree[t.Name] = 0
		}
		seen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if dep == t.Name {
				return nil, &DependencyGraphError{Workflow: workflowName, Reason: fmt.Sprintf("task %q depends on itself", t.Name)}
			}
			if seen[dep] {
				return nil, &DependencyGraphError{Workflow: workflowName, Reason: fmt.Sprintf("task %q lists dependency %q twice", t.Name, dep)}
			}
			seen[dep] = true
			if _, ok := byName[dep]; !ok {
				return nil, &DependencyGraphError{Workflow: workflowName, Reason: fmt.Sprintf("task %q depends on unknown task %q", t.Name, dep)}
			}
			indegree[t.Name]++
			dependents[dep] = append(dependents[dep], t.Name)
		}
	}

	var levels [][]string
	remaining := len(tasks)
	frontier := make([]string, 0, len(tasks))
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
		}
	}
	sort.Strings(frontier)
	for len(frontier) > 0 {
		level := append([]string(nil), frontier...)
		levels = append(levels, level)
		remaining -= len(level)
		var next []string
		for _, name := range level {
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}
	if remaining != 0 {
		return nil, &DependencyGraphError{Workflow: workflowName, Reason: "dependency graph has a cycle"}
	}
	return levels, nil
}
