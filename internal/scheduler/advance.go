package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
	"github.com/CityOfPhiladelphia/taskflow/internal/store"
)

// advanceWorkflowsForward walks every running (or due queued) workflow
// instance one dependency level forward.
func (s *Scheduler) advanceWorkflowsForward(ctx context.Context, now time.Time, dryRun bool) error {
	instances, err := s.Store.ListAdvanceableWorkflowInstances(ctx, now)
	if err != nil {
		return fmt.Errorf("list advanceable workflow instances: %w", err)
	}
	for _, wi := range instances {
		if err := s.advanceOne(ctx, wi, now, dryRun); err != nil {
			slog.Error("advance_workflows_forward: workflow instance advancement failed", "workflow", wi.WorkflowName, "instance_id", wi.ID, "error", err)
			continue
		}
	}
	return nil
}

func (s *Scheduler) advanceOne(ctx context.Context, wi *model.WorkflowInstance, now time.Time, dryRun bool) error {
	workflow, ok := s.Registry.GetWorkflow(wi.WorkflowName)
	if !ok {
		return fmt.Errorf("workflow %q not found in registry", wi.WorkflowName)
	}

	if wi.Status == model.StatusQueued {
		if !dryRun {
			if err := s.Store.StartWorkflowInstance(ctx, wi.ID, now); err != nil {
				return fmt.Errorf("start workflow instance: %w", err)
			}
		}
		wi.Status = model.StatusRunning
		wi.StartedAt = &now
	}

	levels, err := model.Toposort(workflow.Name, workflow.Tasks)
	if err != nil {
		// Registry.AddWorkflow already rejects cycles; reaching this means
		// the definition changed underneath a running instance.
		return fmt.Errorf("toposort workflow %q: %w", workflow.Name, err)
	}

	existing, err := s.Store.ListTaskInstancesForWorkflowInstance(ctx, wi.ID)
	if err != nil {
		return fmt.Errorf("list task instances for workflow instance %d: %w", wi.ID, err)
	}
	byName := make(map[string]*model.TaskInstance, len(existing))
	for _, ti := range existing {
		byName[ti.TaskName] = ti
	}

	tasksByName := make(map[string]*model.Task, len(workflow.Tasks))
	for _, t := range workflow.Tasks {
		tasksByName[t.Name] = t
	}

	priority := wi.Priority
	if priority == "" {
		priority = workflow.DefaultPriority
	}

	workflowFailed := false
	allLevelsSuccess := true

levelLoop:
	for _, level := range levels {
		var toQueue []string
		levelAllSuccess := true

		for _, taskName := range level {
			inst, ok := byName[taskName]
			if !ok {
				toQueue = append(toQueue, taskName)
				levelAllSuccess = false
				continue
			}
			switch inst.Status {
			case model.StatusSuccess:
				// complete; nothing to do.
			case model.StatusFailed:
				workflowFailed = true
			default:
				levelAllSuccess = false
			}
		}

		if workflowFailed {
			allLevelsSuccess = false
			break levelLoop
		}

		if len(toQueue) > 0 {
			if err := checkQueueInvariant(level, toQueue, byName); err != nil {
				return err
			}
			if !dryRun {
				for _, taskName := range toQueue {
					task := tasksByName[taskName]
					if err := s.queueWorkflowTask(ctx, wi, task, priority, now); err != nil {
						return fmt.Errorf("queue task %q for workflow instance %d: %w", taskName, wi.ID, err)
					}
				}
			}
		}

		if !levelAllSuccess {
			allLevelsSuccess = false
			break levelLoop
		}
	}

	switch {
	case workflowFailed:
		if dryRun {
			return nil
		}
		if err := s.Store.CompleteWorkflowInstance(ctx, wi.ID, model.StatusFailed, now); err != nil {
			return fmt.Errorf("complete workflow instance as failed: %w", err)
		}
		wi.Status = model.StatusFailed
		s.Notify.WorkflowFailed(ctx, wi)
		if err := s.Store.RecordEvent(ctx, store.Event{WorkflowInstanceID: &wi.ID, Timestamp: now, Event: "workflow_failed"}); err != nil {
			slog.Error("record workflow event failed", "event", "workflow_failed", "instance_id", wi.ID, "error", err)
		}
	case allLevelsSuccess:
		if dryRun {
			return nil
		}
		if err := s.Store.CompleteWorkflowInstance(ctx, wi.ID, model.StatusSuccess, now); err != nil {
			return fmt.Errorf("complete workflow instance as success: %w", err)
		}
		wi.Status = model.StatusSuccess
		s.Notify.WorkflowSuccess(ctx, wi)
		if err := s.Store.RecordEvent(ctx, store.Event{WorkflowInstanceID: &wi.ID, Timestamp: now, Event: "workflow_success"}); err != nil {
			slog.Error("record workflow event failed", "event", "workflow_success", "instance_id", wi.ID, "error", err)
		}
	}
	return nil
}

// checkQueueInvariant: queuing a task in a level whose other members are all
// success means the level was already partially advanced in a way that
// skipped this task. A bug, not a recoverable state.
func checkQueueInvariant(level, toQueue []string, byName map[string]*model.TaskInstance) error {
	queued := make(map[string]bool, len(toQueue))
	for _, n := range toQueue {
		queued[n] = true
	}
	othersAllSuccess := true
	for _, taskName := range level {
		if queued[taskName] {
			continue
		}
		inst := byName[taskName]
		if inst == nil || inst.Status != model.StatusSuccess {
			othersAllSuccess = false
			break
		}
	}
	if othersAllSuccess && len(toQueue) < len(level) {
		return fmt.Errorf("invariant violation: attempting to queue tasks %v for a completed workflow step", toQueue)
	}
	return nil
}

func (s *Scheduler) queueWorkflowTask(ctx context.Context, wi *model.WorkflowInstance, task *model.Task, priority model.Priority, now time.Time) error {
	id := wi.ID
	ti := &model.TaskInstance{
		TaskName:           task.Name,
		WorkflowInstanceID: &id,
		Scheduled:          wi.Scheduled,
		RunAt:              now,
		Status:             model.StatusQueued,
		Priority:           priority,
		Push:               task.Pushed(),
		MaxAttempts:        task.MaxAttempts(),
		Timeout:            task.Timeout,
		RetryDelay:         task.RetryDelay,
	}
	if err := s.Store.InsertTaskInstance(ctx, ti); err != nil {
		if store.IsUniqueConflict(err) {
			return nil
		}
		return err
	}
	s.inst.instancesQueued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "workflow_task")))
	return nil
}

// failTimedOut reaps running/retry task instances that are past their
// timeout with no attempts left.
func (s *Scheduler) failTimedOut(ctx context.Context, now time.Time) error {
	n, err := s.Store.FailTimedOut(ctx, now)
	if err != nil {
		return fmt.Errorf("fail_timed_out: %w", err)
	}
	if n > 0 {
		s.inst.timedOutTotal.Add(ctx, n)
		slog.Info("fail_timed_out transitioned task instances", "count", n)
	}
	return nil
}
