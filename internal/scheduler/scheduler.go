// Package scheduler materializes recurring Workflows and Tasks into queued
// instances, advances workflow DAGs level by level, and reaps timed-out
// work. Many scheduler processes may run concurrently against the same
// database; the partial unique index on (name, unique_key) makes the
// materialization race-safe.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/CityOfPhiladelphia/taskflow/internal/cronspec"
	"github.com/CityOfPhiladelphia/taskflow/internal/model"
	"github.com/CityOfPhiladelphia/taskflow/internal/notify"
	"github.com/CityOfPhiladelphia/taskflow/internal/obs"
	"github.com/CityOfPhiladelphia/taskflow/internal/registry"
	"github.com/CityOfPhiladelphia/taskflow/internal/store"
)

// Clock lets tests and --now-override supply a fixed instant.
type Clock func() time.Time

type instruments struct {
	stepDuration    metric.Float64Histogram
	stepErrors      metric.Int64Counter
	instancesQueued metric.Int64Counter
	timedOutTotal   metric.Int64Counter
}

func newInstruments() instruments {
	meter := obs.Meter()
	stepDuration, _ := meter.Float64Histogram("taskflow_scheduler_step_duration_ms")
	stepErrors, _ := meter.Int64Counter("taskflow_scheduler_step_errors_total")
	instancesQueued, _ := meter.Int64Counter("taskflow_scheduler_instances_queued_total")
	timedOutTotal, _ := meter.Int64Counter("taskflow_scheduler_timed_out_total")
	return instruments{stepDuration: stepDuration, stepErrors: stepErrors, instancesQueued: instancesQueued, timedOutTotal: timedOutTotal}
}

// Scheduler runs the periodic five-step loop: schedule recurring workflows,
// advance running workflows, schedule recurring standalone tasks, fail
// timed-out work, heartbeat.
type Scheduler struct {
	Store    store.Store
	Registry *registry.Registry
	Notify   notify.Sink
	Now      Clock

	inst instruments
}

func New(st store.Store, reg *registry.Registry, sink notify.Sink) *Scheduler {
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Scheduler{Store: st, Registry: reg, Notify: sink, Now: time.Now, inst: newInstruments()}
}

// Run performs one invocation of the five steps in order. Each step is
// isolated: an error is logged and the loop moves to the next step.
func (s *Scheduler) Run(ctx context.Context, dryRun bool) {
	now := s.Now()
	s.step(ctx, "schedule_recurring_workflow", func(ctx context.Context) error {
		return s.scheduleRecurringWorkflows(ctx, now, dryRun)
	})
	s.step(ctx, "advance_workflows_forward", func(ctx context.Context) error {
		return s.advanceWorkflowsForward(ctx, now, dryRun)
	})
	s.step(ctx, "schedule_recurring_task", func(ctx context.Context) error {
		return s.scheduleRecurringTasks(ctx, now, dryRun)
	})
	s.step(ctx, "fail_timed_out", func(ctx context.Context) error {
		return s.failTimedOut(ctx, now)
	})
	s.Notify.Heartbeat(ctx, "scheduler")
}

func (s *Scheduler) step(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	s.inst.stepDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("step", name)))
	if err != nil {
		s.inst.stepErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("step", name)))
		slog.Error("scheduler step failed", "step", name, "error", err)
	}
}

// scheduleRecurringWorkflows enqueues the next cron occurrence for every
// active workflow with a schedule.
func (s *Scheduler) scheduleRecurringWorkflows(ctx context.Context, now time.Time, dryRun bool) error {
	for _, w := range s.Registry.Workflows() {
		if !w.Active || w.Schedule == "" {
			continue
		}
		nextRun, ok, err := s.nextWorkflowRecurrence(ctx, now, w)
		if err != nil {
			slog.Error("schedule_recurring(workflow) failed", "workflow", w.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if dryRun {
			slog.Info("dry-run: would queue workflow instance", "workflow", w.Name, "run_at", nextRun)
			continue
		}
		wi := &model.WorkflowInstance{
			WorkflowName: w.Name,
			Scheduled:    true,
			RunAt:        nextRun,
			Status:       model.StatusQueued,
			Priority:     w.DefaultPriority,
			Unique:       model.ScheduledUnique(nextRun),
		}
		if err := s.Store.InsertWorkflowInstance(ctx, wi); err != nil {
			if store.IsUniqueConflict(err) {
				// Another scheduler got there first.
				continue
			}
			slog.Error("insert scheduled workflow instance failed", "workflow", w.Name, "error", err)
			continue
		}
		s.inst.instancesQueued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "workflow")))
	}
	return nil
}

// scheduleRecurringTasks enqueues the next cron occurrence for every active
// standalone task with a schedule.
func (s *Scheduler) scheduleRecurringTasks(ctx context.Context, now time.Time, dryRun bool) error {
	for _, t := range s.Registry.StandaloneTasks() {
		if !t.Active || t.Schedule == "" {
			continue
		}
		nextRun, ok, err := s.nextTaskRecurrence(ctx, now, t)
		if err != nil {
			slog.Error("schedule_recurring(task) failed", "task", t.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if dryRun {
			slog.Info("dry-run: would queue task instance", "task", t.Name, "run_at", nextRun)
			continue
		}
		ti := &model.TaskInstance{
			TaskName:    t.Name,
			Scheduled:   true,
			RunAt:       nextRun,
			Status:      model.StatusQueued,
			Priority:    t.DefaultPriority,
			Unique:      model.ScheduledUnique(nextRun),
			Push:        t.Pushed(),
			MaxAttempts: t.MaxAttempts(),
			Timeout:     t.Timeout,
			RetryDelay:  t.RetryDelay,
		}
		if err := s.Store.InsertTaskInstance(ctx, ti); err != nil {
			if store.IsUniqueConflict(err) {
				continue
			}
			slog.Error("insert scheduled task instance failed", "task", t.Name, "error", err)
			continue
		}
		s.inst.instancesQueued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "task")))
	}
	return nil
}

// nextRecurrenceCore is the shared recurrence decision tree for both
// Workflows and Tasks, so the catch-up math is written exactly once.
func nextRecurrenceCore(now time.Time, schedule string, startDate, endDate *time.Time, hasLatest bool, latestRunAt time.Time, latestStatus model.Status) (time.Time, bool, error) {
	spec, err := cronspec.Parse(schedule)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w", err)
	}

	var nextRun time.Time
	if !hasLatest {
		// First run is always scheduled in the future, never a backfill.
		nextRun = spec.NextAfter(now)
	} else if latestStatus.Terminal() {
		candidate := spec.NextAfter(latestRunAt)
		prev := spec.PrevBefore(now)
		if prev.After(candidate) {
			// A scheduler that was offline for several ticks emits only the
			// most recent missed tick. Load shedding, not a bug.
			nextRun = prev
		} else {
			nextRun = candidate
		}
	} else {
		// The active instance occupies this recurrence slot.
		return time.Time{}, false, nil
	}

	if startDate != nil && nextRun.Before(*startDate) {
		return time.Time{}, false, nil
	}
	if endDate != nil && nextRun.After(*endDate) {
		return time.Time{}, false, nil
	}
	return nextRun, true, nil
}

func (s *Scheduler) nextWorkflowRecurrence(ctx context.Context, now time.Time, w *model.Workflow) (time.Time, bool, error) {
	latest, err := s.Store.LatestWorkflowInstance(ctx, w.Name)
	if err != nil {
		if store.IsNotFound(err) {
			return nextRecurrenceCore(now, w.Schedule, w.StartDate, w.EndDate, false, time.Time{}, "")
		}
		return time.Time{}, false, err
	}
	return nextRecurrenceCore(now, w.Schedule, w.StartDate, w.EndDate, true, latest.RunAt, latest.Status)
}

func (s *Scheduler) nextTaskRecurrence(ctx context.Context, now time.Time, t *model.Task) (time.Time, bool, error) {
	latest, err := s.Store.LatestTaskInstance(ctx, t.Name)
	if err != nil {
		if store.IsNotFound(err) {
			return nextRecurrenceCore(now, t.Schedule, nil, nil, false, time.Time{}, "")
		}
		return time.Time{}, false, err
	}
	return nextRecurrenceCore(now, t.Schedule, nil, nil, true, latest.RunAt, latest.Status)
}
