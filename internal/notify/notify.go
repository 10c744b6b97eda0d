// Package notify fans workflow/task lifecycle events out to the configured
// notification destinations.
package notify

import (
	"context"
	"log/slog"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
)

// Sink receives lifecycle notifications. Implementations must not block the
// caller for long — the Scheduler/Worker call these synchronously inline
// with their transactions.
type Sink interface {
	WorkflowSuccess(ctx context.Context, wi *model.WorkflowInstance)
	WorkflowFailed(ctx context.Context, wi *model.WorkflowInstance)
	TaskRetry(ctx context.Context, ti *model.TaskInstance)
	Heartbeat(ctx context.Context, component string)
}

// Multi fans a notification out to every sink in order, swallowing no
// errors (sinks are expected to handle their own failures internally).
// Sinks are called one after another on the caller's goroutine with the
// same context, so a slow sink delays the sinks after it.
type Multi struct {
	Sinks []Sink
}

func (m Multi) WorkflowSuccess(ctx context.Context, wi *model.WorkflowInstance) {
	for _, s := range m.Sinks {
		s.WorkflowSuccess(ctx, wi)
	}
}

func (m Multi) WorkflowFailed(ctx context.Context, wi *model.WorkflowInstance) {
	for _, s := range m.Sinks {
		s.WorkflowFailed(ctx, wi)
	}
}

func (m Multi) TaskRetry(ctx context.Context, ti *model.TaskInstance) {
	for _, s := range m.Sinks {
		s.TaskRetry(ctx, ti)
	}
}

func (m Multi) Heartbeat(ctx context.Context, component string) {
	for _, s := range m.Sinks {
		s.Heartbeat(ctx, component)
	}
}

// NopSink discards every notification.
type NopSink struct{}

func (NopSink) WorkflowSuccess(context.Context, *model.WorkflowInstance) {}
func (NopSink) WorkflowFailed(context.Context, *model.WorkflowInstance)  {}
func (NopSink) TaskRetry(context.Context, *model.TaskInstance)           {}
func (NopSink) Heartbeat(context.Context, string)                       {}

// LogSink writes every notification through slog, the minimal always-on
// destination.
type LogSink struct{}

func (LogSink) WorkflowSuccess(_ context.Context, wi *model.WorkflowInstance) {
	slog.Info("workflow succeeded", "workflow", wi.WorkflowName, "instance_id", wi.ID)
}

func (LogSink) WorkflowFailed(_ context.Context, wi *model.WorkflowInstance) {
	slog.Warn("workflow failed", "workflow", wi.WorkflowName, "instance_id", wi.ID)
}

func (LogSink) TaskRetry(_ context.Context, ti *model.TaskInstance) {
	slog.Warn("task retry", "task", ti.TaskName, "instance_id", ti.ID, "attempts", ti.Attempts, "max_attempts", ti.MaxAttempts)
}

func (LogSink) Heartbeat(_ context.Context, component string) {
	slog.Debug("heartbeat", "component", component)
}
