// Package worker runs a pulled TaskInstance to completion: look up its task,
// trap termination signals, invoke the task body, and transition the
// instance to success, retry, or failed.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CityOfPhiladelphia/taskflow/internal/executor"
	"github.com/CityOfPhiladelphia/taskflow/internal/model"
	"github.com/CityOfPhiladelphia/taskflow/internal/notify"
	"github.com/CityOfPhiladelphia/taskflow/internal/registry"
	"github.com/CityOfPhiladelphia/taskflow/internal/store"
)

// Clock is overridable for tests.
type Clock func() time.Time

// Worker executes exactly the instance it is handed; it never chooses its
// own work. The pull loop in cmd/taskflow decides what to execute.
type Worker struct {
	Store    store.Store
	Registry *registry.Registry
	Execs    *executor.Registry
	Notify   notify.Sink
	Now      Clock
	WorkerID string
}

func New(st store.Store, reg *registry.Registry, execs *executor.Registry, sink notify.Sink, workerID string) *Worker {
	return &Worker{Store: st, Registry: reg, Execs: execs, Notify: sink, Now: time.Now, WorkerID: workerID}
}

// Execute runs one pulled TaskInstance: lookup, signal trap with on_kill,
// run, transition. It returns a non-nil error whenever the task did not
// succeed, even if the retry/failed transition itself committed cleanly, so
// callers like `run-task` can exit non-zero on task failure.
func (w *Worker) Execute(ctx context.Context, ti *model.TaskInstance) error {
	task, ok := w.Registry.GetTask(ti.TaskName)
	if !ok {
		slog.Error("task definition missing at execution time", "task", ti.TaskName, "instance_id", ti.ID)
		return w.fail(ctx, ti, fmt.Errorf("task %q: %w", ti.TaskName, store.ErrNotFound))
	}

	exec, ok := w.Execs.Lookup(task.Name)
	if !ok {
		slog.Error("no executable registered for task", "task", ti.TaskName, "instance_id", ti.ID)
		return w.fail(ctx, ti, fmt.Errorf("no executable registered for task %q", ti.TaskName))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	killed := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			slog.Warn("worker received termination signal, invoking on_kill", "task", ti.TaskName, "instance_id", ti.ID)
			exec.OnKill(ti)
			cancel()
			close(killed)
		case <-runCtx.Done():
		}
	}()

	_, runErr := exec.Run(runCtx, ti)

	select {
	case <-killed:
		os.Exit(1)
	default:
	}

	if runErr != nil {
		slog.Error("task execution failed", "task", ti.TaskName, "instance_id", ti.ID, "error", runErr)
		return w.fail(ctx, ti, runErr)
	}

	if err := w.Store.CompleteTaskInstance(ctx, ti.ID, model.StatusSuccess, w.Now()); err != nil {
		return fmt.Errorf("mark task instance %d success: %w", ti.ID, err)
	}
	return nil
}

// fail routes the instance through Store.Fail and reports the underlying
// cause to the caller. A broken transition takes precedence in the returned
// error, since it means the row's state is now unknown.
func (w *Worker) fail(ctx context.Context, ti *model.TaskInstance, cause error) error {
	if err := w.Store.Fail(ctx, ti.ID, w.Now(), func(retried *model.TaskInstance) {
		if w.Notify != nil {
			w.Notify.TaskRetry(ctx, retried)
		}
	}); err != nil {
		return fmt.Errorf("fail task instance %d after %v: %w", ti.ID, cause, err)
	}
	return fmt.Errorf("task instance %d failed: %w", ti.ID, cause)
}
