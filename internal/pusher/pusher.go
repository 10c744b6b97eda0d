// Package pusher submits push=true task instances to external executors and
// reconciles their remote state back into the Store.
package pusher

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
	"github.com/CityOfPhiladelphia/taskflow/internal/obs"
	"github.com/CityOfPhiladelphia/taskflow/internal/store"
)

// PushWorker adapts one remote executor, keyed by a task's push_destination
// tag and consumed only by the Pusher.
type PushWorker interface {
	// Submit transitions each instance to pushed, storing push_state. It
	// must preserve per-instance status consistency on failure: a failure
	// submitting instance B must not roll back a successful submission of
	// instance A in the same batch.
	Submit(ctx context.Context, instances []*model.TaskInstance, dryRun bool) error
	// Reconcile maps remote state to taskflow statuses and commits changes.
	Reconcile(ctx context.Context, instances []*model.TaskInstance, dryRun bool) error
	// LogURL optionally builds a link to the remote executor's log for this
	// instance, used by notification sinks.
	LogURL(ti *model.TaskInstance) (string, bool)
}

type instruments struct {
	submitErrors    metric.Int64Counter
	reconcileErrors metric.Int64Counter
	submitted       metric.Int64Counter
}

func newInstruments() instruments {
	meter := obs.Meter()
	submitErrors, _ := meter.Int64Counter("taskflow_pusher_submit_errors_total")
	reconcileErrors, _ := meter.Int64Counter("taskflow_pusher_reconcile_errors_total")
	submitted, _ := meter.Int64Counter("taskflow_pusher_submitted_total")
	return instruments{submitErrors: submitErrors, reconcileErrors: reconcileErrors, submitted: submitted}
}

// Pusher dispatches push=true task instances to their PushWorkers.
type Pusher struct {
	Store    store.Store
	Workers  map[string]PushWorker // keyed by push_destination
	WorkerID string
	Now      func() time.Time

	// destinationLookup resolves a task instance's push_destination from
	// its task name. Set via New; the Pusher itself holds no Registry
	// reference, keeping it testable without a full registry.
	destinationLookup func(taskName string) string

	inst instruments
}

// New constructs a Pusher. lookupDestination resolves a task instance's
// push_destination tag from its task name (normally backed by a
// registry.Registry.GetTask lookup).
func New(st store.Store, workers map[string]PushWorker, lookupDestination func(taskName string) string) *Pusher {
	return &Pusher{
		Store:             st,
		Workers:           workers,
		WorkerID:          "Pusher",
		Now:               time.Now,
		destinationLookup: lookupDestination,
		inst:              newInstruments(),
	}
}

// Run performs one invocation: submit queued, then reconcile in-flight
// state. Per-destination errors are isolated; one failing destination does
// not block others.
func (p *Pusher) Run(ctx context.Context, dryRun bool) {
	if err := p.submitQueued(ctx, dryRun); err != nil {
		slog.Error("pusher: submit queued failed", "error", err)
	}
	if err := p.reconcile(ctx, dryRun); err != nil {
		slog.Error("pusher: reconcile failed", "error", err)
	}
}

// submitQueued pulls queued push instances and hands each destination's
// batch to its PushWorker.
func (p *Pusher) submitQueued(ctx context.Context, dryRun bool) error {
	pulled, err := p.Store.Pull(ctx, store.PullParams{
		WorkerID: p.WorkerID,
		Now:      p.Now(),
		MaxTasks: 100,
		PushOnly: true,
	})
	if err != nil {
		return err
	}
	if len(pulled) == 0 {
		return nil
	}

	byDestination := groupByDestination(pulled, p.destinationOf)
	for dest, batch := range byDestination {
		worker, ok := p.Workers[dest]
		if !ok {
			slog.Error("pusher: no PushWorker registered for destination", "destination", dest)
			p.inst.submitErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", dest)))
			continue
		}
		if err := worker.Submit(ctx, batch, dryRun); err != nil {
			slog.Error("pusher: submit failed for destination", "destination", dest, "error", err)
			p.inst.submitErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", dest)))
			continue
		}
		p.inst.submitted.Add(ctx, int64(len(batch)), metric.WithAttributes(attribute.String("destination", dest)))
	}
	return nil
}

// reconcile syncs remote status back for every pushed/running instance.
func (p *Pusher) reconcile(ctx context.Context, dryRun bool) error {
	pushTrue := true
	inFlight, err := p.Store.QueryTaskInstances(ctx, store.TaskInstanceFilter{
		Push:     &pushTrue,
		Statuses: []model.Status{model.StatusPushed, model.StatusRunning},
	})
	if err != nil {
		return err
	}
	if len(inFlight) == 0 {
		return nil
	}

	byDestination := groupByDestination(inFlight, p.destinationOf)
	for dest, batch := range byDestination {
		worker, ok := p.Workers[dest]
		if !ok {
			continue
		}
		if err := worker.Reconcile(ctx, batch, dryRun); err != nil {
			slog.Error("pusher: reconcile failed for destination", "destination", dest, "error", err)
			p.inst.reconcileErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", dest)))
			continue
		}
	}
	return nil
}

// destinationOf looks up a task instance's push_destination via the
// lookup function supplied to New.
func (p *Pusher) destinationOf(ti *model.TaskInstance) string {
	if p.destinationLookup == nil {
		return ""
	}
	return p.destinationLookup(ti.TaskName)
}

func groupByDestination(instances []*model.TaskInstance, destOf func(*model.TaskInstance) string) map[string][]*model.TaskInstance {
	out := make(map[string][]*model.TaskInstance)
	for _, ti := range instances {
		dest := destOf(ti)
		out[dest] = append(out[dest], ti)
	}
	return out
}
