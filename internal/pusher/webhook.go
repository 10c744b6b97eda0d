package pusher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/CityOfPhiladelphia/taskflow/internal/cache"
	"github.com/CityOfPhiladelphia/taskflow/internal/model"
	"github.com/CityOfPhiladelphia/taskflow/internal/resilience"
	"github.com/CityOfPhiladelphia/taskflow/internal/store"
)

// WebhookPushWorker is a PushWorker that submits task instances to a remote
// HTTP endpoint and polls a status endpoint to reconcile state.
type WebhookPushWorker struct {
	Destination string
	SubmitURL   string
	StatusURL   string // format string taking the remote job id
	Client      *http.Client
	Breaker     *resilience.CircuitBreaker
	Seen        cache.Cache // guards against resubmitting the same instance twice
	Store       store.Store // persists push_state and the pushed/running/success/failed transition
}

func NewWebhookPushWorker(destination, submitURL, statusURL string, st store.Store) *WebhookPushWorker {
	return &WebhookPushWorker{
		Destination: destination,
		SubmitURL:   submitURL,
		StatusURL:   statusURL,
		Client:      &http.Client{Timeout: 30 * time.Second},
		Breaker:     resilience.NewCircuitBreaker(),
		Seen:        cache.NewMemoryCache(10 * time.Minute),
		Store:       st,
	}
}

type submitRequest struct {
	InstanceID int64          `json:"instance_id"`
	TaskName   string         `json:"task_name"`
	Params     map[string]any `json:"params"`
}

type submitResponse struct {
	RemoteID string `json:"remote_id"`
}

// Submit posts each instance independently so one failure does not block
// the submission of its siblings in the same batch.
func (w *WebhookPushWorker) Submit(ctx context.Context, instances []*model.TaskInstance, dryRun bool) error {
	var firstErr error
	for _, ti := range instances {
		key := fmt.Sprintf("submit:%d", ti.ID)
		seen, err := w.Seen.SeenRecently(ctx, key)
		if err == nil && seen {
			continue
		}
		if dryRun {
			continue
		}
		if err := w.submitOne(ctx, ti); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	return firstErr
}

func (w *WebhookPushWorker) submitOne(ctx context.Context, ti *model.TaskInstance) error {
	out, err := resilience.Retry(ctx, 3, 500*time.Millisecond, func(ctx context.Context) (submitResponse, error) {
		return resilience.Execute(w.Breaker, func() (submitResponse, error) {
			return w.doSubmit(ctx, ti)
		})
	})
	if err != nil {
		return err
	}
	if out.RemoteID == "" {
		// The remote rejected the payload outright (doSubmit's 4xx path):
		// there is nothing to poll, so fail the instance now rather than
		// leave it stuck.
		return w.Store.UpdateTaskInstancePushState(ctx, ti.ID, model.StatusFailed, nil)
	}
	return w.Store.UpdateTaskInstancePushState(ctx, ti.ID, model.StatusPushed, map[string]any{"remote_id": out.RemoteID})
}

func (w *WebhookPushWorker) doSubmit(ctx context.Context, ti *model.TaskInstance) (submitResponse, error) {
	body, err := json.Marshal(submitRequest{InstanceID: ti.ID, TaskName: ti.TaskName, Params: ti.Params})
	if err != nil {
		return submitResponse{}, fmt.Errorf("marshal submit request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.SubmitURL, bytes.NewReader(body))
	if err != nil {
		return submitResponse{}, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return submitResponse{}, fmt.Errorf("submit instance %d: %w", ti.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return submitResponse{}, fmt.Errorf("submit instance %d: remote returned %d", ti.ID, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Client error: the remote rejected the payload outright, not a
		// transient condition worth retrying.
		return submitResponse{}, nil
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return submitResponse{}, fmt.Errorf("decode submit response for instance %d: %w", ti.ID, err)
	}
	return out, nil
}

// Reconcile polls each in-flight instance's remote status and maps it back
// onto taskflow's status vocabulary. Real status mapping is destination
// specific; this demo reports a 4xx/5xx poll as an error and leaves the
// instance's status unchanged, as it does for a remote state outside the
// mapping in remoteStatus.
func (w *WebhookPushWorker) Reconcile(ctx context.Context, instances []*model.TaskInstance, dryRun bool) error {
	if dryRun {
		return nil
	}
	var firstErr error
	for _, ti := range instances {
		if err := w.reconcileOne(ctx, ti); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type statusResponse struct {
	Status string `json:"status"`
}

// remoteStatus maps the destination's remote state vocabulary onto
// taskflow's status vocabulary.
func remoteStatus(raw string) (model.Status, bool) {
	switch strings.ToUpper(raw) {
	case "SUBMITTED", "PENDING", "RUNNABLE":
		return model.StatusPushed, true
	case "STARTING", "RUNNING":
		return model.StatusRunning, true
	case "SUCCEEDED":
		return model.StatusSuccess, true
	case "FAILED":
		return model.StatusFailed, true
	default:
		return "", false
	}
}

func (w *WebhookPushWorker) reconcileOne(ctx context.Context, ti *model.TaskInstance) error {
	remoteID, _ := ti.PushState["remote_id"].(string)
	if remoteID == "" {
		return nil
	}
	url := fmt.Sprintf(w.StatusURL, remoteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build status request for instance %d: %w", ti.ID, err)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("poll status for instance %d: %w", ti.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("poll status for instance %d: remote returned %d", ti.ID, resp.StatusCode)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode status response for instance %d: %w", ti.ID, err)
	}
	next, ok := remoteStatus(out.Status)
	if !ok || next == ti.Status {
		return nil
	}

	if next == model.StatusSuccess || next == model.StatusFailed {
		return w.Store.CompleteTaskInstance(ctx, ti.ID, next, time.Now())
	}
	return w.Store.UpdateTaskInstancePushState(ctx, ti.ID, next, ti.PushState)
}

// LogURL builds a link into the remote executor's console for this
// instance, when one is known.
func (w *WebhookPushWorker) LogURL(ti *model.TaskInstance) (string, bool) {
	remoteID, ok := ti.PushState["remote_id"].(string)
	if !ok || remoteID == "" {
		return "", false
	}
	return fmt.Sprintf(w.StatusURL, remoteID), true
}
