// Package executor implements locally-run task bodies. Each task name maps
// to an Executable; the Worker resolves and invokes it.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
)

// Result is the outcome of a successful Executable.Run.
type Result struct {
	Output string
}

// Executable is implemented by every task body the Worker can invoke
// directly (as opposed to push-delegated tasks, which never reach here).
type Executable interface {
	Run(ctx context.Context, ti *model.TaskInstance) (Result, error)
	// OnKill is invoked when the Worker receives a termination signal
	// mid-execution; it should release any held resources. It does not
	// need to be able to stop Run; the row remains running until
	// timeout-stealing reaps it.
	OnKill(ti *model.TaskInstance)
}

// Registry maps task names to their Executable, populated at process start
// by whatever package registers concrete task implementations.
type Registry struct {
	byName map[string]Executable
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Executable)}
}

func (r *Registry) Register(taskName string, exec Executable) {
	r.byName[taskName] = exec
}

func (r *Registry) Lookup(taskName string) (Executable, bool) {
	exec, ok := r.byName[taskName]
	return exec, ok
}

// HTTPExecutor runs a task by issuing a single HTTP request built from the
// task instance's params (`url`, `method`, `body`).
type HTTPExecutor struct {
	Client *http.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{Client: &http.Client{Timeout: 60 * time.Second}}
}

func (h *HTTPExecutor) Run(ctx context.Context, ti *model.TaskInstance) (Result, error) {
	url, _ := ti.Params["url"].(string)
	if url == "" {
		return Result{}, fmt.Errorf("http task %q missing required param %q", ti.TaskName, "url")
	}
	method, _ := ti.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if b, ok := ti.Params["body"].(string); ok && b != "" {
		body = bytes.NewBufferString(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("http task %q received status %d", ti.TaskName, resp.StatusCode)
	}
	return Result{Output: string(data)}, nil
}

func (h *HTTPExecutor) OnKill(ti *model.TaskInstance) {
	// The in-flight *http.Request is already bound to the Worker's
	// cancellable context; cancellation closes the connection. Nothing
	// further to release here.
}
