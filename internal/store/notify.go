package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// WakeChannel is the Postgres NOTIFY channel the Store signals on every new
// queued instance, letting the pull-worker loop wake early instead of
// waiting out its configured sleep interval.
const WakeChannel = "taskflow_wake"

// Waiter wraps a pq.Listener subscribed to WakeChannel. It is an optional
// fast path: the pull loop remains correct without it, only less
// responsive, which is why its use is confined to cmd/taskflow's loop sleeps
// rather than the Store's transactional contract.
type Waiter struct {
	listener *pq.Listener
}

// NewWaiter opens a dedicated LISTEN connection. dsn must be the same
// database the Store writes to.
func NewWaiter(dsn string) (*Waiter, error) {
	problem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("listener event", "event", ev, "error", err)
		}
	}
	listener := pq.NewListener(dsn, 2*time.Second, time.Minute, problem)
	if err := listener.Listen(WakeChannel); err != nil {
		return nil, err
	}
	return &Waiter{listener: listener}, nil
}

// Wait blocks until a notification arrives, the context is done, or timeout
// elapses, whichever comes first.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.listener.Notify:
	case <-time.After(timeout):
	}
}

func (w *Waiter) Close() error {
	return w.listener.Close()
}
