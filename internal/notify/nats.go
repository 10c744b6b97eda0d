package notify

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
	"github.com/CityOfPhiladelphia/taskflow/internal/natsctx"
)

// Subjects used by NATSSink, consumed by out-of-process observers such as
// the admin API and external alerting.
const (
	SubjectWorkflowSuccess = "taskflow.workflow.success"
	SubjectWorkflowFailed  = "taskflow.workflow.failed"
	SubjectTaskRetry       = "taskflow.task.retry"
	SubjectHeartbeat       = "taskflow.heartbeat"
)

// NATSSink publishes lifecycle events with trace-context propagation.
type NATSSink struct {
	conn *nats.Conn
}

func NewNATSSink(conn *nats.Conn) *NATSSink {
	return &NATSSink{conn: conn}
}

func (s *NATSSink) publish(ctx context.Context, subject, eventType string, payload any) {
	if err := natsctx.PublishEvent(ctx, s.conn, subject, eventType, payload); err != nil {
		slog.Warn("nats notification publish failed", "subject", subject, "event_type", eventType, "error", err)
	}
}

func (s *NATSSink) WorkflowSuccess(ctx context.Context, wi *model.WorkflowInstance) {
	s.publish(ctx, SubjectWorkflowSuccess, "workflow_success", wi)
}

func (s *NATSSink) WorkflowFailed(ctx context.Context, wi *model.WorkflowInstance) {
	s.publish(ctx, SubjectWorkflowFailed, "workflow_failed", wi)
}

func (s *NATSSink) TaskRetry(ctx context.Context, ti *model.TaskInstance) {
	s.publish(ctx, SubjectTaskRetry, "task_retry", ti)
}

func (s *NATSSink) Heartbeat(ctx context.Context, component string) {
	s.publish(ctx, SubjectHeartbeat, "heartbeat", map[string]string{"component": component})
}
