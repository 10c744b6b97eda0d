package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/CityOfPhiladelphia/taskflow/internal/model"
)

// SlackSink posts lifecycle events to a Slack channel.
type SlackSink struct {
	client  *slack.Client
	channel string
}

// NewSlackSink builds a sink posting to channel using token.
func NewSlackSink(token, channel string) *SlackSink {
	return &SlackSink{client: slack.New(token), channel: channel}
}

func (s *SlackSink) post(text string) {
	_, _, err := s.client.PostMessage(s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		slog.Warn("slack notification failed", "error", err)
	}
}

func (s *SlackSink) WorkflowSuccess(_ context.Context, wi *model.WorkflowInstance) {
	s.post(fmt.Sprintf(":white_check_mark: workflow `%s` (instance %d) succeeded", wi.WorkflowName, wi.ID))
}

func (s *SlackSink) WorkflowFailed(_ context.Context, wi *model.WorkflowInstance) {
	s.post(fmt.Sprintf(":x: workflow `%s` (instance %d) failed", wi.WorkflowName, wi.ID))
}

func (s *SlackSink) TaskRetry(_ context.Context, ti *model.TaskInstance) {
	s.post(fmt.Sprintf(":warning: task `%s` (instance %d) retrying, attempt %d/%d", ti.TaskName, ti.ID, ti.Attempts, ti.MaxAttempts))
}

func (s *SlackSink) Heartbeat(context.Context, string) {
	// Heartbeats are deliberately not posted to Slack; they exist for the
	// LogSink/metrics destinations only, to avoid channel noise.
}
