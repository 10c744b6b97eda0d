// Package natsctx propagates OpenTelemetry trace context over NATS message
// headers. It also stamps every message with a taskflow event-type header so
// a subscriber on a wildcard subject (e.g. "taskflow.>") can dispatch
// without re-parsing the subject string, and surfaces that type as a span
// attribute for trace-based filtering.
package natsctx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// EventTypeHeader names the NATS header carrying the taskflow event kind
// (e.g. "workflow_success", "task_retry"), set by PublishEvent and read back
// by Subscribe's span instrumentation.
const EventTypeHeader = "Taskflow-Event-Type"

// Publish injects the current trace context into message headers and
// publishes to subject.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// PublishEvent marshals payload as JSON, tags the message with eventType
// (the same vocabulary as store.Event.Event — "workflow_success",
// "workflow_failed", "task_retry", "heartbeat"), and publishes it with trace
// context propagated.
func PublishEvent(ctx context.Context, nc *nats.Conn, subject, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	hdr := nats.Header{}
	hdr.Set(EventTypeHeader, eventType)
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// Subscribe wraps nc.Subscribe, extracting trace context from each message
// and starting a consumer span around handler, tagged with the subject and
// the taskflow event type (if the publisher set one via PublishEvent).
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("taskflow-nats")
		ctx, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		span.SetAttributes(
			attribute.String("messaging.destination", subject),
			attribute.String("taskflow.event_type", m.Header.Get(EventTypeHeader)),
		)
		defer span.End()
		handler(ctx, m)
	})
}
