package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// Operations is the facade the transport consumes. *Engine implements it;
// TelemetryMiddleware wraps it with span events.
type Operations interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*Message, error)
	EnqueueBuffered(ctx context.Context, req EnqueueRequest) (*Message, error)
	EnqueueBatch(ctx context.Context, queueName string, priority int, reqs []EnqueueRequest) ([]*Message, error)
	Dequeue(ctx context.Context, req DequeueRequest) (*Claim, error)
	Ack(ctx context.Context, id, lockToken string) error
	Nack(ctx context.Context, id, lockToken, reason string) error
	Touch(ctx context.Context, id, lockToken string, extendSeconds int) (*TouchResult, error)

	RequeueFailed(ctx context.Context, queueName string) (int, error)
	MoveMessages(ctx context.Context, req MoveRequest) (int, error)
	ClearQueue(ctx context.Context, queueName string) (int, error)
	GetStatus(ctx context.Context) (*StatusSnapshot, error)
	GetMetrics(ctx context.Context) (*MetricsSnapshot, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, queueName string, status Status, limit, offset int) ([]Message, error)
}

type TelemetryMiddleware struct {
	next Operations
}

func NewTelemetryMiddleware(next Operations) Operations {
	return &TelemetryMiddleware{next}
}

func (t *TelemetryMiddleware) Enqueue(ctx context.Context, req EnqueueRequest) (*Message, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Enqueue: queue=%s priority=%d", req.Queue, req.Priority))

	return t.next.Enqueue(ctx, req)
}

func (t *TelemetryMiddleware) EnqueueBuffered(ctx context.Context, req EnqueueRequest) (*Message, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("EnqueueBuffered: queue=%s priority=%d", req.Queue, req.Priority))

	return t.next.EnqueueBuffered(ctx, req)
}

func (t *TelemetryMiddleware) EnqueueBatch(ctx context.Context, queueName string, priority int, reqs []EnqueueRequest) ([]*Message, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("EnqueueBatch: queue=%s priority=%d count=%d", queueName, priority, len(reqs)))

	return t.next.EnqueueBatch(ctx, queueName, priority, reqs)
}

func (t *TelemetryMiddleware) Dequeue(ctx context.Context, req DequeueRequest) (*Claim, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Dequeue: queue=%s consumer=%s", req.Queue, req.ConsumerID))

	return t.next.Dequeue(ctx, req)
}

func (t *TelemetryMiddleware) Ack(ctx context.Context, id, lockToken string) error {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Ack: id=%s", id))

	return t.next.Ack(ctx, id, lockToken)
}

func (t *TelemetryMiddleware) Nack(ctx context.Context, id, lockToken, reason string) error {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Nack: id=%s reason=%s", id, reason))

	return t.next.Nack(ctx, id, lockToken, reason)
}

func (t *TelemetryMiddleware) Touch(ctx context.Context, id, lockToken string, extendSeconds int) (*TouchResult, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Touch: id=%s extend=%ds", id, extendSeconds))

	return t.next.Touch(ctx, id, lockToken, extendSeconds)
}

func (t *TelemetryMiddleware) RequeueFailed(ctx context.Context, queueName string) (int, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("RequeueFailed: queue=%s", queueName))

	return t.next.RequeueFailed(ctx, queueName)
}

func (t *TelemetryMiddleware) MoveMessages(ctx context.Context, req MoveRequest) (int, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("MoveMessages: from=%s to=%s count=%d", req.FromStatus, req.ToStatus, len(req.IDs)))

	return t.next.MoveMessages(ctx, req)
}

func (t *TelemetryMiddleware) ClearQueue(ctx context.Context, queueName string) (int, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("ClearQueue: queue=%s", queueName))

	return t.next.ClearQueue(ctx, queueName)
}

func (t *TelemetryMiddleware) GetStatus(ctx context.Context) (*StatusSnapshot, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("GetStatus")

	return t.next.GetStatus(ctx)
}

func (t *TelemetryMiddleware) GetMetrics(ctx context.Context) (*MetricsSnapshot, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("GetMetrics")

	return t.next.GetMetrics(ctx)
}

func (t *TelemetryMiddleware) GetMessage(ctx context.Context, id string) (*Message, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("GetMessage: id=%s", id))

	return t.next.GetMessage(ctx, id)
}

func (t *TelemetryMiddleware) ListMessages(ctx context.Context, queueName string, status Status, limit, offset int) ([]Message, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("ListMessages: queue=%s status=%s", queueName, status))

	return t.next.ListMessages(ctx, queueName, status, limit, offset)
}
