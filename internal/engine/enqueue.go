package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/activity"
	"github.com/mood-agency/relay-sub002/internal/anomaly"
	"github.com/mood-agency/relay-sub002/internal/ident"
	"github.com/mood-agency/relay-sub002/internal/queue"
	"github.com/mood-agency/relay-sub002/internal/relayerr"
)

// EnqueueRequest is one message to insert.
type EnqueueRequest struct {
	ID                string          `json:"id,omitempty"`
	Queue             string          `json:"queue"`
	Type              string          `json:"type,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	Priority          int             `json:"priority"`
	MaxAttempts       int             `json:"max_attempts,omitempty"`
	AckTimeoutSeconds int             `json:"ack_timeout_seconds,omitempty"`
}

// Enqueue inserts one message in status queued. The queue must exist; the
// priority is clamped; original_priority records the enqueue priority so
// retries never drift.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*Message, error) {
	cfg, err := e.queues.GetConfig(ctx, req.Queue)
	if err != nil {
		return nil, err
	}

	msg := e.buildMessage(req, cfg)
	table := queue.TableForType(cfg.Type)

	query := fmt.Sprintf(`
		INSERT INTO %s (id, queue_name, type, payload, priority, original_priority, status, max_attempts, ack_timeout_seconds, payload_size)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7, $8, $9)
		RETURNING created_at`, table)

	err = e.store.Write().QueryRowxContext(ctx, query,
		msg.ID, msg.QueueName, msg.Type, []byte(msg.Payload), msg.Priority, msg.OriginalPriority,
		msg.MaxAttempts, msg.AckTimeoutSeconds, msg.PayloadSize,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue into %s: %w", req.Queue, err)
	}

	e.afterEnqueue(ctx, msg)
	return msg, nil
}

// EnqueueBatch inserts all messages with a shared queue and priority in a
// single multi-values statement.
func (e *Engine) EnqueueBatch(ctx context.Context, queueName string, priority int, reqs []EnqueueRequest) ([]*Message, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	cfg, err := e.queues.GetConfig(ctx, queueName)
	if err != nil {
		return nil, err
	}
	table := queue.TableForType(cfg.Type)

	msgs := make([]*Message, len(reqs))
	placeholders := make([]string, len(reqs))
	args := make([]any, 0, len(reqs)*9)

	for i, req := range reqs {
		req.Queue = queueName
		req.Priority = priority
		msg := e.buildMessage(req, cfg)
		msgs[i] = msg

		base := i * 9
		placeholders[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, 'queued', $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args,
			msg.ID, msg.QueueName, msg.Type, []byte(msg.Payload), msg.Priority, msg.OriginalPriority,
			msg.MaxAttempts, msg.AckTimeoutSeconds, msg.PayloadSize)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, queue_name, type, payload, priority, original_priority, status, max_attempts, ack_timeout_seconds, payload_size) VALUES %s`,
		table, strings.Join(placeholders, ", "))

	if _, err := e.store.Write().ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("batch enqueue into %s: %w", queueName, err)
	}

	now := time.Now().UTC()
	for _, msg := range msgs {
		msg.CreatedAt = now
	}

	e.afterEnqueueBatch(ctx, queueName, msgs)
	return msgs, nil
}

func (e *Engine) buildMessage(req EnqueueRequest, cfg queue.Config) *Message {
	id := req.ID
	if id == "" {
		id = ident.MessageID()
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = e.opts.DefaultMaxAttempts
	}

	priority := e.clampPriority(req.Priority)

	msg := &Message{
		ID:                id,
		QueueName:         req.Queue,
		Payload:           payload,
		Priority:          priority,
		OriginalPriority:  priority,
		Status:            StatusQueued,
		MaxAttempts:       maxAttempts,
		AckTimeoutSeconds: e.effectiveAckTimeout(req.AckTimeoutSeconds, cfg),
		PayloadSize:       len(payload),
	}
	if req.Type != "" {
		msg.Type = &req.Type
	}
	return msg
}

func (e *Engine) afterEnqueue(ctx context.Context, msg *Message) {
	e.activity.Log(activity.Entry{
		Action:      "enqueue",
		MessageID:   &msg.ID,
		MessageType: msg.Type,
		QueueName:   &msg.QueueName,
		PayloadSize: &msg.PayloadSize,
	})

	records := e.anomalies.Run(ctx, anomaly.Event{
		Name:        anomaly.EventEnqueue,
		QueueName:   msg.QueueName,
		MessageID:   msg.ID,
		MessageType: msg.typeOrEmpty(),
		PayloadSize: msg.PayloadSize,
	})
	e.recordAnomalies(records)

	if e.metrics != nil {
		e.metrics.EnqueuedTotal.WithLabelValues(msg.QueueName).Inc()
	}
	e.emitChange(ctx, "enqueue", msg.QueueName, msg.ID)

	e.logger.Debug("message enqueued",
		zap.String("message_id", msg.ID),
		zap.String("queue", msg.QueueName),
		zap.Int("priority", msg.Priority))
}

func (e *Engine) afterEnqueueBatch(ctx context.Context, queueName string, msgs []*Message) {
	count := len(msgs)
	e.activity.Log(activity.Entry{
		Action:    "enqueue_batch",
		QueueName: &queueName,
		Context:   map[string]any{"count": count},
	})

	records := e.anomalies.Run(ctx, anomaly.Event{
		Name:          anomaly.EventBulk,
		QueueName:     queueName,
		Operation:     "enqueue",
		AffectedCount: count,
	})
	e.recordAnomalies(records)

	if e.metrics != nil {
		e.metrics.EnqueuedTotal.WithLabelValues(queueName).Add(float64(count))
	}
	e.emitChange(ctx, "enqueue", queueName, "")

	e.logger.Debug("batch enqueued", zap.String("queue", queueName), zap.Int("count", count))
}

// Validate checks an enqueue request before it reaches the insert path.
func (req EnqueueRequest) Validate() error {
	if req.Queue == "" {
		return relayerr.New(relayerr.CodeValidation, "queue is required")
	}
	if req.AckTimeoutSeconds < 0 {
		return relayerr.New(relayerr.CodeValidation, "ack_timeout_seconds must not be negative")
	}
	if req.MaxAttempts < 0 {
		return relayerr.New(relayerr.CodeValidation, "max_attempts must not be negative")
	}
	return nil
}
