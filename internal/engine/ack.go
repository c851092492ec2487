package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/activity"
	"github.com/mood-agency/relay-sub002/internal/anomaly"
	"github.com/mood-agency/relay-sub002/internal/relayerr"
)

// validateProcessing runs the shared ack/nack precondition checks. The lock
// token check is skipped when the caller presents none; older consumers do
// not carry tokens.
func validateProcessing(m *Message, lockToken string) error {
	if m.Status != StatusProcessing {
		return relayerr.New(relayerr.CodeInvalidState,
			"message %q is %s, expected processing", m.ID, m.Status)
	}
	if lockToken != "" && lockToken != m.lockTokenOrEmpty() {
		return relayerr.New(relayerr.CodeLockLost,
			"lock token mismatch for message %q", m.ID)
	}
	return nil
}

// Ack marks a processing message acknowledged. The transition is a
// conditional update; losing the race to the reaper surfaces UPDATE_FAILED.
func (e *Engine) Ack(ctx context.Context, id, lockToken string) error {
	m, table, err := e.loadMessage(ctx, id)
	if err != nil {
		return err
	}
	if err := validateProcessing(m, lockToken); err != nil {
		e.fireLockAnomaly(ctx, m, lockToken, err)
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = 'acknowledged',
			acknowledged_at = now(),
			lock_token = NULL,
			locked_until = NULL
		WHERE id = $1 AND status = 'processing'
		RETURNING acknowledged_at`, table)

	var ackedAt time.Time
	err = e.store.Write().QueryRowxContext(ctx, query, id).Scan(&ackedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return relayerr.New(relayerr.CodeUpdateFailed,
			"message %q left processing before ack", id)
	}
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}

	e.afterAck(ctx, m, ackedAt)
	return nil
}

func (e *Engine) afterAck(ctx context.Context, m *Message, ackedAt time.Time) {
	var processingMS int64
	var processing time.Duration
	if m.DequeuedAt != nil {
		processing = ackedAt.Sub(*m.DequeuedAt)
		processingMS = processing.Milliseconds()
	}

	e.stats.RecordAck(ctx, m.consumerOrEmpty())

	e.activity.Log(activity.Entry{
		Action:           "ack",
		MessageID:        &m.ID,
		MessageType:      m.Type,
		QueueName:        &m.QueueName,
		ConsumerID:       m.ConsumerID,
		ProcessingTimeMS: &processingMS,
	})

	records := e.anomalies.Run(ctx, anomaly.Event{
		Name:              anomaly.EventAck,
		QueueName:         m.QueueName,
		MessageID:         m.ID,
		MessageType:       m.typeOrEmpty(),
		ConsumerID:        m.consumerOrEmpty(),
		AckTimeoutSeconds: m.AckTimeoutSeconds,
		ProcessingTime:    processing,
	})
	e.recordAnomalies(records)

	if e.metrics != nil {
		e.metrics.AckedTotal.WithLabelValues(m.QueueName).Inc()
	}
	e.emitChange(ctx, "acknowledge", m.QueueName, m.ID)

	e.logger.Debug("message acknowledged",
		zap.String("message_id", m.ID),
		zap.String("queue", m.QueueName),
		zap.Int64("processing_time_ms", processingMS))
}

// Nack returns a processing message to the queue, or moves it to the DLQ
// once attempts are exhausted. Requeue restores the enqueue-time priority.
func (e *Engine) Nack(ctx context.Context, id, lockToken, reason string) error {
	m, table, err := e.loadMessage(ctx, id)
	if err != nil {
		return err
	}
	if err := validateProcessing(m, lockToken); err != nil {
		e.fireLockAnomaly(ctx, m, lockToken, err)
		return err
	}

	// Effective cap is the lower of the row's max_attempts and the global
	// setting, so a runaway per-message value cannot retry forever.
	maxAttempts := m.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > e.opts.DefaultMaxAttempts {
		maxAttempts = e.opts.DefaultMaxAttempts
	}
	toDead := m.AttemptCount >= maxAttempts

	var query string
	if toDead {
		query = fmt.Sprintf(`
			UPDATE %s SET
				status = 'dead',
				last_error = $2,
				lock_token = NULL,
				locked_until = NULL
			WHERE id = $1 AND status = 'processing'`, table)
	} else {
		query = fmt.Sprintf(`
			UPDATE %s SET
				status = 'queued',
				priority = COALESCE(original_priority, priority),
				last_error = $2,
				lock_token = NULL,
				locked_until = NULL,
				consumer_id = NULL,
				dequeued_at = NULL
			WHERE id = $1 AND status = 'processing'`, table)
	}

	res, err := e.store.Write().ExecContext(ctx, query, id, nullable(reason))
	if err != nil {
		return fmt.Errorf("nack %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return relayerr.New(relayerr.CodeUpdateFailed,
			"message %q left processing before nack", id)
	}

	e.afterNack(ctx, m, toDead, maxAttempts)
	return nil
}

func (e *Engine) afterNack(ctx context.Context, m *Message, toDead bool, maxAttempts int) {
	outcome := "requeued"
	action := "nack"
	if toDead {
		outcome = "dead"
		action = "move_to_dlq"
	}

	e.stats.RecordFailure(ctx, m.consumerOrEmpty())

	e.activity.Log(activity.Entry{
		Action:       action,
		MessageID:    &m.ID,
		MessageType:  m.Type,
		QueueName:    &m.QueueName,
		ConsumerID:   m.ConsumerID,
		AttemptCount: &m.AttemptCount,
	})

	records := e.anomalies.Run(ctx, anomaly.Event{
		Name:         anomaly.EventNack,
		QueueName:    m.QueueName,
		MessageID:    m.ID,
		MessageType:  m.typeOrEmpty(),
		ConsumerID:   m.consumerOrEmpty(),
		AttemptCount: m.AttemptCount,
		MaxAttempts:  maxAttempts,
	})
	e.recordAnomalies(records)

	if e.metrics != nil {
		e.metrics.NackedTotal.WithLabelValues(m.QueueName, outcome).Inc()
	}
	event := "requeue"
	if toDead {
		event = "move_to_dlq"
	}
	e.emitChange(ctx, event, m.QueueName, m.ID)

	e.logger.Debug("message nacked",
		zap.String("message_id", m.ID),
		zap.String("queue", m.QueueName),
		zap.String("outcome", outcome),
		zap.Int("attempt_count", m.AttemptCount))
}

// Touch extends a claim's deadline. The token is required and never
// rotated; touch extends, it does not reclaim.
func (e *Engine) Touch(ctx context.Context, id, lockToken string, extendSeconds int) (*TouchResult, error) {
	if lockToken == "" {
		return nil, relayerr.New(relayerr.CodeValidation, "lock_token is required")
	}

	_, table, err := e.loadMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			locked_until = now() + make_interval(secs => CASE WHEN $3 > 0 THEN $3 ELSE ack_timeout_seconds END)
		WHERE id = $1 AND status = 'processing' AND lock_token = $2
		RETURNING locked_until`, table)

	var until time.Time
	err = e.store.Write().QueryRowxContext(ctx, query, id, lockToken, extendSeconds).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relayerr.New(relayerr.CodeLockLost,
			"message %q is not processing under this token", id)
	}
	if err != nil {
		return nil, fmt.Errorf("touch %s: %w", id, err)
	}

	e.activity.Log(activity.Entry{
		Action:    "touch",
		MessageID: &id,
	})

	return &TouchResult{NewTimeoutAt: until, LockToken: lockToken}, nil
}

// fireLockAnomaly reports a token mismatch to the anomaly engine. State
// errors other than LOCK_LOST pass through silently.
func (e *Engine) fireLockAnomaly(ctx context.Context, m *Message, presented string, cause error) {
	if code, ok := relayerr.CodeOf(cause); !ok || code != relayerr.CodeLockLost {
		return
	}
	records := e.anomalies.Run(ctx, anomaly.Event{
		Name:           anomaly.EventAck,
		QueueName:      m.QueueName,
		MessageID:      m.ID,
		ConsumerID:     m.consumerOrEmpty(),
		PresentedToken: presented,
		CurrentToken:   m.lockTokenOrEmpty(),
	})
	e.recordAnomalies(records)
}
