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
	"github.com/mood-agency/relay-sub002/internal/ident"
	"github.com/mood-agency/relay-sub002/internal/queue"
)

// DequeueRequest selects the next claimable message.
type DequeueRequest struct {
	Queue             string        `json:"queue"`
	Wait              time.Duration `json:"-"`
	AckTimeoutSeconds int           `json:"ack_timeout_seconds,omitempty"`
	TypeFilter        string        `json:"type,omitempty"`
	ConsumerID        string        `json:"consumer_id,omitempty"`
}

const (
	pollBackoffStart = 100 * time.Millisecond
	pollBackoffCap   = time.Second
)

// Dequeue claims the next queued message: highest priority first, oldest
// first within a priority. With Wait > 0 it long-polls with exponential
// backoff until the deadline; an empty queue returns (nil, nil).
func (e *Engine) Dequeue(ctx context.Context, req DequeueRequest) (*Claim, error) {
	cfg, err := e.queues.GetConfig(ctx, req.Queue)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	deadline := started.Add(req.Wait)
	backoff := pollBackoffStart

	for {
		claim, err := e.claimOne(ctx, req, cfg)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			e.afterDequeue(ctx, req, claim, time.Since(started))
			return claim, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		if backoff < pollBackoffCap {
			backoff *= 2
			if backoff > pollBackoffCap {
				backoff = pollBackoffCap
			}
		}
	}
}

// claimOne performs the atomic skip-locked claim. Selection and transition
// happen in one statement; there is no window between pick and lock.
func (e *Engine) claimOne(ctx context.Context, req DequeueRequest, cfg queue.Config) (*Claim, error) {
	table := queue.TableForType(cfg.Type)
	token := ident.LockToken()

	filter := ""
	args := []any{req.Queue, token, nullable(req.ConsumerID), req.AckTimeoutSeconds}
	if req.TypeFilter != "" {
		filter = " AND type = $5"
		args = append(args, req.TypeFilter)
	}

	query := fmt.Sprintf(`
		UPDATE %[1]s SET
			status = 'processing',
			lock_token = $2,
			consumer_id = $3,
			dequeued_at = now(),
			attempt_count = attempt_count + 1,
			locked_until = now() + make_interval(secs => CASE WHEN $4 > 0 THEN $4 ELSE ack_timeout_seconds END)
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE queue_name = $1 AND status = 'queued'%[2]s
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %[3]s`, table, filter, messageColumns)

	var m Message
	err := e.store.Write().GetContext(ctx, &m, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", req.Queue, err)
	}

	claim := &Claim{
		Message:      &m,
		LockToken:    token,
		AttemptCount: m.AttemptCount,
	}
	if m.DequeuedAt != nil {
		claim.ProcessingStartedAt = *m.DequeuedAt
	}
	return claim, nil
}

func (e *Engine) afterDequeue(ctx context.Context, req DequeueRequest, claim *Claim, waited time.Duration) {
	msg := claim.Message
	timeInQueue := claim.ProcessingStartedAt.Sub(msg.CreatedAt)

	e.stats.RecordDequeue(ctx, req.ConsumerID)

	e.activity.Log(activity.Entry{
		Action:       "dequeue",
		MessageID:    &msg.ID,
		MessageType:  msg.Type,
		QueueName:    &msg.QueueName,
		ConsumerID:   msg.ConsumerID,
		AttemptCount: &msg.AttemptCount,
	})

	records := e.anomalies.Run(ctx, anomaly.Event{
		Name:         anomaly.EventDequeue,
		QueueName:    msg.QueueName,
		MessageID:    msg.ID,
		MessageType:  msg.typeOrEmpty(),
		ConsumerID:   req.ConsumerID,
		AttemptCount: msg.AttemptCount,
		MaxAttempts:  msg.MaxAttempts,
		TimeInQueue:  timeInQueue,
	})
	e.recordAnomalies(records)

	if e.metrics != nil {
		e.metrics.RecordDequeue(msg.QueueName, waited, timeInQueue)
	}
	e.emitChange(ctx, "dequeue", msg.QueueName, msg.ID)

	e.logger.Debug("message claimed",
		zap.String("message_id", msg.ID),
		zap.String("queue", msg.QueueName),
		zap.String("consumer_id", req.ConsumerID),
		zap.Int("attempt", msg.AttemptCount))
}
