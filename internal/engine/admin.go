package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/activity"
	"github.com/mood-agency/relay-sub002/internal/anomaly"
	"github.com/mood-agency/relay-sub002/internal/ident"
	"github.com/mood-agency/relay-sub002/internal/queue"
	"github.com/mood-agency/relay-sub002/internal/relayerr"
)

// manualConsumerID marks rows moved into processing by an operator rather
// than a claim. Such locks carry a real token and are reapable.
const manualConsumerID = "manual"

// RequeueFailed moves every dead message back to queued with its attempt
// counter reset, across all backing tables. Returns the total moved.
func (e *Engine) RequeueFailed(ctx context.Context, queueName string) (int, error) {
	total := 0
	for _, table := range queue.Tables() {
		filter := ""
		args := []any{}
		if queueName != "" {
			filter = " AND queue_name = $1"
			args = append(args, queueName)
		}
		query := fmt.Sprintf(`
			UPDATE %s SET
				status = 'queued',
				attempt_count = 0,
				priority = COALESCE(original_priority, priority),
				lock_token = NULL,
				locked_until = NULL,
				consumer_id = NULL,
				dequeued_at = NULL,
				last_error = NULL
			WHERE status = 'dead'%s`, table, filter)

		res, err := e.store.Write().ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("requeue failed in %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}

	if total > 0 {
		e.activity.Log(activity.Entry{
			Action:    "requeue_failed",
			QueueName: nullableStr(queueName),
			Context:   map[string]any{"count": total},
		})
		e.emitChange(ctx, "requeue", queueName, "")
		e.logger.Info("requeued failed messages",
			zap.String("queue", queueName), zap.Int("count", total))
	}
	return total, nil
}

// MoveRequest is an administrative message move.
type MoveRequest struct {
	IDs        []string `json:"ids"`
	FromStatus Status   `json:"from_status"`
	ToStatus   Status   `json:"to_status"`
	Queue      string   `json:"queue,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// MoveMessages forces the given ids from one status to another, keeping the
// lock fields consistent: a move into processing installs a fresh token
// under the manual consumer id, any other target clears them.
func (e *Engine) MoveMessages(ctx context.Context, req MoveRequest) (int, error) {
	if len(req.IDs) == 0 {
		return 0, nil
	}
	if req.FromStatus == req.ToStatus {
		return 0, relayerr.New(relayerr.CodeValidation, "from_status equals to_status")
	}

	total := 0
	for _, table := range queue.Tables() {
		var query string
		args := []any{pq.Array(req.IDs), string(req.FromStatus)}

		switch req.ToStatus {
		case StatusProcessing:
			token := ident.LockToken()
			query = fmt.Sprintf(`
				UPDATE %s SET
					status = 'processing',
					lock_token = $3,
					consumer_id = $4,
					dequeued_at = now(),
					locked_until = now() + make_interval(secs => ack_timeout_seconds)
				WHERE id = ANY($1) AND status = $2`, table)
			args = append(args, token, manualConsumerID)
		case StatusQueued:
			query = fmt.Sprintf(`
				UPDATE %s SET
					status = 'queued',
					priority = COALESCE(original_priority, priority),
					lock_token = NULL,
					locked_until = NULL,
					consumer_id = NULL,
					dequeued_at = NULL
				WHERE id = ANY($1) AND status = $2`, table)
		default:
			query = fmt.Sprintf(`
				UPDATE %s SET
					status = $3,
					lock_token = NULL,
					locked_until = NULL
				WHERE id = ANY($1) AND status = $2`, table)
			args = append(args, string(req.ToStatus))
		}

		res, err := e.store.Write().ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("move messages in %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}

	if total > 0 {
		e.afterMove(ctx, req, total)
	}
	return total, nil
}

func (e *Engine) afterMove(ctx context.Context, req MoveRequest, count int) {
	e.activity.Log(activity.Entry{
		Action:    "move_messages",
		QueueName: nullableStr(req.Queue),
		Context: map[string]any{
			"from":   string(req.FromStatus),
			"to":     string(req.ToStatus),
			"count":  count,
			"reason": req.Reason,
		},
	})

	records := e.anomalies.Run(ctx, anomaly.Event{
		Name:          anomaly.EventBulk,
		QueueName:     req.Queue,
		Operation:     "move",
		AffectedCount: count,
	})
	e.recordAnomalies(records)

	e.emitChange(ctx, "update", req.Queue, "")
	e.logger.Info("moved messages",
		zap.String("from", string(req.FromStatus)),
		zap.String("to", string(req.ToStatus)),
		zap.Int("count", count))
}

// ClearQueue deletes every message in a queue regardless of status and
// returns the number removed.
func (e *Engine) ClearQueue(ctx context.Context, queueName string) (int, error) {
	cfg, err := e.queues.GetConfig(ctx, queueName)
	if err != nil {
		return 0, err
	}
	table := queue.TableForType(cfg.Type)

	res, err := e.store.Write().ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE queue_name = $1`, table), queueName)
	if err != nil {
		return 0, fmt.Errorf("clear queue %s: %w", queueName, err)
	}
	count64, _ := res.RowsAffected()
	count := int(count64)

	e.activity.Log(activity.Entry{
		Action:    "clear_queue",
		QueueName: &queueName,
		Context:   map[string]any{"count": count},
	})

	records := e.anomalies.Run(ctx, anomaly.Event{
		Name:          anomaly.EventClear,
		QueueName:     queueName,
		AffectedCount: count,
	})
	e.recordAnomalies(records)

	e.emitChange(ctx, "delete", queueName, "")
	e.logger.Warn("queue cleared", zap.String("queue", queueName), zap.Int("count", count))
	return count, nil
}

// StatusCounts is the per-status breakdown of one queue.
type StatusCounts struct {
	QueueName    string `db:"queue_name" json:"queue_name"`
	Queued       int    `db:"queued" json:"queued"`
	Processing   int    `db:"processing" json:"processing"`
	Acknowledged int    `db:"acknowledged" json:"acknowledged"`
	Dead         int    `db:"dead" json:"dead"`
	Archived     int    `db:"archived" json:"archived"`
}

// StatusSnapshot is the broker-wide status report.
type StatusSnapshot struct {
	Healthy   bool           `json:"healthy"`
	Queues    []StatusCounts `json:"queues"`
	Timestamp time.Time      `json:"timestamp"`
}

// GetStatus reports store health and per-queue status counts.
func (e *Engine) GetStatus(ctx context.Context) (*StatusSnapshot, error) {
	snap := &StatusSnapshot{Timestamp: time.Now().UTC()}
	snap.Healthy = e.store.Health(ctx) == nil

	query := `
		SELECT queue_name,
			COUNT(*) FILTER (WHERE status = 'queued')       AS queued,
			COUNT(*) FILTER (WHERE status = 'processing')   AS processing,
			COUNT(*) FILTER (WHERE status = 'acknowledged') AS acknowledged,
			COUNT(*) FILTER (WHERE status = 'dead')         AS dead,
			COUNT(*) FILTER (WHERE status = 'archived')     AS archived
		FROM (
			SELECT queue_name, status FROM messages
			UNION ALL
			SELECT queue_name, status FROM messages_unlogged
		) AS all_messages
		GROUP BY queue_name
		ORDER BY queue_name`

	if err := e.store.Read().SelectContext(ctx, &snap.Queues, query); err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	return snap, nil
}

// MetricsSnapshot aggregates broker-wide throughput numbers.
type MetricsSnapshot struct {
	TotalMessages  int        `db:"total_messages" json:"total_messages"`
	TotalQueued    int        `db:"total_queued" json:"total_queued"`
	TotalInFlight  int        `db:"total_in_flight" json:"total_in_flight"`
	TotalDead      int        `db:"total_dead" json:"total_dead"`
	OldestQueuedAt *time.Time `db:"oldest_queued_at" json:"oldest_queued_at,omitempty"`
}

// GetMetrics returns an aggregate snapshot over all backing tables.
func (e *Engine) GetMetrics(ctx context.Context) (*MetricsSnapshot, error) {
	query := `
		SELECT
			COUNT(*)                                          AS total_messages,
			COUNT(*) FILTER (WHERE status = 'queued')         AS total_queued,
			COUNT(*) FILTER (WHERE status = 'processing')     AS total_in_flight,
			COUNT(*) FILTER (WHERE status = 'dead')           AS total_dead,
			MIN(created_at) FILTER (WHERE status = 'queued')  AS oldest_queued_at
		FROM (
			SELECT status, created_at FROM messages
			UNION ALL
			SELECT status, created_at FROM messages_unlogged
		) AS all_messages`

	var snap MetricsSnapshot
	if err := e.store.Read().GetContext(ctx, &snap, query); err != nil {
		return nil, fmt.Errorf("metrics snapshot: %w", err)
	}
	return &snap, nil
}

// GetMessage loads one message by id.
func (e *Engine) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, _, err := e.loadMessage(ctx, id)
	return m, err
}

// ListMessages returns messages in a queue filtered by status, newest
// first, paginated.
func (e *Engine) ListMessages(ctx context.Context, queueName string, status Status, limit, offset int) ([]Message, error) {
	cfg, err := e.queues.GetConfig(ctx, queueName)
	if err != nil {
		return nil, err
	}
	table := queue.TableForType(cfg.Type)

	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	filter := ""
	args := []any{queueName}
	if status != "" {
		filter = " AND status = $2"
		args = append(args, string(status))
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE queue_name = $1%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, messageColumns, table, filter, len(args)-1, len(args))

	var msgs []Message
	if err := e.store.Read().SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("list messages in %s: %w", queueName, err)
	}
	return msgs, nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
