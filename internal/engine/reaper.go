package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/activity"
	"github.com/mood-agency/relay-sub002/internal/anomaly"
	"github.com/mood-agency/relay-sub002/internal/queue"
)

// Advisory lock keys, one per backing table, so concurrent broker instances
// do not run redundant sweeps against the same table.
const (
	reaperLockStandard = 71001
	reaperLockUnlogged = 71002
)

// Reaper requeues or dead-letters messages whose processing lock expired.
type Reaper struct {
	engine       *Engine
	advisoryLock bool
	logger       *zap.Logger
}

// NewReaper creates a reaper bound to the engine. With advisoryLock set,
// each sweep holds a transaction-scoped advisory lock per table and yields
// to a concurrently sweeping instance.
func NewReaper(e *Engine, advisoryLock bool) *Reaper {
	return &Reaper{
		engine:       e,
		advisoryLock: advisoryLock,
		logger:       e.logger.With(zap.String("component", "reaper")),
	}
}

// Run sweeps on the configured interval until the context ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.engine.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass over every backing table and returns the total number
// of rows reaped (requeued plus dead-lettered).
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for i, table := range queue.Tables() {
		lockKey := reaperLockStandard
		if i > 0 {
			lockKey = reaperLockUnlogged
		}
		n, err := r.sweepTable(ctx, table, lockKey)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// overdueRow is the projection the sweep works on.
type overdueRow struct {
	ID                string     `db:"id"`
	QueueName         string     `db:"queue_name"`
	Type              *string    `db:"type"`
	ConsumerID        *string    `db:"consumer_id"`
	AttemptCount      int        `db:"attempt_count"`
	MaxAttempts       int        `db:"max_attempts"`
	AckTimeoutSeconds int        `db:"ack_timeout_seconds"`
	LockedUntil       *time.Time `db:"locked_until"`
}

func (r *Reaper) sweepTable(ctx context.Context, table string, lockKey int) (int, error) {
	var rows []overdueRow
	reaped := 0

	err := r.engine.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		if r.advisoryLock {
			var got bool
			if err := tx.GetContext(ctx, &got, `SELECT pg_try_advisory_xact_lock($1)`, lockKey); err != nil {
				return fmt.Errorf("advisory lock: %w", err)
			}
			if !got {
				// Another instance is sweeping this table.
				return nil
			}
		}

		query := fmt.Sprintf(`
			SELECT id, queue_name, type, consumer_id, attempt_count, max_attempts, ack_timeout_seconds, locked_until
			FROM %s
			WHERE status = 'processing' AND locked_until < now()
			ORDER BY locked_until ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1`, table)
		if err := tx.SelectContext(ctx, &rows, query, r.engine.opts.RequeueBatchSize); err != nil {
			return fmt.Errorf("select overdue: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		var requeueIDs, deadIDs []string
		for _, row := range rows {
			if row.AttemptCount >= row.MaxAttempts {
				deadIDs = append(deadIDs, row.ID)
			} else {
				requeueIDs = append(requeueIDs, row.ID)
			}
		}

		// The status and deadline conditions are re-checked inside the
		// update so a row acked between select and update stays acked.
		if len(requeueIDs) > 0 {
			query := fmt.Sprintf(`
				UPDATE %s SET
					status = 'queued',
					priority = COALESCE(original_priority, priority),
					lock_token = NULL,
					locked_until = NULL,
					consumer_id = NULL,
					dequeued_at = NULL,
					last_error = 'Timeout - requeued'
				WHERE id = ANY($1) AND status = 'processing' AND locked_until < now()`, table)
			if _, err := tx.ExecContext(ctx, query, pq.Array(requeueIDs)); err != nil {
				return fmt.Errorf("requeue batch: %w", err)
			}
		}
		if len(deadIDs) > 0 {
			query := fmt.Sprintf(`
				UPDATE %s SET
					status = 'dead',
					lock_token = NULL,
					locked_until = NULL,
					last_error = 'Timeout after max attempts'
				WHERE id = ANY($1) AND status = 'processing' AND locked_until < now()`, table)
			if _, err := tx.ExecContext(ctx, query, pq.Array(deadIDs)); err != nil {
				return fmt.Errorf("dead-letter batch: %w", err)
			}
		}

		reaped = len(requeueIDs) + len(deadIDs)
		return nil
	})
	if err != nil || reaped == 0 {
		return 0, err
	}

	r.afterSweep(ctx, rows)
	return reaped, nil
}

// afterSweep records activity, anomalies and metrics for one pass. All
// anomalies from the pass land in a single batched insert.
func (r *Reaper) afterSweep(ctx context.Context, rows []overdueRow) {
	now := time.Now().UTC()
	entries := make([]activity.Entry, 0, len(rows))
	var anomalies []anomaly.Record
	requeued, dead := 0, 0

	for i := range rows {
		row := &rows[i]
		toDead := row.AttemptCount >= row.MaxAttempts

		action := "reap_requeue"
		if toDead {
			action = "reap_to_dlq"
			dead++
		} else {
			requeued++
		}
		entries = append(entries, activity.Entry{
			Action:       action,
			MessageID:    &row.ID,
			MessageType:  row.Type,
			QueueName:    &row.QueueName,
			ConsumerID:   row.ConsumerID,
			AttemptCount: &row.AttemptCount,
		})

		var overdue time.Duration
		if row.LockedUntil != nil {
			overdue = now.Sub(*row.LockedUntil)
		}
		ev := anomaly.Event{
			Name:              anomaly.EventReap,
			QueueName:         row.QueueName,
			MessageID:         row.ID,
			AttemptCount:      row.AttemptCount,
			MaxAttempts:       row.MaxAttempts,
			AckTimeoutSeconds: row.AckTimeoutSeconds,
			OverdueBy:         overdue,
		}
		if row.ConsumerID != nil {
			ev.ConsumerID = *row.ConsumerID
		}
		anomalies = append(anomalies, r.engine.anomalies.Evaluate(ev)...)
	}

	r.engine.activity.LogBatch(entries)
	r.engine.anomalies.Persist(ctx, anomalies)
	r.engine.recordAnomalies(anomalies)

	if m := r.engine.metrics; m != nil {
		m.ReapedTotal.WithLabelValues("requeued").Add(float64(requeued))
		m.ReapedTotal.WithLabelValues("dead").Add(float64(dead))
	}
	r.engine.emitChange(ctx, "reap", "", "")

	r.logger.Info("sweep reaped overdue messages",
		zap.Int("requeued", requeued), zap.Int("dead", dead))
}
