package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Filter narrows a paginated activity listing.
type Filter struct {
	QueueName  string
	Action     string
	MessageID  string
	ConsumerID string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

type entryRow struct {
	Entry
	ContextRaw []byte `db:"context"`
}

// List returns matching entries newest first, plus the total match count.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Entry, int64, error) {
	where := "1=1"
	args := []any{}
	n := 0

	add := func(clause string, value any) {
		n++
		where += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, value)
	}

	if f.QueueName != "" {
		add("queue_name =", f.QueueName)
	}
	if f.Action != "" {
		add("action =", f.Action)
	}
	if f.MessageID != "" {
		add("message_id =", f.MessageID)
	}
	if f.ConsumerID != "" {
		add("consumer_id =", f.ConsumerID)
	}
	if f.Since != nil {
		add("created_at >=", *f.Since)
	}
	if f.Until != nil {
		add("created_at <=", *f.Until)
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM activity_logs WHERE ` + where
	if err := r.store.Read().QueryRowxContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count activity: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, action, message_id, message_type, consumer_id, queue_name, payload_size, processing_time_ms, attempt_count, context, created_at
		FROM activity_logs
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	args = append(args, limit, f.Offset)

	var rows []entryRow
	if err := r.store.Read().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list activity: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry := row.Entry
		if len(row.ContextRaw) > 0 {
			_ = json.Unmarshal(row.ContextRaw, &entry.Context)
		}
		entries = append(entries, entry)
	}
	return entries, total, nil
}
