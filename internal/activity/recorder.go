// Package activity records the append-only lifecycle log. Writes are
// buffered in process and flushed as one multi-values insert; failures are
// logged and dropped so the caller path never observes them.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/store"
)

// Entry is one activity log row.
type Entry struct {
	ID               int64          `db:"id" json:"id"`
	Action           string         `db:"action" json:"action"`
	MessageID        *string        `db:"message_id" json:"message_id,omitempty"`
	MessageType      *string        `db:"message_type" json:"message_type,omitempty"`
	ConsumerID       *string        `db:"consumer_id" json:"consumer_id,omitempty"`
	QueueName        *string        `db:"queue_name" json:"queue_name,omitempty"`
	PayloadSize      *int           `db:"payload_size" json:"payload_size,omitempty"`
	ProcessingTimeMS *int64         `db:"processing_time_ms" json:"processing_time_ms,omitempty"`
	AttemptCount     *int           `db:"attempt_count" json:"attempt_count,omitempty"`
	Context          map[string]any `db:"-" json:"context,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
}

// Recorder buffers entries and flushes on size, timer, or shutdown.
type Recorder struct {
	store   *store.Store
	logger  *zap.Logger
	enabled bool

	maxSize    int
	flushEvery time.Duration

	mu       sync.Mutex
	buf      []Entry
	flushing bool
}

// NewRecorder creates a recorder. When disabled, Log and LogBatch are no-ops.
func NewRecorder(st *store.Store, enabled bool, maxSize int, flushEvery time.Duration, logger *zap.Logger) *Recorder {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushEvery <= 0 {
		flushEvery = 100 * time.Millisecond
	}
	return &Recorder{
		store:      st,
		logger:     logger.With(zap.String("component", "activity")),
		enabled:    enabled,
		maxSize:    maxSize,
		flushEvery: flushEvery,
	}
}

// Log appends one entry to the buffer, flushing when the buffer is full.
func (r *Recorder) Log(entry Entry) {
	if !r.enabled {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	r.buf = append(r.buf, entry)
	full := len(r.buf) >= r.maxSize
	r.mu.Unlock()

	if full {
		r.Flush(context.Background())
	}
}

// LogBatch appends several entries at once.
func (r *Recorder) LogBatch(entries []Entry) {
	if !r.enabled || len(entries) == 0 {
		return
	}
	now := time.Now().UTC()
	for i := range entries {
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
	}

	r.mu.Lock()
	r.buf = append(r.buf, entries...)
	full := len(r.buf) >= r.maxSize
	r.mu.Unlock()

	if full {
		r.Flush(context.Background())
	}
}

// Run flushes on a timer until ctx is canceled, then drains the buffer.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown must not lose buffered entries.
			r.Flush(context.Background())
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush writes the buffered entries in one insert. Only one flush runs at a
// time; entries appended during a flush wait for the next one.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	if r.flushing || len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	r.flushing = true
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.flushing = false
		r.mu.Unlock()
	}()

	if err := r.insert(ctx, batch); err != nil {
		// Observational writes never surface into the caller path.
		r.logger.Error("activity flush failed, dropping batch",
			zap.Int("entries", len(batch)), zap.Error(err))
	}
}

func (r *Recorder) insert(ctx context.Context, batch []Entry) error {
	placeholders := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*10)

	for i, e := range batch {
		base := i * 10
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))

		var contextJSON any
		if e.Context != nil {
			data, err := json.Marshal(e.Context)
			if err == nil {
				contextJSON = string(data)
			}
		}
		args = append(args, e.Action, e.MessageID, e.MessageType, e.ConsumerID, e.QueueName,
			e.PayloadSize, e.ProcessingTimeMS, e.AttemptCount, contextJSON, e.CreatedAt)
	}

	query := `INSERT INTO activity_logs (action, message_id, message_type, consumer_id, queue_name, payload_size, processing_time_ms, attempt_count, context, created_at) VALUES ` +
		strings.Join(placeholders, ", ")

	_, err := r.store.Write().ExecContext(ctx, query, args...)
	return err
}
