// Package broadcast implements the poll-based change broadcaster: it
// snapshots recent message state on a timer, diffs against the previous
// snapshot, and fans typed add/remove events out to in-process subscribers.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Summary is the compact message projection carried in add events.
type Summary struct {
	ID           string    `db:"id" json:"id"`
	Type         *string   `db:"type" json:"type,omitempty"`
	Priority     int       `db:"priority" json:"priority"`
	QueueName    string    `db:"queue_name" json:"queue_name"`
	Status       string    `db:"status" json:"status"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	AttemptCount int       `db:"attempt_count" json:"attempt_count"`
}

// Event is one typed change notification.
type Event struct {
	Type        string  `json:"type"`
	TimestampMS int64   `json:"timestamp_ms"`
	Payload     Payload `json:"payload"`
}

// Payload carries the affected key and message summaries.
type Payload struct {
	Queue    string    `json:"queue"`
	Status   string    `json:"status"`
	Count    int       `json:"count"`
	IDs      []string  `json:"ids"`
	Messages []Summary `json:"messages,omitempty"`
}

// Fetcher loads the recent-message window the broadcaster diffs over.
type Fetcher func(ctx context.Context) ([]Summary, error)

// addEventFor maps a status to the event emitted when ids appear under it.
var addEventFor = map[string]string{
	"queued":       "enqueue",
	"processing":   "dequeue",
	"acknowledged": "acknowledge",
	"dead":         "move_to_dlq",
	"archived":     "archive",
}

// removeEventFor is the symmetric mapping for ids leaving a status.
var removeEventFor = map[string]string{
	"queued":       "dequeue",
	"processing":   "processed",
	"acknowledged": "delete",
	"dead":         "requeue",
	"archived":     "delete",
}

type snapshot struct {
	byKey map[string]map[string]struct{} // queue+":"+status -> ids
	rows  map[string]Summary
}

// Broadcaster runs one shared poll loop while any subscriber exists.
type Broadcaster struct {
	fetch    Fetcher
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	subs    map[string]chan Event
	prev    *snapshot
	cancel  context.CancelFunc
	polling bool
}

// New creates a broadcaster polling at the given interval.
func New(fetch Fetcher, interval time.Duration, logger *zap.Logger) *Broadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	return &Broadcaster{
		fetch:    fetch,
		interval: interval,
		logger:   logger.With(zap.String("component", "broadcaster")),
		subs:     make(map[string]chan Event),
	}
}

// Subscribe registers a subscriber. The first subscription starts the poll
// loop; the returned function removes the subscriber and the last removal
// stops the loop and clears the snapshot.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = ch
	if b.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		go b.loop(ctx)
	}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		if len(b.subs) == 0 && b.cancel != nil {
			b.cancel()
			b.cancel = nil
			b.prev = nil
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

func (b *Broadcaster) loop(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Poll(ctx)
		}
	}
}

// Poll takes one snapshot and emits the diff against the previous one. The
// first pass after startup only builds state. Overlapping polls are
// prevented by a re-entry guard.
func (b *Broadcaster) Poll(ctx context.Context) {
	b.mu.Lock()
	if b.polling {
		b.mu.Unlock()
		return
	}
	b.polling = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.polling = false
		b.mu.Unlock()
	}()

	rows, err := b.fetch(ctx)
	if err != nil {
		b.logger.Warn("broadcast poll failed", zap.Error(err))
		return
	}

	current := buildSnapshot(rows)

	b.mu.Lock()
	prev := b.prev
	b.prev = current
	b.mu.Unlock()

	if prev == nil {
		// Silent state-building pass.
		return
	}

	for _, ev := range diff(prev, current) {
		b.emit(ev)
	}
}

func buildSnapshot(rows []Summary) *snapshot {
	s := &snapshot{
		byKey: make(map[string]map[string]struct{}),
		rows:  make(map[string]Summary, len(rows)),
	}
	for _, row := range rows {
		key := row.QueueName + ":" + row.Status
		if s.byKey[key] == nil {
			s.byKey[key] = make(map[string]struct{})
		}
		s.byKey[key][row.ID] = struct{}{}
		s.rows[row.ID] = row
	}
	return s
}

func diff(prev, current *snapshot) []Event {
	now := time.Now().UnixMilli()
	var events []Event

	keys := make(map[string]struct{}, len(prev.byKey)+len(current.byKey))
	for k := range prev.byKey {
		keys[k] = struct{}{}
	}
	for k := range current.byKey {
		keys[k] = struct{}{}
	}

	for key := range keys {
		queue, status := splitKey(key)

		var added, removed []string
		for id := range current.byKey[key] {
			if _, ok := prev.byKey[key][id]; !ok {
				added = append(added, id)
			}
		}
		for id := range prev.byKey[key] {
			if _, ok := current.byKey[key][id]; !ok {
				removed = append(removed, id)
			}
		}

		if len(added) > 0 {
			summaries := make([]Summary, 0, len(added))
			for _, id := range added {
				summaries = append(summaries, current.rows[id])
			}
			events = append(events, Event{
				Type:        addEventFor[status],
				TimestampMS: now,
				Payload:     Payload{Queue: queue, Status: status, Count: len(added), IDs: added, Messages: summaries},
			})
		}
		if len(removed) > 0 {
			events = append(events, Event{
				Type:        removeEventFor[status],
				TimestampMS: now,
				Payload:     Payload{Queue: queue, Status: status, Count: len(removed), IDs: removed},
			})
		}
	}
	return events
}

func splitKey(key string) (queue, status string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func (b *Broadcaster) emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			// Slow subscriber: drop rather than stall the loop.
		}
	}
}
