package anomaly

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/store"
)

// recentWindowSize bounds the per-consumer dequeue timestamp ring.
const recentWindowSize = 100

// Stats tracks per-consumer totals and the recent-dequeue window used for
// burst detection. Totals are persisted by upsert; the window lives in
// memory and is mirrored to the row as JSONB.
type Stats struct {
	store  *store.Store
	logger *zap.Logger

	mu        sync.Mutex
	windows   map[string][]time.Time
	lastBurst map[string]time.Time
	now       func() time.Time
}

// NewStats creates a stats tracker.
func NewStats(st *store.Store, logger *zap.Logger) *Stats {
	return &Stats{
		store:     st,
		logger:    logger.With(zap.String("component", "consumer_stats")),
		windows:   make(map[string][]time.Time),
		lastBurst: make(map[string]time.Time),
		now:       time.Now,
	}
}

// RecordDequeue pushes now into the consumer's recent-dequeue ring and
// upserts the persisted totals. Persistence is best effort.
func (s *Stats) RecordDequeue(ctx context.Context, consumerID string) {
	if consumerID == "" {
		return
	}
	now := s.now().UTC()

	s.mu.Lock()
	window := append(s.windows[consumerID], now)
	if len(window) > recentWindowSize {
		window = window[len(window)-recentWindowSize:]
	}
	s.windows[consumerID] = window
	snapshot := make([]time.Time, len(window))
	copy(snapshot, window)
	s.mu.Unlock()

	recentJSON, _ := json.Marshal(snapshot)
	s.upsert(ctx, `
		INSERT INTO consumer_stats (consumer_id, dequeued_total, last_dequeue_at, recent_dequeues)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (consumer_id) DO UPDATE SET
			dequeued_total = consumer_stats.dequeued_total + 1,
			last_dequeue_at = EXCLUDED.last_dequeue_at,
			recent_dequeues = EXCLUDED.recent_dequeues`,
		consumerID, now, string(recentJSON))
}

// RecordAck increments the consumer's ack counter.
func (s *Stats) RecordAck(ctx context.Context, consumerID string) {
	if consumerID == "" {
		return
	}
	s.upsert(ctx, `
		INSERT INTO consumer_stats (consumer_id, acked_total, last_ack_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (consumer_id) DO UPDATE SET
			acked_total = consumer_stats.acked_total + 1,
			last_ack_at = EXCLUDED.last_ack_at`,
		consumerID, s.now().UTC())
}

// RecordFailure increments the consumer's failure counter.
func (s *Stats) RecordFailure(ctx context.Context, consumerID string) {
	if consumerID == "" {
		return
	}
	s.upsert(ctx, `
		INSERT INTO consumer_stats (consumer_id, failed_total)
		VALUES ($1, 1)
		ON CONFLICT (consumer_id) DO UPDATE SET
			failed_total = consumer_stats.failed_total + 1`,
		consumerID)
}

func (s *Stats) upsert(ctx context.Context, query string, args ...any) {
	_, err := s.store.Write().ExecContext(ctx, query, args...)
	if err != nil && store.IsDeadlock(err) {
		_, err = s.store.Write().ExecContext(ctx, query, args...)
	}
	if err != nil {
		s.logger.Warn("consumer stats update failed", zap.Error(err))
	}
}

// BurstCount counts the consumer's dequeues within the trailing window.
func (s *Stats) BurstCount(consumerID string, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	count := 0
	for _, t := range s.windows[consumerID] {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// MarkBurst records a burst anomaly for dedupe. Returns false when an
// identical anomaly was already recorded for this consumer within the
// window.
func (s *Stats) MarkBurst(consumerID string, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastBurst[consumerID]; ok && s.now().Sub(last) < window {
		return false
	}
	s.lastBurst[consumerID] = s.now()
	return true
}
