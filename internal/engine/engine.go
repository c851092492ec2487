package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/activity"
	"github.com/mood-agency/relay-sub002/internal/anomaly"
	"github.com/mood-agency/relay-sub002/internal/broadcast"
	"github.com/mood-agency/relay-sub002/internal/metrics"
	"github.com/mood-agency/relay-sub002/internal/queue"
	"github.com/mood-agency/relay-sub002/internal/relayerr"
	"github.com/mood-agency/relay-sub002/internal/store"
)

// Options shape the engine's behavior. Zero values fall back to the
// documented defaults.
type Options struct {
	DefaultAckTimeoutSeconds int
	DefaultMaxAttempts       int
	MaxPriorityLevels        int

	RequeueBatchSize int
	ReapInterval     time.Duration
	ZombieMultiplier float64

	BufferEnabled bool
	BufferMaxSize int
	BufferMaxWait time.Duration

	ChangeChannel string
}

func (o Options) withDefaults() Options {
	if o.DefaultAckTimeoutSeconds <= 0 {
		o.DefaultAckTimeoutSeconds = 30
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	if o.MaxPriorityLevels <= 0 {
		o.MaxPriorityLevels = 10
	}
	if o.RequeueBatchSize <= 0 {
		o.RequeueBatchSize = 100
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 5 * time.Second
	}
	if o.ZombieMultiplier <= 0 {
		o.ZombieMultiplier = 2
	}
	if o.BufferMaxSize <= 0 {
		o.BufferMaxSize = 50
	}
	if o.BufferMaxWait <= 0 {
		o.BufferMaxWait = 100 * time.Millisecond
	}
	if o.ChangeChannel == "" {
		o.ChangeChannel = "queue_events"
	}
	return o
}

// Engine composes the queue engine components behind the operation facade.
type Engine struct {
	store     *store.Store
	queues    *queue.Registry
	activity  *activity.Recorder
	anomalies *anomaly.Registry
	stats     *anomaly.Stats
	metrics   *metrics.EngineMetrics
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	buffers map[string]*enqueueBuffer
}

// New wires the engine together. metrics may be nil (tests).
func New(st *store.Store, queues *queue.Registry, recorder *activity.Recorder,
	anomalies *anomaly.Registry, stats *anomaly.Stats, m *metrics.EngineMetrics,
	opts Options, logger *zap.Logger) *Engine {

	return &Engine{
		store:     st,
		queues:    queues,
		activity:  recorder,
		anomalies: anomalies,
		stats:     stats,
		metrics:   m,
		opts:      opts.withDefaults(),
		logger:    logger.With(zap.String("component", "engine")),
		buffers:   make(map[string]*enqueueBuffer),
	}
}

// Queues exposes the registry for the transport layer.
func (e *Engine) Queues() *queue.Registry { return e.queues }

// Activity exposes the recorder's read side.
func (e *Engine) Activity() *activity.Recorder { return e.activity }

// Anomalies exposes the anomaly registry's read side.
func (e *Engine) Anomalies() *anomaly.Registry { return e.anomalies }

// Health reports store reachability.
func (e *Engine) Health(ctx context.Context) error { return e.store.Health(ctx) }

// loadMessage fetches a message row by id, searching every backing table.
func (e *Engine) loadMessage(ctx context.Context, id string) (*Message, string, error) {
	for _, table := range queue.Tables() {
		var m Message
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, messageColumns, table)
		err := e.store.Write().GetContext(ctx, &m, query, id)
		if err == nil {
			return &m, table, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, "", fmt.Errorf("load message %s: %w", id, err)
		}
	}
	return nil, "", relayerr.New(relayerr.CodeNotFound, "message %q not found", id)
}

// effectiveAckTimeout resolves explicit parameter, then queue default, then
// the global default.
func (e *Engine) effectiveAckTimeout(explicit int, cfg queue.Config) int {
	if explicit > 0 {
		return explicit
	}
	if cfg.AckTimeoutSeconds > 0 {
		return cfg.AckTimeoutSeconds
	}
	return e.opts.DefaultAckTimeoutSeconds
}

// clampPriority bounds a priority to [0, max_priority_levels-1].
func (e *Engine) clampPriority(priority int) int {
	if priority < 0 {
		return 0
	}
	if max := e.opts.MaxPriorityLevels - 1; priority > max {
		return max
	}
	return priority
}

// emitChange pushes an immediate event on the change channel, in addition
// to the polled broadcaster. Best effort.
func (e *Engine) emitChange(ctx context.Context, eventType, queueName, messageID string) {
	payload, err := json.Marshal(map[string]any{
		"type":         eventType,
		"timestamp_ms": time.Now().UnixMilli(),
		"payload": map[string]any{
			"queue": queueName,
			"id":    messageID,
		},
	})
	if err != nil {
		return
	}
	if err := e.store.Notify(ctx, e.opts.ChangeChannel, string(payload)); err != nil {
		e.logger.Debug("change notify failed", zap.Error(err))
	}
}

// RecentSummaries is the broadcaster's fetch function: messages created in
// the last five minutes, newest first, capped at 500.
func (e *Engine) RecentSummaries(ctx context.Context) ([]broadcast.Summary, error) {
	query := `
		SELECT id, type, priority, queue_name, status, created_at, attempt_count FROM messages
		WHERE created_at > now() - interval '5 minutes'
		UNION ALL
		SELECT id, type, priority, queue_name, status, created_at, attempt_count FROM messages_unlogged
		WHERE created_at > now() - interval '5 minutes'
		ORDER BY created_at DESC
		LIMIT 500`

	var rows []broadcast.Summary
	if err := e.store.Read().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("recent summaries: %w", err)
	}
	return rows, nil
}

func (e *Engine) recordAnomalies(records []anomaly.Record) {
	if e.metrics == nil {
		return
	}
	for _, rec := range records {
		e.metrics.AnomaliesTotal.WithLabelValues(rec.Type).Inc()
	}
}
