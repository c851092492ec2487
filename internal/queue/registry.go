// Package queue implements the queue registry: CRUD over named queues and
// the TTL-cached config lookup used on the enqueue/dequeue hot path.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/relayerr"
	"github.com/mood-agency/relay-sub002/internal/store"
)

// Queue types.
const (
	TypeStandard    = "standard"
	TypeUnlogged    = "unlogged"
	TypePartitioned = "partitioned"
)

// TableForType maps a queue type to its backing messages table.
func TableForType(queueType string) string {
	if queueType == TypeUnlogged {
		return "messages_unlogged"
	}
	return "messages"
}

// Tables lists every backing messages table. The reaper sweeps all of them.
func Tables() []string {
	return []string{"messages", "messages_unlogged"}
}

// Definition is a full queue row, including the lazily refreshed counts.
type Definition struct {
	Name              string     `db:"name" json:"name"`
	Type              string     `db:"type" json:"type"`
	AckTimeoutSeconds int        `db:"ack_timeout_seconds" json:"ack_timeout_seconds"`
	MaxAttempts       int        `db:"max_attempts" json:"max_attempts"`
	PartitionInterval *string    `db:"partition_interval" json:"partition_interval,omitempty"`
	RetentionInterval *string    `db:"retention_interval" json:"retention_interval,omitempty"`
	Description       *string    `db:"description" json:"description,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`

	MessageCount    int64 `db:"message_count" json:"message_count"`
	ProcessingCount int64 `db:"processing_count" json:"processing_count"`
	DeadCount       int64 `db:"dead_count" json:"dead_count"`
}

// Config carries only the three fields the hot path needs. Full definitions
// are never cached because they carry mutable counts.
type Config struct {
	Type              string
	MaxAttempts       int
	AckTimeoutSeconds int
}

// Patch updates a subset of a queue's configuration.
type Patch struct {
	AckTimeoutSeconds *int    `json:"ack_timeout_seconds,omitempty"`
	MaxAttempts       *int    `json:"max_attempts,omitempty"`
	Description       *string `json:"description,omitempty"`
	RetentionInterval *string `json:"retention_interval,omitempty"`
}

// Registry provides queue CRUD plus the cached hot-path config lookup.
type Registry struct {
	store  *store.Store
	cache  *configCache
	logger *zap.Logger

	defaultAckTimeout  int
	defaultMaxAttempts int
}

// NewRegistry creates a registry with a 60s config cache TTL.
func NewRegistry(st *store.Store, defaultAckTimeout, defaultMaxAttempts int, logger *zap.Logger) *Registry {
	return &Registry{
		store:              st,
		cache:              newConfigCache(60 * time.Second),
		logger:             logger.With(zap.String("component", "queue_registry")),
		defaultAckTimeout:  defaultAckTimeout,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

const definitionColumns = `name, type, ack_timeout_seconds, max_attempts, partition_interval, retention_interval, description, created_at, updated_at`

// Create inserts a new queue definition, applying broker defaults for
// unset fields.
func (r *Registry) Create(ctx context.Context, def Definition) (*Definition, error) {
	if def.Name == "" {
		return nil, relayerr.New(relayerr.CodeValidation, "queue name is required")
	}
	if def.Type == "" {
		def.Type = TypeStandard
	}
	if def.Type != TypeStandard && def.Type != TypeUnlogged && def.Type != TypePartitioned {
		return nil, relayerr.New(relayerr.CodeValidation, "unknown queue type %q", def.Type)
	}
	if def.AckTimeoutSeconds <= 0 {
		def.AckTimeoutSeconds = r.defaultAckTimeout
	}
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = r.defaultMaxAttempts
	}

	query := `
		INSERT INTO queues (name, type, ack_timeout_seconds, max_attempts, partition_interval, retention_interval, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + definitionColumns

	var created Definition
	err := r.store.Write().GetContext(ctx, &created, query,
		def.Name, def.Type, def.AckTimeoutSeconds, def.MaxAttempts,
		def.PartitionInterval, def.RetentionInterval, def.Description)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, relayerr.New(relayerr.CodeValidation, "queue %q already exists", def.Name)
		}
		return nil, fmt.Errorf("create queue: %w", err)
	}

	r.logger.Info("queue created", zap.String("queue", created.Name), zap.String("type", created.Type))
	return &created, nil
}

// List returns all queue definitions without stats.
func (r *Registry) List(ctx context.Context) ([]Definition, error) {
	var defs []Definition
	query := `SELECT ` + definitionColumns + ` FROM queues ORDER BY name`
	if err := r.store.Read().SelectContext(ctx, &defs, query); err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return defs, nil
}

// Get returns one queue definition, optionally with fresh counts.
func (r *Registry) Get(ctx context.Context, name string, withStats bool) (*Definition, error) {
	var def Definition
	query := `SELECT ` + definitionColumns + ` FROM queues WHERE name = $1`
	if err := r.store.Read().GetContext(ctx, &def, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relayerr.New(relayerr.CodeQueueNotFound, "queue %q not found", name)
		}
		return nil, fmt.Errorf("get queue: %w", err)
	}

	if withStats {
		if err := r.loadStats(ctx, &def); err != nil {
			return nil, err
		}
	}
	return &def, nil
}

func (r *Registry) loadStats(ctx context.Context, def *Definition) error {
	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0) AS message_count,
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0) AS processing_count,
			COALESCE(SUM(CASE WHEN status = 'dead' THEN 1 ELSE 0 END), 0) AS dead_count
		FROM %s
		WHERE queue_name = $1`, TableForType(def.Type))

	row := r.store.Read().QueryRowxContext(ctx, query, def.Name)
	if err := row.Scan(&def.MessageCount, &def.ProcessingCount, &def.DeadCount); err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	return nil
}

// GetConfig is the per-enqueue/per-dequeue lookup, served from the TTL
// cache when possible. Mutations invalidate the cache entry.
func (r *Registry) GetConfig(ctx context.Context, name string) (Config, error) {
	if cfg, ok := r.cache.get(name); ok {
		return cfg, nil
	}

	var cfg Config
	query := `SELECT type, max_attempts, ack_timeout_seconds FROM queues WHERE name = $1`
	row := r.store.Write().QueryRowxContext(ctx, query, name)
	if err := row.Scan(&cfg.Type, &cfg.MaxAttempts, &cfg.AckTimeoutSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Config{}, relayerr.New(relayerr.CodeQueueNotFound, "queue %q not found", name)
		}
		return Config{}, fmt.Errorf("get queue config: %w", err)
	}

	r.cache.set(name, cfg)
	return cfg, nil
}

// UpdateConfig applies a patch and invalidates the cache entry.
func (r *Registry) UpdateConfig(ctx context.Context, name string, patch Patch) (*Definition, error) {
	sets := []string{"updated_at = now()"}
	args := []any{}
	n := 1

	if patch.AckTimeoutSeconds != nil {
		if *patch.AckTimeoutSeconds <= 0 {
			return nil, relayerr.New(relayerr.CodeValidation, "ack_timeout_seconds must be positive")
		}
		sets = append(sets, fmt.Sprintf("ack_timeout_seconds = $%d", n))
		args = append(args, *patch.AckTimeoutSeconds)
		n++
	}
	if patch.MaxAttempts != nil {
		if *patch.MaxAttempts <= 0 {
			return nil, relayerr.New(relayerr.CodeValidation, "max_attempts must be positive")
		}
		sets = append(sets, fmt.Sprintf("max_attempts = $%d", n))
		args = append(args, *patch.MaxAttempts)
		n++
	}
	if patch.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", n))
		args = append(args, *patch.Description)
		n++
	}
	if patch.RetentionInterval != nil {
		sets = append(sets, fmt.Sprintf("retention_interval = $%d", n))
		args = append(args, *patch.RetentionInterval)
		n++
	}

	query := fmt.Sprintf(`UPDATE queues SET %s WHERE name = $%d RETURNING %s`,
		strings.Join(sets, ", "), n, definitionColumns)
	args = append(args, name)

	var def Definition
	if err := r.store.Write().GetContext(ctx, &def, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relayerr.New(relayerr.CodeQueueNotFound, "queue %q not found", name)
		}
		return nil, fmt.Errorf("update queue: %w", err)
	}

	r.cache.invalidate(name)
	r.logger.Info("queue config updated", zap.String("queue", name))
	return &def, nil
}

// Rename renames a queue and rewrites its message rows.
func (r *Registry) Rename(ctx context.Context, oldName, newName string) error {
	if newName == "" {
		return relayerr.New(relayerr.CodeValidation, "new queue name is required")
	}

	err := r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE queues SET name = $1, updated_at = now() WHERE name = $2`, newName, oldName)
		if err != nil {
			return fmt.Errorf("rename queue: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return relayerr.New(relayerr.CodeQueueNotFound, "queue %q not found", oldName)
		}

		for _, table := range Tables() {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s SET queue_name = $1 WHERE queue_name = $2`, table), newName, oldName); err != nil {
				return fmt.Errorf("rename messages in %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.cache.invalidate(oldName)
	r.cache.invalidate(newName)
	r.logger.Info("queue renamed", zap.String("from", oldName), zap.String("to", newName))
	return nil
}

// Delete removes a queue. Without force, the delete fails when the queue
// still holds messages in a non-terminal state.
func (r *Registry) Delete(ctx context.Context, name string, force bool) error {
	cfg, err := r.GetConfig(ctx, name)
	if err != nil {
		return err
	}
	table := TableForType(cfg.Type)

	err = r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		if !force {
			var pending int64
			row := tx.QueryRowxContext(ctx,
				fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue_name = $1 AND status IN ('queued', 'processing')`, table), name)
			if err := row.Scan(&pending); err != nil {
				return fmt.Errorf("count pending: %w", err)
			}
			if pending > 0 {
				return relayerr.New(relayerr.CodeQueueNotEmpty, "queue %q has %d pending messages", name, pending)
			}
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE queue_name = $1`, table), name); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM queues WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("delete queue: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return relayerr.New(relayerr.CodeQueueNotFound, "queue %q not found", name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.cache.invalidate(name)
	r.logger.Info("queue deleted", zap.String("queue", name), zap.Bool("force", force))
	return nil
}

// Purge deletes messages from a queue, optionally only those in the given
// status. Returns the number of rows removed.
func (r *Registry) Purge(ctx context.Context, name, status string) (int64, error) {
	cfg, err := r.GetConfig(ctx, name)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE queue_name = $1`, TableForType(cfg.Type))
	args := []any{name}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}

	res, err := r.store.Write().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}
	affected, _ := res.RowsAffected()

	r.logger.Info("queue purged", zap.String("queue", name), zap.String("status", status), zap.Int64("removed", affected))
	return affected, nil
}

// Invalidate drops the cached config for a queue.
func (r *Registry) Invalidate(name string) {
	r.cache.invalidate(name)
}
