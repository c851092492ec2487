// Package store provides typed access to the PostgreSQL backing store: a
// bounded write pool, an optional read pool, transactions, LISTEN/NOTIFY
// subscription and health probes.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/config"
)

//go:embed schema.sql
var schemaDDL string

// Store owns the database pools. The write pool carries every mutating
// statement; the read pool, when configured, isolates dashboard and
// broadcaster reads from producer/consumer latency.
type Store struct {
	write    *sqlx.DB
	read     *sqlx.DB
	listener *Listener
	logger   *zap.Logger
}

// Open connects both pools and verifies connectivity.
func Open(cfg config.Database, logger *zap.Logger) (*Store, error) {
	dsn := connString(cfg)

	write, err := openPool(dsn, cfg.WritePoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open write pool: %w", err)
	}

	var read *sqlx.DB
	if cfg.ReadPoolSize > 0 {
		read, err = openPool(dsn, cfg.ReadPoolSize)
		if err != nil {
			write.Close()
			return nil, fmt.Errorf("failed to open read pool: %w", err)
		}
	}

	return &Store{
		write:    write,
		read:     read,
		listener: NewListener(dsn, logger),
		logger:   logger.With(zap.String("component", "store")),
	}, nil
}

// NewFromDB wraps existing handles. Used by tests.
func NewFromDB(write, read *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{write: write, read: read, logger: logger}
}

func connString(cfg config.Database) string {
	// Per-session statement and lock timeouts ride on the DSN so every
	// pooled connection carries them.
	options := fmt.Sprintf("-c statement_timeout=%d -c lock_timeout=%d",
		cfg.StatementTimeout.Milliseconds(), cfg.LockTimeout.Milliseconds())

	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s options='%s'",
		cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode, options)
}

func openPool(dsn string, size int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Write returns the write pool.
func (s *Store) Write() *sqlx.DB {
	return s.write
}

// Read returns the read pool, falling back to the write pool when no
// dedicated read pool is configured.
func (s *Store) Read() *sqlx.DB {
	if s.read != nil {
		return s.read
	}
	return s.write
}

// Transaction runs fn inside a transaction on the write pool, rolling back
// on error or panic.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.write.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Notify emits a payload on a NOTIFY channel via the write pool.
func (s *Store) Notify(ctx context.Context, channel, payload string) error {
	if _, err := s.write.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler for a NOTIFY channel. All subscriptions
// share one LISTEN connection; the returned function removes the handler.
func (s *Store) Subscribe(channel string, handler func(payload string)) (func(), error) {
	if s.listener == nil {
		return nil, fmt.Errorf("listener not configured")
	}
	return s.listener.Subscribe(channel, handler)
}

// Health pings both pools.
func (s *Store) Health(ctx context.Context) error {
	if err := s.write.PingContext(ctx); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	if s.read != nil {
		if err := s.read.PingContext(ctx); err != nil {
			return fmt.Errorf("read pool: %w", err)
		}
	}
	return nil
}

// Bootstrap applies the embedded schema DDL. Every statement is idempotent,
// so repeated startups are safe.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.write.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("schema bootstrapped")
	return nil
}

// Close shuts down the listener and both pools.
func (s *Store) Close() error {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.read != nil {
		s.read.Close()
	}
	return s.write.Close()
}
