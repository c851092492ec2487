package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mood-agency/relay-sub002/internal/relayerr"
	"github.com/mood-agency/relay-sub002/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewFromDB(sqlx.NewDb(db, "sqlmock"), nil, zap.NewNop())
	return NewRegistry(st, 30, 3, zap.NewNop()), mock
}

func definitionRows(name, queueType string, ackTimeout, maxAttempts int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"name", "type", "ack_timeout_seconds", "max_attempts", "partition_interval",
		"retention_interval", "description", "created_at", "updated_at",
	}).AddRow(name, queueType, ackTimeout, maxAttempts, nil, nil, nil, now, now)
}

func TestCreateAppliesDefaults(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectQuery("INSERT INTO queues").
		WithArgs("orders", TypeStandard, 30, 3, nil, nil, nil).
		WillReturnRows(definitionRows("orders", TypeStandard, 30, 3))

	def, err := r.Create(context.Background(), Definition{Name: "orders"})
	require.NoError(t, err)
	assert.Equal(t, TypeStandard, def.Type)
	assert.Equal(t, 30, def.AckTimeoutSeconds)
	assert.Equal(t, 3, def.MaxAttempts)
}

func TestCreateRejectsUnknownType(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Create(context.Background(), Definition{Name: "x", Type: "exotic"})
	code, _ := relayerr.CodeOf(err)
	assert.Equal(t, relayerr.CodeValidation, code)
}

func TestCreateDuplicateName(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectQuery("INSERT INTO queues").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := r.Create(context.Background(), Definition{Name: "orders"})
	code, _ := relayerr.CodeOf(err)
	assert.Equal(t, relayerr.CodeValidation, code)
}

func TestGetConfigCachesResult(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectQuery("SELECT type, max_attempts, ack_timeout_seconds FROM queues").
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"type", "max_attempts", "ack_timeout_seconds"}).
			AddRow(TypeStandard, 3, 30))

	cfg, err := r.GetConfig(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxAttempts)

	// Second lookup hits the cache: no further query expected.
	cfg, err = r.GetConfig(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.AckTimeoutSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConfigUnknownQueue(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectQuery("SELECT type, max_attempts, ack_timeout_seconds FROM queues").
		WillReturnRows(sqlmock.NewRows([]string{"type", "max_attempts", "ack_timeout_seconds"}))

	_, err := r.GetConfig(context.Background(), "ghost")
	code, _ := relayerr.CodeOf(err)
	assert.Equal(t, relayerr.CodeQueueNotFound, code)
}

func TestUpdateConfigInvalidatesCache(t *testing.T) {
	r, mock := newTestRegistry(t)

	// Prime the cache.
	mock.ExpectQuery("SELECT type, max_attempts, ack_timeout_seconds FROM queues").
		WillReturnRows(sqlmock.NewRows([]string{"type", "max_attempts", "ack_timeout_seconds"}).
			AddRow(TypeStandard, 3, 30))
	_, err := r.GetConfig(context.Background(), "orders")
	require.NoError(t, err)

	attempts := 5
	mock.ExpectQuery("UPDATE queues SET").
		WillReturnRows(definitionRows("orders", TypeStandard, 30, attempts))

	_, err = r.UpdateConfig(context.Background(), "orders", Patch{MaxAttempts: &attempts})
	require.NoError(t, err)

	// Cache was invalidated: the next lookup queries again.
	mock.ExpectQuery("SELECT type, max_attempts, ack_timeout_seconds FROM queues").
		WillReturnRows(sqlmock.NewRows([]string{"type", "max_attempts", "ack_timeout_seconds"}).
			AddRow(TypeStandard, attempts, 30))
	cfg, err := r.GetConfig(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateConfigRejectsNonPositiveValues(t *testing.T) {
	r, _ := newTestRegistry(t)

	zero := 0
	_, err := r.UpdateConfig(context.Background(), "orders", Patch{AckTimeoutSeconds: &zero})
	code, _ := relayerr.CodeOf(err)
	assert.Equal(t, relayerr.CodeValidation, code)
}

func TestDeleteFailsWhenPending(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectQuery("SELECT type, max_attempts, ack_timeout_seconds FROM queues").
		WillReturnRows(sqlmock.NewRows([]string{"type", "max_attempts", "ack_timeout_seconds"}).
			AddRow(TypeStandard, 3, 30))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectRollback()

	err := r.Delete(context.Background(), "orders", false)
	code, _ := relayerr.CodeOf(err)
	assert.Equal(t, relayerr.CodeQueueNotEmpty, code)
}

func TestDeleteForceDropsRows(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectQuery("SELECT type, max_attempts, ack_timeout_seconds FROM queues").
		WillReturnRows(sqlmock.NewRows([]string{"type", "max_attempts", "ack_timeout_seconds"}).
			AddRow(TypeStandard, 3, 30))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM messages").
		WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectExec("DELETE FROM queues").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, r.Delete(context.Background(), "orders", true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenameRewritesMessages(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE queues SET name").
		WithArgs("payments", "orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE messages SET queue_name").
		WithArgs("payments", "orders").
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec("UPDATE messages_unlogged SET queue_name").
		WithArgs("payments", "orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	assert.NoError(t, r.Rename(context.Background(), "orders", "payments"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenameUnknownQueue(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE queues SET name").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := r.Rename(context.Background(), "ghost", "new")
	code, _ := relayerr.CodeOf(err)
	assert.Equal(t, relayerr.CodeQueueNotFound, code)
}

func TestPurgeByStatus(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectQuery("SELECT type, max_attempts, ack_timeout_seconds FROM queues").
		WillReturnRows(sqlmock.NewRows([]string{"type", "max_attempts", "ack_timeout_seconds"}).
			AddRow(TypeStandard, 3, 30))
	mock.ExpectExec("DELETE FROM messages").
		WithArgs("orders", "dead").
		WillReturnResult(sqlmock.NewResult(0, 6))

	count, err := r.Purge(context.Background(), "orders", "dead")
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
}
