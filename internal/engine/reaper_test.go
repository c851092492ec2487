package engine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func overdueRows(rows ...overdueRow) *sqlmock.Rows {
	out := sqlmock.NewRows([]string{
		"id", "queue_name", "type", "consumer_id", "attempt_count",
		"max_attempts", "ack_timeout_seconds", "locked_until",
	})
	for _, r := range rows {
		out.AddRow(r.ID, r.QueueName, r.Type, r.ConsumerID, r.AttemptCount,
			r.MaxAttempts, r.AckTimeoutSeconds, r.LockedUntil)
	}
	return out
}

func TestSweepPartitionsRequeueAndDead(t *testing.T) {
	eng, mock := newTestEngine(t, Options{RequeueBatchSize: 100})
	reaper := NewReaper(eng, false)

	consumer := "worker-1"
	lockedUntil := time.Now().Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, queue_name").
		WithArgs(100).
		WillReturnRows(overdueRows(
			overdueRow{ID: "m1", QueueName: "orders", ConsumerID: &consumer,
				AttemptCount: 1, MaxAttempts: 3, AckTimeoutSeconds: 30, LockedUntil: &lockedUntil},
			overdueRow{ID: "m2", QueueName: "orders", ConsumerID: &consumer,
				AttemptCount: 3, MaxAttempts: 3, AckTimeoutSeconds: 30, LockedUntil: &lockedUntil},
		))
	mock.ExpectExec(`UPDATE messages SET\s+status = 'queued'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE messages SET\s+status = 'dead'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Second table: nothing overdue.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, queue_name").
		WithArgs(100).
		WillReturnRows(overdueRows())
	mock.ExpectCommit()

	total, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepSkipsWhenAdvisoryLockHeld(t *testing.T) {
	eng, mock := newTestEngine(t, Options{})
	reaper := NewReaper(eng, true)

	// Both tables: another instance holds the lock.
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("pg_try_advisory_xact_lock").
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
		mock.ExpectCommit()
	}

	total, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepAcquiresAdvisoryLockThenReaps(t *testing.T) {
	eng, mock := newTestEngine(t, Options{RequeueBatchSize: 50})
	reaper := NewReaper(eng, true)

	lockedUntil := time.Now().Add(-10 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT id, queue_name").
		WithArgs(50).
		WillReturnRows(overdueRows(overdueRow{
			ID: "m1", QueueName: "orders", AttemptCount: 1, MaxAttempts: 3,
			AckTimeoutSeconds: 30, LockedUntil: &lockedUntil,
		}))
	mock.ExpectExec(`UPDATE messages SET\s+status = 'queued'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT id, queue_name").
		WithArgs(50).
		WillReturnRows(overdueRows())
	mock.ExpectCommit()

	total, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepEmptyTablesReapNothing(t *testing.T) {
	eng, mock := newTestEngine(t, Options{RequeueBatchSize: 100})
	reaper := NewReaper(eng, false)

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, queue_name").
			WillReturnRows(overdueRows())
		mock.ExpectCommit()
	}

	total, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSweepSurfacesSelectError(t *testing.T) {
	eng, mock := newTestEngine(t, Options{})
	reaper := NewReaper(eng, false)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, queue_name").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := reaper.Sweep(context.Background())
	assert.Error(t, err)
}
