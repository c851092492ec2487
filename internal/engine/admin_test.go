package engine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mood-agency/relay-sub002/internal/queue"
	"github.com/mood-agency/relay-sub002/internal/relayerr"
)

func TestRequeueFailedMovesDeadRows(t *testing.T) {
	eng, mock := newTestEngine(t, Options{})

	mock.ExpectExec(`UPDATE messages SET\s+status = 'queued'`).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`UPDATE messages_unlogged SET\s+status = 'queued'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	count, err := eng.RequeueFailed(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueFailedScopedToQueue(t *testing.T) {
	eng, mock := newTestEngine(t, Options{})

	mock.ExpectExec("UPDATE messages SET").
		WithArgs("orders").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE messages_unlogged SET").
		WithArgs("orders").
		WillReturnResult(sqlmock.NewResult(0, 0))

	count, err := eng.RequeueFailed(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMoveMessagesToProcessingInstallsManualLock(t *testing.T) {
	eng, mock := newTestEngine(t, Options{})

	mock.ExpectExec(`UPDATE messages SET\s+status = 'processing'`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE messages_unlogged SET\s+status = 'processing'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	count, err := eng.MoveMessages(context.Background(), MoveRequest{
		IDs:        []string{"m1", "m2"},
		FromStatus: StatusQueued,
		ToStatus:   StatusProcessing,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMoveMessagesSameStatusRejected(t *testing.T) {
	eng, _ := newTestEngine(t, Options{})

	_, err := eng.MoveMessages(context.Background(), MoveRequest{
		IDs:        []string{"m1"},
		FromStatus: StatusQueued,
		ToStatus:   StatusQueued,
	})
	code, _ := relayerr.CodeOf(err)
	assert.Equal(t, relayerr.CodeValidation, code)
}

func TestMoveMessagesEmptyIDs(t *testing.T) {
	eng, _ := newTestEngine(t, Options{})

	count, err := eng.MoveMessages(context.Background(), MoveRequest{
		FromStatus: StatusDead,
		ToStatus:   StatusQueued,
	})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestClearQueueDeletesAllRows(t *testing.T) {
	eng, mock := newTestEngine(t, Options{})

	expectConfig(mock, "orders", queue.TypeStandard, 3, 30)
	mock.ExpectExec("DELETE FROM messages WHERE queue_name").
		WithArgs("orders").
		WillReturnResult(sqlmock.NewResult(0, 7))

	count, err := eng.ClearQueue(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestGetStatusAggregatesPerQueue(t *testing.T) {
	eng, mock := newTestEngine(t, Options{})

	mock.ExpectQuery("SELECT queue_name").
		WillReturnRows(sqlmock.NewRows([]string{
			"queue_name", "queued", "processing", "acknowledged", "dead", "archived",
		}).AddRow("orders", 3, 1, 10, 2, 0))

	snap, err := eng.GetStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Healthy)
	require.Len(t, snap.Queues, 1)
	assert.Equal(t, 3, snap.Queues[0].Queued)
	assert.Equal(t, 2, snap.Queues[0].Dead)
}

func TestGetMetricsSnapshot(t *testing.T) {
	eng, mock := newTestEngine(t, Options{})

	oldest := time.Now().Add(-time.Hour)
	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{
			"total_messages", "total_queued", "total_in_flight", "total_dead", "oldest_queued_at",
		}).AddRow(100, 40, 5, 3, oldest))

	snap, err := eng.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, snap.TotalMessages)
	assert.Equal(t, 40, snap.TotalQueued)
	assert.Equal(t, 5, snap.TotalInFlight)
	require.NotNil(t, snap.OldestQueuedAt)
}

func TestListMessagesFiltersByStatus(t *testing.T) {
	eng, mock := newTestEngine(t, Options{})

	expectConfig(mock, "orders", queue.TypeStandard, 3, 30)
	mock.ExpectQuery("SELECT .* FROM messages").
		WithArgs("orders", "dead", 100, 0).
		WillReturnRows(messageRow(processingMessage("m1", "tok")))

	msgs, err := eng.ListMessages(context.Background(), "orders", StatusDead, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
