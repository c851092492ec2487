package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBurstCountWindow(t *testing.T) {
	s := newTestStats(t)

	now := time.Now()
	s.now = func() time.Time { return now }
	s.windows["c1"] = []time.Time{
		now.Add(-20 * time.Second),
		now.Add(-5 * time.Second),
		now.Add(-1 * time.Second),
	}

	assert.Equal(t, 2, s.BurstCount("c1", 10*time.Second))
	assert.Equal(t, 3, s.BurstCount("c1", time.Minute))
	assert.Equal(t, 0, s.BurstCount("unknown", time.Minute))
}

func TestMarkBurstDedupes(t *testing.T) {
	s := newTestStats(t)

	now := time.Now()
	s.now = func() time.Time { return now }

	assert.True(t, s.MarkBurst("c1", 10*time.Second))
	assert.False(t, s.MarkBurst("c1", 10*time.Second))

	now = now.Add(11 * time.Second)
	assert.True(t, s.MarkBurst("c1", 10*time.Second))
}

func TestRecordDequeueTrimsWindow(t *testing.T) {
	st, mock := newTestStore(t)
	s := NewStats(st, zap.NewNop())

	for i := 0; i < recentWindowSize+10; i++ {
		mock.ExpectExec("INSERT INTO consumer_stats").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for i := 0; i < recentWindowSize+10; i++ {
		s.RecordDequeue(context.Background(), "c1")
	}

	assert.Len(t, s.windows["c1"], recentWindowSize)
}

func TestRecordDequeueIgnoresEmptyConsumer(t *testing.T) {
	s := newTestStats(t)
	s.RecordDequeue(context.Background(), "")
	assert.Empty(t, s.windows)
}
