package anomaly

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

	"github.com/mood-agency/relay-sub002/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewFromDB(sqlx.NewDb(db, "sqlmock"), nil, zap.NewNop())
	return st, mock
}

func newTestStats(t *testing.T) *Stats {
	t.Helper()
	st, _ := newTestStore(t)
	return NewStats(st, zap.NewNop())
}

type stubDetector struct {
	name    string
	events  []string
	enabled bool
	detect  func(ev Event) *Record
}

func (d *stubDetector) Name() string           { return d.name }
func (d *stubDetector) Description() string    { return "stub" }
func (d *stubDetector) Events() []string       { return d.events }
func (d *stubDetector) EnabledByDefault() bool { return d.enabled }
func (d *stubDetector) Detect(ev Event) *Record {
	if d.detect == nil {
		return nil
	}
	return d.detect(ev)
}

func TestRegisterAndRun(t *testing.T) {
	st, mock := newTestStore(t)
	r := NewRegistry(st, zap.NewNop())

	r.Register(&stubDetector{
		name: "always", events: []string{EventEnqueue}, enabled: true,
		detect: func(ev Event) *Record {
			return &Record{Type: "always", Severity: SeverityInfo}
		},
	})

	mock.ExpectExec("INSERT INTO anomalies").
		WillReturnResult(sqlmock.NewResult(0, 1))

	records := r.Run(context.Background(), Event{Name: EventEnqueue})
	require.Len(t, records, 1)
	assert.Equal(t, "always", records[0].Type)
	assert.NotEmpty(t, records[0].ID)
	assert.False(t, records[0].CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSkipsDisabledDetector(t *testing.T) {
	st, _ := newTestStore(t)
	r := NewRegistry(st, zap.NewNop())

	r.Register(&stubDetector{
		name: "off", events: []string{EventEnqueue}, enabled: false,
		detect: func(ev Event) *Record {
			return &Record{Type: "off"}
		},
	})

	assert.Empty(t, r.Run(context.Background(), Event{Name: EventEnqueue}))

	require.NoError(t, r.Enable("off"))
	assert.Len(t, r.Evaluate(Event{Name: EventEnqueue}), 1)
}

func TestRunIsolatesPanickingDetector(t *testing.T) {
	st, mock := newTestStore(t)
	r := NewRegistry(st, zap.NewNop())

	r.Register(&stubDetector{
		name: "bad", events: []string{EventDequeue}, enabled: true,
		detect: func(ev Event) *Record { panic("boom") },
	})
	r.Register(&stubDetector{
		name: "good", events: []string{EventDequeue}, enabled: true,
		detect: func(ev Event) *Record {
			return &Record{Type: "good"}
		},
	})

	mock.ExpectExec("INSERT INTO anomalies").
		WillReturnResult(sqlmock.NewResult(0, 1))

	records := r.Run(context.Background(), Event{Name: EventDequeue})
	require.Len(t, records, 1)
	assert.Equal(t, "good", records[0].Type)
}

func TestEvaluateDoesNotPersist(t *testing.T) {
	st, mock := newTestStore(t)
	r := NewRegistry(st, zap.NewNop())

	r.Register(&stubDetector{
		name: "always", events: []string{EventReap}, enabled: true,
		detect: func(ev Event) *Record {
			return &Record{Type: "always"}
		},
	})

	records := r.Evaluate(Event{Name: EventReap})
	require.Len(t, records, 1)
	// No insert was expected; any execution would fail the matcher.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnregisterRemovesFromIndex(t *testing.T) {
	st, _ := newTestStore(t)
	r := NewRegistry(st, zap.NewNop())

	r.Register(&stubDetector{
		name: "gone", events: []string{EventAck}, enabled: true,
		detect: func(ev Event) *Record {
			return &Record{Type: "gone"}
		},
	})
	r.Unregister("gone")

	assert.Empty(t, r.Evaluate(Event{Name: EventAck}))
}

func TestPersistRetriesOnDeadlock(t *testing.T) {
	st, mock := newTestStore(t)
	r := NewRegistry(st, zap.NewNop())

	mock.ExpectExec("INSERT INTO anomalies").WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectExec("INSERT INTO anomalies").WillReturnResult(sqlmock.NewResult(0, 1))

	r.Persist(context.Background(), []Record{{
		ID: "a1", Type: "zombie_message", Severity: SeverityCritical, CreatedAt: time.Now(),
	}})
	assert.NoError(t, mock.ExpectationsWereMet())
}
