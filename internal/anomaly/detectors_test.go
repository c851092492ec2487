package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mood-agency/relay-sub002/internal/config"
)

func testThresholds() config.Anomaly {
	return config.Anomaly{
		FlashMessageThreshold:    time.Second,
		ZombieMultiplier:         2,
		NearDLQThreshold:         1,
		LongProcessingMultiplier: 1,
		BurstThresholdCount:      50,
		BurstThresholdWindow:     10 * time.Second,
		BulkOperationThreshold:   100,
		LargePayloadBytes:        256 * 1024,
	}
}

func detectorByName(t *testing.T, name string) Detector {
	t.Helper()
	for _, d := range Builtins(testThresholds(), nil) {
		if d.Name() == name {
			return d
		}
	}
	t.Fatalf("no detector named %s", name)
	return nil
}

func TestFlashMessage(t *testing.T) {
	d := detectorByName(t, "flash_message")

	rec := d.Detect(Event{Name: EventDequeue, MessageID: "m1", TimeInQueue: 50 * time.Millisecond})
	require.NotNil(t, rec)
	assert.Equal(t, "flash_message", rec.Type)
	assert.Equal(t, SeverityInfo, rec.Severity)

	assert.Nil(t, d.Detect(Event{Name: EventDequeue, TimeInQueue: 2 * time.Second}))
}

func TestZombieMessage(t *testing.T) {
	d := detectorByName(t, "zombie_message")

	rec := d.Detect(Event{
		Name:              EventReap,
		MessageID:         "m1",
		AckTimeoutSeconds: 30,
		OverdueBy:         90 * time.Second,
	})
	require.NotNil(t, rec)
	assert.Equal(t, SeverityCritical, rec.Severity)

	// Overdue but within multiplier x timeout.
	assert.Nil(t, d.Detect(Event{
		Name:              EventReap,
		AckTimeoutSeconds: 30,
		OverdueBy:         45 * time.Second,
	}))
}

func TestNearDLQ(t *testing.T) {
	d := detectorByName(t, "near_dlq")

	rec := d.Detect(Event{Name: EventNack, AttemptCount: 2, MaxAttempts: 3})
	require.NotNil(t, rec)
	assert.Equal(t, "near_dlq", rec.Type)

	assert.Nil(t, d.Detect(Event{Name: EventNack, AttemptCount: 1, MaxAttempts: 3}))
	assert.Nil(t, d.Detect(Event{Name: EventNack, AttemptCount: 1, MaxAttempts: 0}))
}

func TestDLQMovement(t *testing.T) {
	d := detectorByName(t, "dlq_movement")

	require.NotNil(t, d.Detect(Event{Name: EventNack, AttemptCount: 3, MaxAttempts: 3}))
	assert.Nil(t, d.Detect(Event{Name: EventNack, AttemptCount: 2, MaxAttempts: 3}))
}

func TestLongProcessing(t *testing.T) {
	d := detectorByName(t, "long_processing")

	// Threshold is multiplier x ack_timeout x 500ms: 30s timeout -> 15s.
	rec := d.Detect(Event{Name: EventAck, AckTimeoutSeconds: 30, ProcessingTime: 20 * time.Second})
	require.NotNil(t, rec)
	assert.Equal(t, SeverityWarning, rec.Severity)

	assert.Nil(t, d.Detect(Event{Name: EventAck, AckTimeoutSeconds: 30, ProcessingTime: 10 * time.Second}))
}

func TestLockStolen(t *testing.T) {
	d := detectorByName(t, "lock_stolen")

	rec := d.Detect(Event{Name: EventAck, PresentedToken: "aaa", CurrentToken: "bbb"})
	require.NotNil(t, rec)
	assert.Equal(t, SeverityCritical, rec.Severity)

	assert.Nil(t, d.Detect(Event{Name: EventAck, PresentedToken: "aaa", CurrentToken: "aaa"}))
	assert.Nil(t, d.Detect(Event{Name: EventAck, PresentedToken: "", CurrentToken: "bbb"}))
}

func TestBulkOperation(t *testing.T) {
	d := detectorByName(t, "bulk_operation")

	rec := d.Detect(Event{Name: EventBulk, Operation: "delete", AffectedCount: 150})
	require.NotNil(t, rec)
	assert.Equal(t, "bulk_delete", rec.Type)
	assert.Equal(t, SeverityWarning, rec.Severity)

	rec = d.Detect(Event{Name: EventBulk, Operation: "enqueue", AffectedCount: 150})
	require.NotNil(t, rec)
	assert.Equal(t, "bulk_enqueue", rec.Type)
	assert.Equal(t, SeverityInfo, rec.Severity)

	assert.Nil(t, d.Detect(Event{Name: EventBulk, Operation: "move", AffectedCount: 10}))
}

func TestLargePayload(t *testing.T) {
	d := detectorByName(t, "large_payload")

	require.NotNil(t, d.Detect(Event{Name: EventEnqueue, PayloadSize: 300 * 1024}))
	assert.Nil(t, d.Detect(Event{Name: EventEnqueue, PayloadSize: 1024}))
}

func TestQueueCleared(t *testing.T) {
	d := detectorByName(t, "queue_cleared")

	rec := d.Detect(Event{Name: EventClear, QueueName: "orders", AffectedCount: 12})
	require.NotNil(t, rec)
	assert.Equal(t, SeverityCritical, rec.Severity)
}

func TestBurstDequeue(t *testing.T) {
	stats := newTestStats(t)
	var d Detector
	for _, det := range Builtins(testThresholds(), stats) {
		if det.Name() == "burst_dequeue" {
			d = det
		}
	}
	require.NotNil(t, d)

	// Below the threshold: nothing fires.
	assert.Nil(t, d.Detect(Event{Name: EventDequeue, ConsumerID: "c1"}))

	now := time.Now()
	stats.now = func() time.Time { return now }
	stats.windows["c1"] = make([]time.Time, 0, 60)
	for i := 0; i < 60; i++ {
		stats.windows["c1"] = append(stats.windows["c1"], now)
	}

	rec := d.Detect(Event{Name: EventDequeue, ConsumerID: "c1"})
	require.NotNil(t, rec)
	assert.Equal(t, "burst_dequeue", rec.Type)

	// Deduped within the window.
	assert.Nil(t, d.Detect(Event{Name: EventDequeue, ConsumerID: "c1"}))
}
