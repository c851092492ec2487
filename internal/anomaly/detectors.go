package anomaly

import (
	"fmt"
	"time"

	"github.com/mood-agency/relay-sub002/internal/config"
)

// Builtins returns the built-in detector set wired to the configured
// thresholds and the consumer stats tracker.
func Builtins(cfg config.Anomaly, stats *Stats) []Detector {
	return []Detector{
		&flashMessage{threshold: cfg.FlashMessageThreshold},
		&zombieMessage{multiplier: cfg.ZombieMultiplier},
		&nearDLQ{threshold: cfg.NearDLQThreshold},
		&dlqMovement{},
		&longProcessing{multiplier: cfg.LongProcessingMultiplier},
		&lockStolen{},
		&burstDequeue{count: cfg.BurstThresholdCount, window: cfg.BurstThresholdWindow, stats: stats},
		&bulkOperation{threshold: cfg.BulkOperationThreshold},
		&largePayload{maxBytes: cfg.LargePayloadBytes},
		&queueCleared{},
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// flashMessage fires when a message is claimed almost immediately after
// enqueue, which usually signals misconfigured producer/consumer timing.
type flashMessage struct {
	threshold time.Duration
}

func (d *flashMessage) Name() string        { return "flash_message" }
func (d *flashMessage) Description() string { return "message claimed under the flash threshold" }
func (d *flashMessage) Events() []string    { return []string{EventDequeue} }
func (d *flashMessage) EnabledByDefault() bool { return true }

func (d *flashMessage) Detect(ev Event) *Record {
	if ev.TimeInQueue < 0 || ev.TimeInQueue >= d.threshold {
		return nil
	}
	return &Record{
		Type:       "flash_message",
		Severity:   SeverityInfo,
		MessageID:  optional(ev.MessageID),
		ConsumerID: optional(ev.ConsumerID),
		QueueName:  optional(ev.QueueName),
		Details: map[string]any{
			"time_in_queue_ms": ev.TimeInQueue.Milliseconds(),
			"threshold_ms":     d.threshold.Milliseconds(),
		},
	}
}

// zombieMessage fires when a reaped row is overdue far beyond its expected
// timeout: the previous consumer is presumed dead.
type zombieMessage struct {
	multiplier float64
}

func (d *zombieMessage) Name() string        { return "zombie_message" }
func (d *zombieMessage) Description() string { return "processing lock overdue far beyond its timeout" }
func (d *zombieMessage) Events() []string    { return []string{EventReap} }
func (d *zombieMessage) EnabledByDefault() bool { return true }

func (d *zombieMessage) Detect(ev Event) *Record {
	expected := time.Duration(ev.AckTimeoutSeconds) * time.Second
	if expected <= 0 || float64(ev.OverdueBy) <= d.multiplier*float64(expected) {
		return nil
	}
	return &Record{
		Type:       "zombie_message",
		Severity:   SeverityCritical,
		MessageID:  optional(ev.MessageID),
		ConsumerID: optional(ev.ConsumerID),
		QueueName:  optional(ev.QueueName),
		Details: map[string]any{
			"overdue_ms":          ev.OverdueBy.Milliseconds(),
			"expected_timeout_ms": expected.Milliseconds(),
			"multiplier":          d.multiplier,
		},
	}
}

// nearDLQ fires when a message is close to exhausting its attempts.
type nearDLQ struct {
	threshold int
}

func (d *nearDLQ) Name() string        { return "near_dlq" }
func (d *nearDLQ) Description() string { return "message approaching its attempts cap" }
func (d *nearDLQ) Events() []string    { return []string{EventNack, EventDequeue} }
func (d *nearDLQ) EnabledByDefault() bool { return true }

func (d *nearDLQ) Detect(ev Event) *Record {
	if ev.MaxAttempts <= 0 {
		return nil
	}
	remaining := ev.MaxAttempts - ev.AttemptCount
	if remaining < 0 || remaining > d.threshold {
		return nil
	}
	return &Record{
		Type:       "near_dlq",
		Severity:   SeverityWarning,
		MessageID:  optional(ev.MessageID),
		ConsumerID: optional(ev.ConsumerID),
		QueueName:  optional(ev.QueueName),
		Details: map[string]any{
			"attempt_count":      ev.AttemptCount,
			"max_attempts":       ev.MaxAttempts,
			"attempts_remaining": remaining,
		},
	}
}

// dlqMovement fires on a transition to dead.
type dlqMovement struct{}

func (d *dlqMovement) Name() string        { return "dlq_movement" }
func (d *dlqMovement) Description() string { return "message moved to the dead-letter partition" }
func (d *dlqMovement) Events() []string    { return []string{EventNack} }
func (d *dlqMovement) EnabledByDefault() bool { return true }

func (d *dlqMovement) Detect(ev Event) *Record {
	if ev.AttemptCount < ev.MaxAttempts {
		return nil
	}
	return &Record{
		Type:       "dlq_movement",
		Severity:   SeverityWarning,
		MessageID:  optional(ev.MessageID),
		ConsumerID: optional(ev.ConsumerID),
		QueueName:  optional(ev.QueueName),
		Details: map[string]any{
			"attempt_count": ev.AttemptCount,
			"max_attempts":  ev.MaxAttempts,
		},
	}
}

// longProcessing fires when an ack arrives long after the claim relative
// to the message's ack timeout.
type longProcessing struct {
	multiplier float64
}

func (d *longProcessing) Name() string        { return "long_processing" }
func (d *longProcessing) Description() string { return "processing time exceeded the expected window" }
func (d *longProcessing) Events() []string    { return []string{EventAck} }
func (d *longProcessing) EnabledByDefault() bool { return true }

func (d *longProcessing) Detect(ev Event) *Record {
	thresholdMS := d.multiplier * float64(ev.AckTimeoutSeconds) * 500
	if thresholdMS <= 0 || float64(ev.ProcessingTime.Milliseconds()) <= thresholdMS {
		return nil
	}
	return &Record{
		Type:       "long_processing",
		Severity:   SeverityWarning,
		MessageID:  optional(ev.MessageID),
		ConsumerID: optional(ev.ConsumerID),
		QueueName:  optional(ev.QueueName),
		Details: map[string]any{
			"processing_time_ms": ev.ProcessingTime.Milliseconds(),
			"threshold_ms":       thresholdMS,
		},
	}
}

// lockStolen fires when a presented fencing token no longer matches the
// row's current token: another consumer owns the message.
type lockStolen struct{}

func (d *lockStolen) Name() string        { return "lock_stolen" }
func (d *lockStolen) Description() string { return "fencing token mismatch on ack or nack" }
func (d *lockStolen) Events() []string    { return []string{EventAck, EventNack} }
func (d *lockStolen) EnabledByDefault() bool { return true }

func (d *lockStolen) Detect(ev Event) *Record {
	if ev.PresentedToken == "" || ev.PresentedToken == ev.CurrentToken {
		return nil
	}
	return &Record{
		Type:       "lock_stolen",
		Severity:   SeverityCritical,
		MessageID:  optional(ev.MessageID),
		ConsumerID: optional(ev.ConsumerID),
		QueueName:  optional(ev.QueueName),
		Details: map[string]any{
			"presented_token": ev.PresentedToken,
		},
	}
}

// burstDequeue fires when one consumer claims too many messages within a
// short window. Deduped per consumer per window.
type burstDequeue struct {
	count  int
	window time.Duration
	stats  *Stats
}

func (d *burstDequeue) Name() string        { return "burst_dequeue" }
func (d *burstDequeue) Description() string { return "consumer dequeue rate over the burst threshold" }
func (d *burstDequeue) Events() []string    { return []string{EventDequeue} }
func (d *burstDequeue) EnabledByDefault() bool { return true }

func (d *burstDequeue) Detect(ev Event) *Record {
	if ev.ConsumerID == "" || d.stats == nil {
		return nil
	}
	count := d.stats.BurstCount(ev.ConsumerID, d.window)
	if count < d.count {
		return nil
	}
	if !d.stats.MarkBurst(ev.ConsumerID, d.window) {
		return nil
	}
	return &Record{
		Type:       "burst_dequeue",
		Severity:   SeverityWarning,
		ConsumerID: optional(ev.ConsumerID),
		QueueName:  optional(ev.QueueName),
		Details: map[string]any{
			"dequeues_in_window": count,
			"window_seconds":     d.window.Seconds(),
			"threshold":          d.count,
		},
	}
}

// bulkOperation fires when a bulk delete/move/enqueue touches more rows
// than the configured threshold.
type bulkOperation struct {
	threshold int
}

func (d *bulkOperation) Name() string        { return "bulk_operation" }
func (d *bulkOperation) Description() string { return "bulk operation over the affected-count threshold" }
func (d *bulkOperation) Events() []string    { return []string{EventBulk} }
func (d *bulkOperation) EnabledByDefault() bool { return true }

func (d *bulkOperation) Detect(ev Event) *Record {
	if ev.AffectedCount <= d.threshold {
		return nil
	}
	severity := SeverityWarning
	if ev.Operation == "enqueue" {
		severity = SeverityInfo
	}
	return &Record{
		Type:      fmt.Sprintf("bulk_%s", ev.Operation),
		Severity:  severity,
		QueueName: optional(ev.QueueName),
		Details: map[string]any{
			"operation":      ev.Operation,
			"affected_count": ev.AffectedCount,
			"threshold":      d.threshold,
		},
	}
}

// largePayload fires on enqueue of an oversized payload.
type largePayload struct {
	maxBytes int
}

func (d *largePayload) Name() string        { return "large_payload" }
func (d *largePayload) Description() string { return "payload size over the configured limit" }
func (d *largePayload) Events() []string    { return []string{EventEnqueue} }
func (d *largePayload) EnabledByDefault() bool { return true }

func (d *largePayload) Detect(ev Event) *Record {
	if ev.PayloadSize <= d.maxBytes {
		return nil
	}
	return &Record{
		Type:      "large_payload",
		Severity:  SeverityWarning,
		MessageID: optional(ev.MessageID),
		QueueName: optional(ev.QueueName),
		Details: map[string]any{
			"payload_size": ev.PayloadSize,
			"max_bytes":    d.maxBytes,
		},
	}
}

// queueCleared fires whenever a queue is cleared.
type queueCleared struct{}

func (d *queueCleared) Name() string        { return "queue_cleared" }
func (d *queueCleared) Description() string { return "a queue clear occurred" }
func (d *queueCleared) Events() []string    { return []string{EventClear} }
func (d *queueCleared) EnabledByDefault() bool { return true }

func (d *queueCleared) Detect(ev Event) *Record {
	return &Record{
		Type:      "queue_cleared",
		Severity:  SeverityCritical,
		QueueName: optional(ev.QueueName),
		Details: map[string]any{
			"affected_count": ev.AffectedCount,
		},
	}
}
