// Package anomaly implements the pluggable anomaly engine: a detector
// registry fired on lifecycle events, batched anomaly persistence, and
// per-consumer stats used for burst detection.
package anomaly

import (
	"time"
)

// Severity levels.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Lifecycle events detectors can subscribe to.
const (
	EventEnqueue = "enqueue"
	EventDequeue = "dequeue"
	EventAck     = "ack"
	EventNack    = "nack"
	EventReap    = "reap"
	EventBulk    = "bulk"
	EventClear   = "clear"
)

// Record is one persisted anomaly.
type Record struct {
	ID         string         `db:"id" json:"id"`
	Type       string         `db:"type" json:"type"`
	Severity   Severity       `db:"severity" json:"severity"`
	MessageID  *string        `db:"message_id" json:"message_id,omitempty"`
	ConsumerID *string        `db:"consumer_id" json:"consumer_id,omitempty"`
	QueueName  *string        `db:"queue_name" json:"queue_name,omitempty"`
	Details    map[string]any `db:"-" json:"details,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// Event is the context handed to every detector for one lifecycle event.
// Fields irrelevant to the event are zero.
type Event struct {
	Name string

	QueueName   string
	MessageID   string
	MessageType string
	ConsumerID  string

	PayloadSize  int
	AttemptCount int
	MaxAttempts  int

	AckTimeoutSeconds int
	TimeInQueue       time.Duration
	ProcessingTime    time.Duration
	OverdueBy         time.Duration

	PresentedToken string
	CurrentToken   string

	// Bulk operations.
	Operation     string
	AffectedCount int
}

// Detector inspects one event and optionally reports an anomaly.
// Implementations must be safe for concurrent use.
type Detector interface {
	Name() string
	Description() string
	Events() []string
	EnabledByDefault() bool
	Detect(ev Event) *Record
}
