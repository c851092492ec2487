// Package engine implements the queue engine: atomic claims, fenced
// ack/nack/touch transitions, the reaper, the producer path and the
// operation facade consumed by the transport.
package engine

import (
	"encoding/json"
	"time"
)

// Message statuses.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusProcessing   Status = "processing"
	StatusAcknowledged Status = "acknowledged"
	StatusDead         Status = "dead"
	StatusArchived     Status = "archived"
)

// TerminalStatuses are never re-entered by the engine; only administrative
// moves may leave them.
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusDead || s == StatusArchived
}

// Message is one row of a messages table.
type Message struct {
	ID                string          `db:"id" json:"id"`
	QueueName         string          `db:"queue_name" json:"queue_name"`
	Type              *string         `db:"type" json:"type,omitempty"`
	Payload           json.RawMessage `db:"payload" json:"payload"`
	Priority          int             `db:"priority" json:"priority"`
	OriginalPriority  int             `db:"original_priority" json:"original_priority"`
	Status            Status          `db:"status" json:"status"`
	AttemptCount      int             `db:"attempt_count" json:"attempt_count"`
	MaxAttempts       int             `db:"max_attempts" json:"max_attempts"`
	AckTimeoutSeconds int             `db:"ack_timeout_seconds" json:"ack_timeout_seconds"`
	LockToken         *string         `db:"lock_token" json:"lock_token,omitempty"`
	LockedUntil       *time.Time      `db:"locked_until" json:"locked_until,omitempty"`
	ConsumerID        *string         `db:"consumer_id" json:"consumer_id,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	DequeuedAt        *time.Time      `db:"dequeued_at" json:"dequeued_at,omitempty"`
	AcknowledgedAt    *time.Time      `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	LastError         *string         `db:"last_error" json:"last_error,omitempty"`
	PayloadSize       int             `db:"payload_size" json:"payload_size"`
}

// messageColumns is the canonical column list for message selects.
const messageColumns = `id, queue_name, type, payload, priority, original_priority, status, attempt_count, max_attempts, ack_timeout_seconds, lock_token, locked_until, consumer_id, created_at, dequeued_at, acknowledged_at, last_error, payload_size`

// Claim is the result of a successful dequeue. LockToken is the fencing
// token the consumer must present on any follow-up ack, nack or touch.
type Claim struct {
	Message             *Message  `json:"message"`
	LockToken           string    `json:"lock_token"`
	AttemptCount        int       `json:"attempt_count"`
	ProcessingStartedAt time.Time `json:"processing_started_at"`
}

// TouchResult carries the extended deadline. The lock token is not rotated
// by touch; it extends, not reclaims.
type TouchResult struct {
	NewTimeoutAt time.Time `json:"new_timeout_at"`
	LockToken    string    `json:"lock_token"`
}

func (m *Message) typeOrEmpty() string {
	if m.Type == nil {
		return ""
	}
	return *m.Type
}

func (m *Message) consumerOrEmpty() string {
	if m.ConsumerID == nil {
		return ""
	}
	return *m.ConsumerID
}

func (m *Message) lockTokenOrEmpty() string {
	if m.LockToken == nil {
		return ""
	}
	return *m.LockToken
}

// nullable maps "" to NULL for optional text parameters.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
