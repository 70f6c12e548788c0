package model

import (
	"encoding/json"
	"time"
)

type RetryStatus string

const (
	RetryPending    RetryStatus = "pending"
	RetrySucceeded  RetryStatus = "succeeded"
	RetryDeadLetter RetryStatus = "dead_letter"
)

// RetryRecord holds a failed event until it is replayed or dead-lettered.
type RetryRecord struct {
	EventID       string          `json:"event_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error"`
	LastAttemptAt time.Time       `json:"last_attempt_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Status        RetryStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Event rebuilds the stored event for replay.
func (r *RetryRecord) Event() *Event {
	return &Event{
		ID:         r.EventID,
		Type:       r.EventType,
		Payload:    r.Payload,
		ReceivedAt: r.CreatedAt,
	}
}
