package model

import (
	"time"
)

// EventType represents the type of thread event.
type EventType string

const (
	EventTypeCrisis            EventType = "crisis_detected"
	EventTypeCompletionFailed  EventType = "completion_failed"
	EventTypePersistenceFailed EventType = "persistence_failed"
)

// ThreadEvent is an operational event about a thread. It never carries
// message content.
type ThreadEvent struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	Owner     string            `json:"owner"`
	Type      EventType         `json:"type"`
	Reason    string            `json:"reason"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
