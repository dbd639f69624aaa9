package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies lifecycle events published to sinks
type EventType string

const (
	EventTaskStatus     EventType = "task.status"
	EventWorkflowStatus EventType = "workflow.status"
	EventWorkerHealth   EventType = "worker.health"
	EventAlert          EventType = "alert"
	EventMetrics        EventType = "metrics"
)

// Event is a fire-and-forget lifecycle notification
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	WorkerID   string                 `json:"worker_id,omitempty"`
	From       string                 `json:"from,omitempty"`
	To         string                 `json:"to,omitempty"`
	Attempt    int                    `json:"attempt,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(typ EventType) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		CreatedAt: time.Now(),
	}
}
