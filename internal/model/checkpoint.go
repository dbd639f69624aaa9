package model

import "time"

// WorkflowSnapshot is the serialized state of a workflow and all of its tasks
type WorkflowSnapshot struct {
	Workflow *Workflow `json:"workflow"`
	Tasks    []*Task   `json:"tasks"`
}

// Checkpoint is an append-only record keyed by workflow id and sequence number
type Checkpoint struct {
	WorkflowID string            `json:"workflow_id"`
	Sequence   int64             `json:"sequence"`
	Snapshot   *WorkflowSnapshot `json:"snapshot"`
	CreatedAt  time.Time         `json:"created_at"`
}
