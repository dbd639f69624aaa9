package model

import "time"

// WorkflowStatus is derived from the statuses of the constituent tasks
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusSucceeded WorkflowStatus = "succeeded"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the workflow can no longer make progress.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusSucceeded || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// FailurePolicy decides what an exhausted task does to the rest of its workflow
type FailurePolicy string

const (
	// FailurePolicyFailFast cancels every non-terminal task once one task is terminally failed.
	FailurePolicyFailFast FailurePolicy = "fail_fast"
	// FailurePolicyBestEffort keeps running branches that do not depend on the failed task.
	FailurePolicyBestEffort FailurePolicy = "best_effort"
)

// Workflow is a DAG of tasks tracked as one unit
type Workflow struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	FailurePolicy FailurePolicy  `json:"failure_policy"`
	Status        WorkflowStatus `json:"status"`
	Paused        bool           `json:"paused,omitempty"`
	Cancelled     bool           `json:"cancelled,omitempty"`
	TaskIDs       []string       `json:"task_ids"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// TaskView is the externally visible state of a task
type TaskView struct {
	*Task
	// Waiting is true while the task is eligible but no healthy matching worker has capacity.
	Waiting bool `json:"waiting,omitempty"`
}

// WorkflowView is the committed state of a workflow returned by status queries
type WorkflowView struct {
	Workflow
	Sequence int64       `json:"sequence"`
	Tasks    []*TaskView `json:"tasks"`
}

// Task returns the view of the given task id, or nil.
func (v *WorkflowView) Task(id string) *TaskView {
	for _, t := range v.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// EngineStats is a point-in-time summary of the coordinator
type EngineStats struct {
	Workflows map[WorkflowStatus]int `json:"workflows"`
	Tasks     map[TaskStatus]int     `json:"tasks"`
	Queued    int                    `json:"queued"`
	InFlight  int                    `json:"in_flight"`
	Workers   map[HealthStatus]int   `json:"workers"`
}

// WaitingTask is an eligible task that no worker has picked up yet
type WaitingTask struct {
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id"`
	Type       string    `json:"type"`
	Since      time.Time `json:"since"`
}
