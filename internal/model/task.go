package model

import (
	"strconv"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusEligible  TaskStatus = "eligible"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskPriority orders eligible tasks. Higher values dispatch first.
type TaskPriority int

const (
	TaskPriorityLow    TaskPriority = 1
	TaskPriorityNormal TaskPriority = 2
	TaskPriorityHigh   TaskPriority = 3
)

// Task represents a unit of work inside a workflow
type Task struct {
	ID           string        `json:"id"`
	WorkflowID   string        `json:"workflow_id"`
	Name         string        `json:"name,omitempty"`
	Type         string        `json:"type"`
	Description  string        `json:"description,omitempty"`
	Payload      []byte        `json:"payload,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Priority     TaskPriority  `json:"priority"`
	Status       TaskStatus    `json:"status"`
	Timeout      time.Duration `json:"timeout,omitempty"`

	AssignedWorker string `json:"assigned_worker,omitempty"`
	AttemptCount   int    `json:"attempt_count"`
	MaxAttempts    int    `json:"max_attempts"`

	// PausedFrom holds the state a paused task returns to on resume.
	PausedFrom TaskStatus `json:"paused_from,omitempty"`
	// RetryAt is set while a failed task waits for its backoff to elapse.
	RetryAt *time.Time `json:"retry_at,omitempty"`

	Result []byte `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Timing fields
	CreatedAt  time.Time  `json:"created_at"`
	EligibleAt *time.Time `json:"eligible_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Key returns the identifier of the task that is unique across workflows.
func (t *Task) Key() string {
	return TaskKey(t.WorkflowID, t.ID)
}

// TaskKey joins a workflow id and a task id.
func TaskKey(workflowID, taskID string) string {
	return workflowID + "/" + taskID
}

// AttemptKey identifies one attempt of a task as workflowID/taskID#attempt
func AttemptKey(taskKey string, attempt int) string {
	return taskKey + "#" + strconv.Itoa(attempt)
}

// AttemptKey returns the key of the task's current attempt
func (t *Task) AttemptKey() string {
	return AttemptKey(t.Key(), t.AttemptCount)
}

// IsTerminal reports whether the task will never change state again.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskStatusSucceeded, TaskStatusCancelled:
		return true
	case TaskStatusFailed:
		return t.RetryAt == nil
	default:
		return false
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Payload = append([]byte(nil), t.Payload...)
	c.Result = append([]byte(nil), t.Result...)
	c.EligibleAt = cloneTime(t.EligibleAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.FinishedAt = cloneTime(t.FinishedAt)
	c.RetryAt = cloneTime(t.RetryAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TaskResult represents the result of a task execution reported by a worker
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	WorkflowID  string     `json:"workflow_id"`
	WorkerID    string     `json:"worker_id"`
	Attempt     int        `json:"attempt"`
	Status      TaskStatus `json:"status"`
	Result      []byte     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// Succeeded reports whether the worker finished the task successfully.
func (r TaskResult) Succeeded() bool {
	return r.Status == TaskStatusSucceeded && r.Error == ""
}
