package coordinator

import (
	"fmt"
	"time"

	"github.com/t77yq/flow-manager/internal/model"
)

// allowedTransitions lists, for every non-terminal state, where a task may go next
var allowedTransitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskStatusPending: {
		model.TaskStatusEligible,
		model.TaskStatusCancelled,
	},
	model.TaskStatusEligible: {
		model.TaskStatusRunning,
		model.TaskStatusPaused,
		model.TaskStatusCancelled,
	},
	model.TaskStatusRunning: {
		model.TaskStatusSucceeded,
		model.TaskStatusFailed,
		model.TaskStatusPaused,
		model.TaskStatusCancelled,
	},
	model.TaskStatusFailed: {
		model.TaskStatusPending,
		model.TaskStatusCancelled,
	},
	model.TaskStatusPaused: {
		model.TaskStatusPending,
		model.TaskStatusEligible,
		model.TaskStatusRunning,
		model.TaskStatusCancelled,
	},
}

// canTransition reports whether the task may move to the given state.
// A failed task waiting for a retry is not terminal and may still move.
func canTransition(t *model.Task, to model.TaskStatus) bool {
	if t.IsTerminal() {
		return false
	}
	for _, allowed := range allowedTransitions[t.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

// applyTransition moves the task and maintains its timing fields
func applyTransition(t *model.Task, to model.TaskStatus, now time.Time) error {
	if !canTransition(t, to) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.Key(), t.Status, to)
	}

	from := t.Status
	t.Status = to

	switch to {
	case model.TaskStatusPending:
		t.EligibleAt = nil
		t.FinishedAt = nil
	case model.TaskStatusEligible:
		if from != model.TaskStatusPaused || t.EligibleAt == nil {
			t.EligibleAt = timePtr(now)
		}
	case model.TaskStatusRunning:
		if from == model.TaskStatusEligible {
			t.StartedAt = timePtr(now)
			t.FinishedAt = nil
		}
	case model.TaskStatusSucceeded, model.TaskStatusFailed, model.TaskStatusCancelled:
		t.FinishedAt = timePtr(now)
	}
	return nil
}

// deriveStatus computes the workflow status from its control flags and tasks
func deriveStatus(wf *model.Workflow, tasks map[string]*model.Task) model.WorkflowStatus {
	allTerminal, allSucceeded, anyFailed := true, true, false
	for _, t := range tasks {
		if !t.IsTerminal() {
			allTerminal = false
		}
		if t.Status != model.TaskStatusSucceeded {
			allSucceeded = false
		}
		if t.Status == model.TaskStatusFailed && t.RetryAt == nil {
			anyFailed = true
		}
	}

	switch {
	case wf.Cancelled:
		return model.WorkflowStatusCancelled
	case allTerminal && allSucceeded:
		return model.WorkflowStatusSucceeded
	case allTerminal && anyFailed:
		return model.WorkflowStatusFailed
	case allTerminal:
		return model.WorkflowStatusCancelled
	case wf.Paused:
		return model.WorkflowStatusPaused
	default:
		return model.WorkflowStatusRunning
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
