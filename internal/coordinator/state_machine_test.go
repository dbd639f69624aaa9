package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/flow-manager/internal/model"
)

func TestApplyTransition(t *testing.T) {
	now := time.Now()
	task := &model.Task{ID: "A", WorkflowID: "wf", Status: model.TaskStatusPending}

	require.NoError(t, applyTransition(task, model.TaskStatusEligible, now))
	require.NotNil(t, task.EligibleAt)

	later := now.Add(time.Second)
	require.NoError(t, applyTransition(task, model.TaskStatusRunning, later))
	assert.Equal(t, later, *task.StartedAt)

	require.NoError(t, applyTransition(task, model.TaskStatusSucceeded, later))
	require.NotNil(t, task.FinishedAt)

	err := applyTransition(task, model.TaskStatusPending, later)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailedTaskMovesOnlyWhileRetryPending(t *testing.T) {
	now := time.Now()
	task := &model.Task{ID: "A", WorkflowID: "wf", Status: model.TaskStatusFailed}
	assert.False(t, canTransition(task, model.TaskStatusPending))

	task.RetryAt = &now
	assert.True(t, canTransition(task, model.TaskStatusPending))
	assert.False(t, canTransition(task, model.TaskStatusRunning))
	require.NoError(t, applyTransition(task, model.TaskStatusPending, now))
	assert.Nil(t, task.FinishedAt)
}

func TestPausedEligibleKeepsEligibleSince(t *testing.T) {
	since := time.Now().Add(-time.Minute)
	task := &model.Task{ID: "A", WorkflowID: "wf", Status: model.TaskStatusEligible, EligibleAt: &since}

	require.NoError(t, applyTransition(task, model.TaskStatusPaused, time.Now()))
	require.NoError(t, applyTransition(task, model.TaskStatusEligible, time.Now()))
	assert.Equal(t, since, *task.EligibleAt)
}

func TestDeriveStatus(t *testing.T) {
	retryAt := time.Now()
	tasks := func(statuses ...model.TaskStatus) map[string]*model.Task {
		out := make(map[string]*model.Task)
		for i, s := range statuses {
			out[string(rune('A'+i))] = &model.Task{Status: s}
		}
		return out
	}

	cases := []struct {
		name  string
		wf    model.Workflow
		tasks map[string]*model.Task
		want  model.WorkflowStatus
	}{
		{"all succeeded", model.Workflow{}, tasks(model.TaskStatusSucceeded, model.TaskStatusSucceeded), model.WorkflowStatusSucceeded},
		{"terminal failure", model.Workflow{}, tasks(model.TaskStatusSucceeded, model.TaskStatusFailed), model.WorkflowStatusFailed},
		{"failed and cancelled", model.Workflow{}, tasks(model.TaskStatusFailed, model.TaskStatusCancelled), model.WorkflowStatusFailed},
		{"cancelled only", model.Workflow{}, tasks(model.TaskStatusSucceeded, model.TaskStatusCancelled), model.WorkflowStatusCancelled},
		{"in progress", model.Workflow{}, tasks(model.TaskStatusSucceeded, model.TaskStatusPending), model.WorkflowStatusRunning},
		{"paused", model.Workflow{Paused: true}, tasks(model.TaskStatusPaused), model.WorkflowStatusPaused},
		{"cancelled flag", model.Workflow{Cancelled: true}, tasks(model.TaskStatusSucceeded), model.WorkflowStatusCancelled},
		{"paused but done", model.Workflow{Paused: true}, tasks(model.TaskStatusSucceeded), model.WorkflowStatusSucceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, deriveStatus(&tc.wf, tc.tasks))
		})
	}

	retrying := tasks(model.TaskStatusFailed)
	retrying["A"].RetryAt = &retryAt
	assert.Equal(t, model.WorkflowStatusRunning, deriveStatus(&model.Workflow{}, retrying))
}
