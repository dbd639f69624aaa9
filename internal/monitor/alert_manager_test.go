package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

type staticWaiting struct {
	tasks []model.WaitingTask
}

func (s staticWaiting) WaitingTasks() []model.WaitingTask { return s.tasks }

func TestAlertManager_AddRule(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	manager := NewAlertManager(logger, nil, nil, time.Second)

	rule1 := &model.AlertRule{
		Name:      "Starving",
		Type:      model.AlertTypeStarvation,
		Threshold: time.Minute,
		Severity:  model.AlertSeverityWarning,
	}

	err := manager.AddRule(rule1)
	require.NoError(t, err)
	require.NotEmpty(t, rule1.ID)
	require.False(t, rule1.CreatedAt.IsZero())
	require.Equal(t, rule1.CreatedAt, rule1.UpdatedAt)

	rule2 := &model.AlertRule{
		Name:     "Task Failure",
		Type:     model.AlertTypeTaskFailure,
		Severity: model.AlertSeverityError,
	}

	err = manager.AddRule(rule2)
	require.NoError(t, err)
	require.NotEmpty(t, rule2.ID)
	require.NotEqual(t, rule1.ID, rule2.ID)

	err = manager.AddRule(&model.AlertRule{Name: "bad", Type: model.AlertTypeStarvation})
	require.Error(t, err)
}

func TestAlertManager_UpdateAndDeleteRule(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	manager := NewAlertManager(logger, nil, nil, time.Second)

	rule := &model.AlertRule{
		Name:      "Starving",
		Type:      model.AlertTypeStarvation,
		Threshold: time.Minute,
		Severity:  model.AlertSeverityWarning,
	}
	require.NoError(t, manager.AddRule(rule))

	time.Sleep(time.Millisecond)
	rule.Threshold = 2 * time.Minute
	rule.Severity = model.AlertSeverityCritical
	require.NoError(t, manager.UpdateRule(rule))

	updated, err := manager.GetRule(rule.ID)
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, updated.Threshold)
	require.Equal(t, model.AlertSeverityCritical, updated.Severity)
	require.True(t, updated.UpdatedAt.After(updated.CreatedAt))

	require.NoError(t, manager.DeleteRule(rule.ID))
	_, err = manager.GetRule(rule.ID)
	require.Error(t, err)
	require.Error(t, manager.UpdateRule(rule))
}

func TestAlertManager_TaskFailure(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	out := &captureSink{}
	manager := NewAlertManager(logger, out, nil, time.Second)

	rule := &model.AlertRule{
		Name:     "Task Failure",
		Type:     model.AlertTypeTaskFailure,
		Severity: model.AlertSeverityError,
	}
	require.NoError(t, manager.AddRule(rule))

	retrying := model.NewEvent(model.EventTaskStatus)
	retrying.WorkflowID = "wf"
	retrying.TaskID = "test-task"
	retrying.From = string(model.TaskStatusRunning)
	retrying.To = string(model.TaskStatusFailed)
	retrying.Error = "test error"
	manager.Publish(retrying)
	assert.Empty(t, out.ofType(model.EventAlert), "retryable failures do not alert")

	terminal := retrying
	terminal.Data = map[string]interface{}{"terminal": true}
	manager.Publish(terminal)

	alerts := out.ofType(model.EventAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, rule.ID, alerts[0].Data["rule_id"])
	assert.Equal(t, string(model.AlertTypeTaskFailure), alerts[0].Data["type"])
	assert.Equal(t, string(model.AlertSeverityError), alerts[0].Data["severity"])
	assert.Equal(t, "test-task", alerts[0].TaskID)
	assert.Equal(t, "test error", alerts[0].Data["error"])
}

func TestAlertManager_WorkerUnreachable(t *testing.T) {
	out := &captureSink{}
	manager := NewAlertManager(zap.NewNop(), out, nil, time.Second)
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name:     "Worker lost",
		Type:     model.AlertTypeWorkerUnreachable,
		Severity: model.AlertSeverityCritical,
	}))
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name:     "Muted",
		Type:     model.AlertTypeWorkerUnreachable,
		Severity: model.AlertSeverityInfo,
		Silenced: true,
	}))

	e := model.NewEvent(model.EventWorkerHealth)
	e.WorkerID = "w1"
	e.From = string(model.HealthStatusDegraded)
	e.To = string(model.HealthStatusUnreachable)
	manager.Publish(e)

	alerts := out.ofType(model.EventAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "w1", alerts[0].WorkerID)
}

func TestAlertManager_StarvationAlertsOncePerTask(t *testing.T) {
	out := &captureSink{}
	manager := NewAlertManager(zap.NewNop(), out, nil, time.Second)
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name:      "Starving",
		Type:      model.AlertTypeStarvation,
		Threshold: 10 * time.Second,
		Severity:  model.AlertSeverityWarning,
	}))

	now := time.Now()
	waiting := []model.WaitingTask{
		{WorkflowID: "wf", TaskID: "a", Type: "gpu", Since: now.Add(-time.Minute)},
		{WorkflowID: "wf", TaskID: "b", Type: "gpu", Since: now.Add(-time.Second)},
	}

	manager.EvaluateStarvation(waiting, now)
	manager.EvaluateStarvation(waiting, now.Add(time.Second))

	alerts := out.ofType(model.EventAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a", alerts[0].TaskID)
	assert.Len(t, manager.ActiveAlerts(), 1)

	// b crosses the threshold, a gets placed.
	manager.EvaluateStarvation(waiting[1:], now.Add(15*time.Second))
	alerts = out.ofType(model.EventAlert)
	require.Len(t, alerts, 2)
	assert.Equal(t, "b", alerts[1].TaskID)

	active := manager.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].Data["task_id"])
}

func TestAlertManager_EvaluationLoop(t *testing.T) {
	out := &captureSink{}
	waiting := staticWaiting{tasks: []model.WaitingTask{
		{WorkflowID: "wf", TaskID: "a", Type: "gpu", Since: time.Now().Add(-time.Hour)},
	}}
	manager := NewAlertManager(zap.NewNop(), out, waiting, 20*time.Millisecond)
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name:      "Starving",
		Type:      model.AlertTypeStarvation,
		Threshold: time.Minute,
		Severity:  model.AlertSeverityWarning,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, manager.Start(ctx))
	defer manager.Stop()

	require.Eventually(t, func() bool {
		return len(out.ofType(model.EventAlert)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
