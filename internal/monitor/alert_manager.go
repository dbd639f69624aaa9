package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/events"
	"github.com/t77yq/flow-manager/internal/model"
)

// WaitingSource reports eligible tasks that have not been placed on a worker
type WaitingSource interface {
	WaitingTasks() []model.WaitingTask
}

// AlertManager manages alert rules and raises alerts. It consumes lifecycle
// events as a Sink and polls a WaitingSource for capacity starvation.
type AlertManager struct {
	logger   *zap.Logger
	out      events.Sink
	waiting  WaitingSource
	interval time.Duration
	rules    sync.Map
	alerts   sync.Map
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewAlertManager creates a new alert manager publishing alerts to out
func NewAlertManager(logger *zap.Logger, out events.Sink, waiting WaitingSource, interval time.Duration) *AlertManager {
	if out == nil {
		out = events.NopSink{}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		out:      out,
		waiting:  waiting,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the starvation evaluation loop
func (m *AlertManager) Start(ctx context.Context) error {
	if m.waiting != nil {
		m.wg.Add(1)
		go m.evaluationLoop(ctx)
	}

	m.logger.Info("Alert manager started")
	return nil
}

// Stop stops the alert manager
func (m *AlertManager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if rule.Type == model.AlertTypeStarvation && rule.Threshold <= 0 {
		return fmt.Errorf("starvation rule %q needs a positive threshold", rule.Name)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if _, ok := m.rules.Load(rule.ID); !ok {
		return fmt.Errorf("rule not found: %s", rule.ID)
	}
	rule.UpdatedAt = time.Now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	m.rules.Delete(id)
	return nil
}

// ActiveAlerts returns unresolved starvation alerts ordered by creation time
func (m *AlertManager) ActiveAlerts() []*model.Alert {
	var out []*model.Alert
	m.alerts.Range(func(key, value interface{}) bool {
		c := *value.(*model.Alert)
		out = append(out, &c)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Publish implements events.Sink. Terminal task failures and unreachable
// workers raise alerts for matching rules.
func (m *AlertManager) Publish(event model.Event) {
	switch event.Type {
	case model.EventTaskStatus:
		if model.TaskStatus(event.To) != model.TaskStatusFailed || event.Data["terminal"] != true {
			return
		}
		m.raise(model.AlertTypeTaskFailure, map[string]interface{}{
			"workflow_id": event.WorkflowID,
			"task_id":     event.TaskID,
			"attempt":     event.Attempt,
			"error":       event.Error,
		})
	case model.EventWorkerHealth:
		if model.HealthStatus(event.To) != model.HealthStatusUnreachable {
			return
		}
		m.raise(model.AlertTypeWorkerUnreachable, map[string]interface{}{
			"worker_id": event.WorkerID,
		})
	}
}

func (m *AlertManager) raise(typ model.AlertType, data map[string]interface{}) {
	m.rules.Range(func(key, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type == typ && !rule.Silenced {
			m.createAlert(rule, data)
		}
		return true
	})
}

// createAlert creates and publishes a new alert
func (m *AlertManager) createAlert(rule *model.AlertRule, data map[string]interface{}) *model.Alert {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   fmt.Sprintf("Alert triggered for rule: %s", rule.Name),
		Data:      data,
		CreatedAt: time.Now(),
	}

	event := model.NewEvent(model.EventAlert)
	event.ID = alert.ID
	if wf, ok := data["workflow_id"].(string); ok {
		event.WorkflowID = wf
	}
	if task, ok := data["task_id"].(string); ok {
		event.TaskID = task
	}
	if worker, ok := data["worker_id"].(string); ok {
		event.WorkerID = worker
	}
	event.Data = map[string]interface{}{
		"rule_id":  alert.RuleID,
		"type":     string(alert.Type),
		"severity": string(alert.Severity),
		"message":  alert.Message,
	}
	for k, v := range data {
		event.Data[k] = v
	}
	m.out.Publish(event)

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	return alert
}

// evaluationLoop periodically evaluates starvation rules
func (m *AlertManager) evaluationLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.EvaluateStarvation(m.waiting.WaitingTasks(), now)
		}
	}
}

func starvationKey(ruleID, taskKey string) string {
	return ruleID + "|" + taskKey
}

// EvaluateStarvation raises one alert per rule for each task that has been
// waiting longer than the rule's threshold. Alerts for tasks that are no
// longer waiting are resolved, so a task that starves again alerts again.
func (m *AlertManager) EvaluateStarvation(waiting []model.WaitingTask, now time.Time) {
	current := make(map[string]model.WaitingTask, len(waiting))
	for _, w := range waiting {
		current[model.TaskKey(w.WorkflowID, w.TaskID)] = w
	}

	m.alerts.Range(func(key, value interface{}) bool {
		alert := value.(*model.Alert)
		taskKey, _ := alert.Data["task_key"].(string)
		if _, still := current[taskKey]; !still {
			resolved := now
			alert.ResolvedAt = &resolved
			m.alerts.Delete(key)
		}
		return true
	})

	m.rules.Range(func(key, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type != model.AlertTypeStarvation || rule.Silenced {
			return true
		}

		for taskKey, w := range current {
			waited := now.Sub(w.Since)
			if waited < rule.Threshold {
				continue
			}
			ak := starvationKey(rule.ID, taskKey)
			if _, alerted := m.alerts.Load(ak); alerted {
				continue
			}
			alert := m.createAlert(rule, map[string]interface{}{
				"workflow_id": w.WorkflowID,
				"task_id":     w.TaskID,
				"task_key":    taskKey,
				"task_type":   w.Type,
				"waited":      waited.String(),
			})
			m.alerts.Store(ak, alert)
		}
		return true
	})
}
