package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
	"github.com/t77yq/flow-manager/internal/scheduler"
)

// lookup returns the loop-owned state of a workflow
func (c *Coordinator) lookup(workflowID string) (*workflowState, error) {
	ws, ok := c.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return ws, nil
}

// PauseWorkflow stops dispatching tasks of a workflow. Eligible and running
// tasks move to paused; running attempts keep going and their results are
// applied on resume.
func (c *Coordinator) PauseWorkflow(ctx context.Context, workflowID string) error {
	return c.do(ctx, func() error {
		ws, err := c.lookup(workflowID)
		if err != nil {
			return err
		}
		if ws.wf.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrWorkflowFinished, workflowID, ws.wf.Status)
		}
		if ws.wf.Paused {
			return nil
		}

		now := time.Now()
		ws.wf.Paused = true
		ws.dirty = true
		for _, t := range ws.ordered() {
			if t.Status != model.TaskStatusEligible && t.Status != model.TaskStatusRunning {
				continue
			}
			from := t.Status
			if err := ws.transition(t, model.TaskStatusPaused, now, nil); err != nil {
				ws.rollback()
				return err
			}
			t.PausedFrom = from
			if from == model.TaskStatusEligible {
				key := t.Key()
				ws.after(func() {
					c.queue.Remove(key)
					c.clearWaiting(key)
				})
			}
		}

		if err := c.commit(ctx, ws, now); err != nil {
			return err
		}
		c.logger.Info("Workflow paused", zap.String("workflow_id", workflowID))
		return nil
	})
}

// ResumeWorkflow returns paused tasks to where they were and applies any
// results that arrived while the workflow was paused
func (c *Coordinator) ResumeWorkflow(ctx context.Context, workflowID string) error {
	return c.do(ctx, func() error {
		ws, err := c.lookup(workflowID)
		if err != nil {
			return err
		}
		if ws.wf.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrWorkflowFinished, workflowID, ws.wf.Status)
		}
		if !ws.wf.Paused {
			return nil
		}

		now := time.Now()
		ws.wf.Paused = false
		ws.dirty = true
		for _, t := range ws.ordered() {
			if t.Status != model.TaskStatusPaused {
				continue
			}
			to := t.PausedFrom
			if to == "" {
				to = model.TaskStatusEligible
			}
			if err := ws.transition(t, to, now, nil); err != nil {
				ws.rollback()
				return err
			}
			t.PausedFrom = ""
			if to == model.TaskStatusEligible {
				task := t
				ws.after(func() { c.queue.Push(task) })
			}
		}
		c.promote(ws, now)

		if err := c.commit(ctx, ws, now); err != nil {
			return err
		}
		c.logger.Info("Workflow resumed", zap.String("workflow_id", workflowID))

		buffered := ws.buffered
		ws.buffered = nil
		for _, comp := range buffered {
			c.handleCompletion(comp)
		}
		return nil
	})
}

// CancelWorkflow cancels every non-terminal task of a workflow and signals
// running attempts to stop
func (c *Coordinator) CancelWorkflow(ctx context.Context, workflowID string) error {
	return c.do(ctx, func() error {
		ws, err := c.lookup(workflowID)
		if err != nil {
			return err
		}
		if ws.wf.Status == model.WorkflowStatusCancelled {
			return nil
		}
		if ws.wf.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrWorkflowFinished, workflowID, ws.wf.Status)
		}

		now := time.Now()
		ws.wf.Cancelled = true
		ws.wf.Paused = false
		ws.dirty = true
		for _, t := range ws.ordered() {
			if !t.IsTerminal() {
				c.cancelTask(ws, t, "workflow cancelled", now)
			}
		}

		if err := c.commit(ctx, ws, now); err != nil {
			return err
		}
		ws.buffered = nil
		c.logger.Info("Workflow cancelled", zap.String("workflow_id", workflowID))
		return nil
	})
}

// CancelTask cancels one task and every task that depends on it
func (c *Coordinator) CancelTask(ctx context.Context, workflowID, taskID string) error {
	return c.do(ctx, func() error {
		ws, err := c.lookup(workflowID)
		if err != nil {
			return err
		}
		t := ws.task(taskID)
		if t == nil {
			return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, model.TaskKey(workflowID, taskID))
		}
		if t.IsTerminal() {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.Key(), t.Status)
		}

		now := time.Now()
		c.cancelTask(ws, t, "cancelled by request", now)
		reason := fmt.Sprintf("upstream task %s cancelled", taskID)
		for _, id := range ws.graph.Descendants(taskID) {
			if d := ws.task(id); d != nil && !d.IsTerminal() {
				c.cancelTask(ws, d, reason, now)
			}
		}

		if err := c.commit(ctx, ws, now); err != nil {
			return err
		}
		c.logger.Info("Task cancelled", zap.String("task_key", model.TaskKey(workflowID, taskID)))
		return nil
	})
}
