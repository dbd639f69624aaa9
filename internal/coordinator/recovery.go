package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
	"github.com/t77yq/flow-manager/internal/scheduler"
	"github.com/t77yq/flow-manager/internal/storage"
)

const lostAttemptError = "attempt lost: coordinator restarted while task was running"

// restore rebuilds workflow state from a checkpoint. Attempts that were
// running when the checkpoint was taken are returned as lost: they are
// failed because their outcome is unknown. Eligible tasks go back to
// pending so that promotion re-queues them.
func restore(cp *model.Checkpoint) (*workflowState, []*model.Task, error) {
	if cp == nil || cp.Snapshot == nil || cp.Snapshot.Workflow == nil {
		return nil, nil, errors.New("checkpoint has no snapshot")
	}
	snap := cp.Snapshot

	graph, err := scheduler.BuildDependencyGraph(specsFromTasks(snap.Tasks))
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint of %s has an invalid graph: %w", cp.WorkflowID, err)
	}

	tasks := make(map[string]*model.Task, len(snap.Tasks))
	var lost []*model.Task
	for _, t := range snap.Tasks {
		t = t.Clone()
		tasks[t.ID] = t

		switch {
		case t.Status == model.TaskStatusRunning,
			t.Status == model.TaskStatusPaused && t.PausedFrom == model.TaskStatusRunning:
			t.Status = model.TaskStatusFailed
			t.PausedFrom = ""
			t.RetryAt = nil
			t.Error = lostAttemptError
			t.FinishedAt = timePtr(cp.CreatedAt)
			lost = append(lost, t)
		case t.Status == model.TaskStatusEligible:
			t.Status = model.TaskStatusPending
			t.EligibleAt = nil
		case t.Status == model.TaskStatusPaused && t.PausedFrom == model.TaskStatusEligible:
			t.PausedFrom = model.TaskStatusPending
			t.EligibleAt = nil
		}
	}

	ws := newWorkflowState(cloneWorkflow(snap.Workflow), graph, tasks)
	ws.seq = cp.Sequence
	ws.committed = snap
	return ws, lost, nil
}

// Recover loads the latest checkpoint of a workflow and resumes it. Lost
// attempts go through the retry policy like any other failure.
func (c *Coordinator) Recover(ctx context.Context, workflowID string) error {
	return c.do(ctx, func() error {
		if _, ok := c.workflows[workflowID]; ok {
			return fmt.Errorf("%w: %s", ErrWorkflowExists, workflowID)
		}

		cp, err := c.store.LoadLatest(ctx, workflowID)
		if err != nil {
			if errors.Is(err, storage.ErrCheckpointNotFound) {
				return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
			}
			return fmt.Errorf("failed to load checkpoint of %s: %w", workflowID, err)
		}

		ws, lost, err := restore(cp)
		if err != nil {
			return err
		}

		if ws.wf.Status.IsTerminal() {
			c.workflows[workflowID] = ws
			c.viewMu.Lock()
			c.views[workflowID] = &committedView{snapshot: cp.Snapshot, seq: cp.Sequence}
			c.viewMu.Unlock()
			return nil
		}

		now := time.Now()
		ws.dirty = true
		for _, t := range lost {
			decision := c.retry.Decide(t)
			data := map[string]interface{}{"recovered": true}
			if decision.Retry {
				retryAt := now.Add(decision.Delay)
				t.RetryAt = &retryAt
				data["retry_at"] = retryAt
				data["retry_delay"] = decision.Delay
				data["next_attempt"] = decision.NextAttempt
			} else {
				data["terminal"] = true
			}
			ws.record(t, model.TaskStatusRunning, now, data)
			t.AssignedWorker = ""
			if !decision.Retry {
				c.applyFailurePolicy(ws, t, now)
			}
		}
		c.promote(ws, now)

		if err := c.commit(ctx, ws, now); err != nil {
			return err
		}
		c.workflows[workflowID] = ws

		c.logger.Info("Workflow recovered",
			zap.String("workflow_id", workflowID),
			zap.Int64("sequence", ws.seq),
			zap.Int("lost_attempts", len(lost)))
		return nil
	})
}

// RecoverAll recovers every workflow in the checkpoint store that is not
// already tracked and returns how many were loaded
func (c *Coordinator) RecoverAll(ctx context.Context) (int, error) {
	ids, err := c.store.ListWorkflowIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list checkpointed workflows: %w", err)
	}

	var (
		recovered int
		errs      []error
	)
	for _, id := range ids {
		err := c.Recover(ctx, id)
		switch {
		case err == nil:
			recovered++
		case errors.Is(err, ErrWorkflowExists):
		default:
			c.logger.Error("Failed to recover workflow", zap.String("workflow_id", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return recovered, errors.Join(errs...)
}
