package coordinator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/executor"
	"github.com/t77yq/flow-manager/internal/model"
	"github.com/t77yq/flow-manager/internal/scheduler"
	"github.com/t77yq/flow-manager/internal/storage"
)

// Workflow ids end up in checkpoint keys and NATS subjects.
var workflowIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var _ scheduler.Submitter = (*Coordinator)(nil)

// SubmitWorkflow validates the definition, checkpoints the new workflow and
// promotes its root tasks. The id is returned once the workflow is durable.
func (c *Coordinator) SubmitWorkflow(ctx context.Context, def *model.Definition) (string, error) {
	now := time.Now()
	ws, err := c.buildWorkflow(def, now)
	if err != nil {
		return "", err
	}
	id := ws.wf.ID

	err = c.do(ctx, func() error {
		if _, ok := c.workflows[id]; ok {
			return fmt.Errorf("%w: %s", ErrWorkflowExists, id)
		}

		ws.dirty = true
		if err := c.commit(ctx, ws, now); err != nil {
			if errors.Is(err, storage.ErrSequenceConflict) {
				return fmt.Errorf("%w: %s", ErrWorkflowExists, id)
			}
			return err
		}
		c.workflows[id] = ws

		if err := c.advance(ctx, ws, now); err != nil {
			// Accepted and durable; the next pass promotes the roots.
			c.logger.Warn("Failed to promote root tasks", zap.String("workflow_id", id), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("Workflow submitted",
		zap.String("workflow_id", id),
		zap.String("name", ws.wf.Name),
		zap.Int("tasks", len(ws.wf.TaskIDs)))
	return id, nil
}

// buildWorkflow turns a definition into the initial state of a workflow
func (c *Coordinator) buildWorkflow(def *model.Definition, now time.Time) (*workflowState, error) {
	if def == nil {
		return nil, &scheduler.StructuralError{Err: fmt.Errorf("%w: empty definition", scheduler.ErrInvalidDefinition)}
	}

	graph, err := scheduler.BuildDependencyGraph(def.Tasks)
	if err != nil {
		return nil, err
	}

	id := def.ID
	if id == "" {
		id = uuid.New().String()
	}
	if !workflowIDPattern.MatchString(id) {
		return nil, &scheduler.StructuralError{Err: fmt.Errorf("%w: invalid workflow id %q", scheduler.ErrInvalidDefinition, id)}
	}

	policy := def.FailurePolicy
	switch policy {
	case "":
		policy = model.FailurePolicyFailFast
	case model.FailurePolicyFailFast, model.FailurePolicyBestEffort:
	default:
		return nil, &scheduler.StructuralError{Err: fmt.Errorf("%w: unknown failure policy %q", scheduler.ErrInvalidDefinition, policy)}
	}

	wf := &model.Workflow{
		ID:            id,
		Name:          def.Name,
		FailurePolicy: policy,
		TaskIDs:       graph.TaskIDs(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tasks := make(map[string]*model.Task, len(def.Tasks))
	for _, spec := range def.Tasks {
		if spec.Type == "" {
			return nil, &scheduler.StructuralError{
				Err:     fmt.Errorf("%w: task without type", scheduler.ErrInvalidDefinition),
				TaskIDs: []string{spec.ID},
			}
		}

		priority := spec.Priority
		if priority == 0 {
			priority = model.TaskPriorityNormal
		}
		maxAttempts := spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = def.MaxAttempts
		}
		if maxAttempts <= 0 {
			maxAttempts = c.retry.MaxAttempts(&model.Task{})
		}

		tasks[spec.ID] = &model.Task{
			ID:           spec.ID,
			WorkflowID:   id,
			Name:         spec.Name,
			Type:         spec.Type,
			Description:  spec.Description,
			Payload:      append([]byte(nil), spec.Payload...),
			Dependencies: graph.Dependencies(spec.ID),
			Priority:     priority,
			Status:       model.TaskStatusPending,
			Timeout:      spec.Timeout,
			MaxAttempts:  maxAttempts,
			CreatedAt:    now,
		}
	}

	return newWorkflowState(wf, graph, tasks), nil
}

// GetStatus returns the last committed state of a workflow
func (c *Coordinator) GetStatus(workflowID string) (*model.WorkflowView, error) {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()

	v, ok := c.views[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return c.buildView(v), nil
}

// ListWorkflows returns every tracked workflow, oldest first
func (c *Coordinator) ListWorkflows() []*model.WorkflowView {
	c.viewMu.RLock()
	views := make([]*model.WorkflowView, 0, len(c.views))
	for _, v := range c.views {
		views = append(views, c.buildView(v))
	}
	c.viewMu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.Before(views[j].CreatedAt)
		}
		return views[i].ID < views[j].ID
	})
	return views
}

// buildView copies a committed snapshot. The caller holds viewMu.
func (c *Coordinator) buildView(v *committedView) *model.WorkflowView {
	view := &model.WorkflowView{
		Workflow: *cloneWorkflow(v.snapshot.Workflow),
		Sequence: v.seq,
		Tasks:    make([]*model.TaskView, 0, len(v.snapshot.Tasks)),
	}
	for _, t := range v.snapshot.Tasks {
		tv := &model.TaskView{Task: t.Clone()}
		if t.Status == model.TaskStatusEligible {
			_, tv.Waiting = c.waiting[t.Key()]
		}
		view.Tasks = append(view.Tasks, tv)
	}
	return view
}

// WaitingTasks lists eligible tasks no healthy matching worker could take,
// longest waiting first
func (c *Coordinator) WaitingTasks() []model.WaitingTask {
	c.viewMu.RLock()
	out := make([]model.WaitingTask, 0, len(c.waiting))
	for _, w := range c.waiting {
		out = append(out, w)
	}
	c.viewMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return model.TaskKey(out[i].WorkflowID, out[i].TaskID) < model.TaskKey(out[j].WorkflowID, out[j].TaskID)
	})
	return out
}

// Stats summarizes committed workflow and task states
func (c *Coordinator) Stats() model.EngineStats {
	stats := model.EngineStats{
		Workflows: make(map[model.WorkflowStatus]int),
		Tasks:     make(map[model.TaskStatus]int),
		Queued:    c.queue.Len(),
		Workers:   c.registry.Counts(),
	}

	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	stats.InFlight = c.running
	for _, v := range c.views {
		stats.Workflows[v.snapshot.Workflow.Status]++
		for _, t := range v.snapshot.Tasks {
			stats.Tasks[t.Status]++
		}
	}
	return stats
}

// RegisterWorker adds a worker to the pool and the health registry
func (c *Coordinator) RegisterWorker(w executor.Worker) error {
	if w == nil || w.ID() == "" {
		return errors.New("worker id is required")
	}
	if err := c.registry.Register(w.ID(), w.Capabilities(), w.Capacity()); err != nil {
		return err
	}

	c.workersMu.Lock()
	c.workers[w.ID()] = w
	c.workersMu.Unlock()

	c.logger.Info("Worker registered",
		zap.String("worker_id", w.ID()),
		zap.Strings("capabilities", w.Capabilities()),
		zap.Int("capacity", w.Capacity()))
	return nil
}

// DeregisterWorker removes a worker. Its running attempts are failed.
func (c *Coordinator) DeregisterWorker(workerID string) error {
	c.workersMu.Lock()
	_, ok := c.workers[workerID]
	delete(c.workers, workerID)
	c.workersMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrWorkerNotFound, workerID)
	}

	if err := c.registry.Deregister(workerID); err != nil && !errors.Is(err, scheduler.ErrWorkerNotFound) {
		return err
	}
	c.notifyWorker(workerEvent{id: workerID, removed: true})
	return nil
}

// Heartbeat records liveness and reported load for a registered worker
func (c *Coordinator) Heartbeat(workerID string, load int) error {
	return c.registry.Heartbeat(workerID, load)
}

// HasWorker reports whether a worker is in the pool
func (c *Coordinator) HasWorker(workerID string) bool {
	c.workersMu.RLock()
	defer c.workersMu.RUnlock()
	_, ok := c.workers[workerID]
	return ok
}
