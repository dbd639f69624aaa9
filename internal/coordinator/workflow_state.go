package coordinator

import (
	"time"

	"github.com/t77yq/flow-manager/internal/model"
	"github.com/t77yq/flow-manager/internal/scheduler"
)

// workflowState is the loop-owned mutable state of one workflow. Mutations
// accumulate events and effects that are released only once the resulting
// snapshot has been checkpointed.
type workflowState struct {
	wf    *model.Workflow
	graph *scheduler.DependencyGraph
	tasks map[string]*model.Task

	seq       int64
	committed *model.WorkflowSnapshot

	dirty   bool
	events  []model.Event
	effects []func()

	// completions received while the workflow was paused
	buffered []completion
}

func newWorkflowState(wf *model.Workflow, graph *scheduler.DependencyGraph, tasks map[string]*model.Task) *workflowState {
	return &workflowState{wf: wf, graph: graph, tasks: tasks}
}

// task returns the live task for an id
func (ws *workflowState) task(id string) *model.Task {
	return ws.tasks[id]
}

// ordered returns the live tasks in definition order
func (ws *workflowState) ordered() []*model.Task {
	out := make([]*model.Task, 0, len(ws.wf.TaskIDs))
	for _, id := range ws.wf.TaskIDs {
		if t, ok := ws.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// transition moves a task and records the lifecycle event for it
func (ws *workflowState) transition(t *model.Task, to model.TaskStatus, now time.Time, data map[string]interface{}) error {
	from := t.Status
	if err := applyTransition(t, to, now); err != nil {
		return err
	}
	ws.record(t, from, now, data)
	return nil
}

// record marks the workflow dirty and queues a task.status event for a move
// from the given state to the task's current state
func (ws *workflowState) record(t *model.Task, from model.TaskStatus, now time.Time, data map[string]interface{}) {
	ws.dirty = true

	event := model.NewEvent(model.EventTaskStatus)
	event.CreatedAt = now
	event.WorkflowID = t.WorkflowID
	event.TaskID = t.ID
	event.WorkerID = t.AssignedWorker
	event.From = string(from)
	event.To = string(t.Status)
	event.Attempt = t.AttemptCount
	event.Error = t.Error
	event.Data = data
	ws.events = append(ws.events, event)
}

// after queues an effect to run once the pending mutation is committed
func (ws *workflowState) after(fn func()) {
	ws.effects = append(ws.effects, fn)
}

// snapshot deep-copies the workflow and its tasks in definition order
func (ws *workflowState) snapshot() *model.WorkflowSnapshot {
	tasks := ws.ordered()
	snap := &model.WorkflowSnapshot{
		Workflow: cloneWorkflow(ws.wf),
		Tasks:    make([]*model.Task, 0, len(tasks)),
	}
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, t.Clone())
	}
	return snap
}

// rollback discards every uncommitted mutation
func (ws *workflowState) rollback() {
	if ws.committed != nil {
		ws.wf = cloneWorkflow(ws.committed.Workflow)
		ws.tasks = make(map[string]*model.Task, len(ws.committed.Tasks))
		for _, t := range ws.committed.Tasks {
			ws.tasks[t.ID] = t.Clone()
		}
	}
	ws.dirty = false
	ws.events = nil
	ws.effects = nil
}

func cloneWorkflow(wf *model.Workflow) *model.Workflow {
	c := *wf
	c.TaskIDs = append([]string(nil), wf.TaskIDs...)
	c.FinishedAt = cloneTimePtr(wf.FinishedAt)
	return &c
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// specsFromTasks rebuilds the definition edges of a restored workflow
func specsFromTasks(tasks []*model.Task) []model.TaskSpec {
	specs := make([]model.TaskSpec, 0, len(tasks))
	for _, t := range tasks {
		specs = append(specs, model.TaskSpec{
			ID:           t.ID,
			Type:         t.Type,
			Dependencies: t.Dependencies,
		})
	}
	return specs
}
