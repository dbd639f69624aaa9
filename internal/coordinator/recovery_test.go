package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/flow-manager/internal/model"
	"github.com/t77yq/flow-manager/internal/monitor"
	"github.com/t77yq/flow-manager/internal/storage"
)

func sampleCheckpoint() *model.Checkpoint {
	now := time.Now()
	started := now.Add(-time.Minute)
	task := func(id string, status model.TaskStatus, deps ...string) *model.Task {
		return &model.Task{
			ID:           id,
			WorkflowID:   "restore",
			Type:         "work",
			Status:       status,
			Dependencies: deps,
			MaxAttempts:  3,
			CreatedAt:    started,
		}
	}

	a := task("A", model.TaskStatusSucceeded)
	b := task("B", model.TaskStatusRunning, "A")
	b.AttemptCount = 1
	b.AssignedWorker = "w1"
	b.StartedAt = &started
	c := task("C", model.TaskStatusEligible, "A")
	c.EligibleAt = &started
	d := task("D", model.TaskStatusPending, "B", "C")
	e := task("E", model.TaskStatusPaused)
	e.PausedFrom = model.TaskStatusEligible

	return &model.Checkpoint{
		WorkflowID: "restore",
		Sequence:   7,
		CreatedAt:  now,
		Snapshot: &model.WorkflowSnapshot{
			Workflow: &model.Workflow{
				ID:            "restore",
				FailurePolicy: model.FailurePolicyFailFast,
				Status:        model.WorkflowStatusRunning,
				TaskIDs:       []string{"A", "B", "C", "D", "E"},
				CreatedAt:     started,
				UpdatedAt:     now,
			},
			Tasks: []*model.Task{a, b, c, d, e},
		},
	}
}

func TestRestoreIsPureAndIdempotent(t *testing.T) {
	cp := sampleCheckpoint()

	first, lost, err := restore(cp)
	require.NoError(t, err)
	second, _, err := restore(cp)
	require.NoError(t, err)
	assert.Equal(t, first.snapshot(), second.snapshot())

	assert.Equal(t, int64(7), first.seq)
	require.Len(t, lost, 1)
	assert.Equal(t, "B", lost[0].ID)

	b := first.task("B")
	assert.Same(t, lost[0], b)
	assert.Equal(t, model.TaskStatusFailed, b.Status)
	assert.Equal(t, lostAttemptError, b.Error)
	assert.Equal(t, cp.CreatedAt, *b.FinishedAt)
	assert.Nil(t, b.RetryAt)

	assert.Equal(t, model.TaskStatusPending, first.task("C").Status)
	assert.Nil(t, first.task("C").EligibleAt)
	assert.Equal(t, model.TaskStatusPending, first.task("E").PausedFrom)
	assert.Equal(t, []string{"B", "C"}, first.graph.Dependencies("D"))

	// The checkpoint itself is untouched.
	assert.Equal(t, model.TaskStatusRunning, cp.Snapshot.Tasks[1].Status)
	assert.Equal(t, model.TaskStatusEligible, cp.Snapshot.Tasks[2].Status)
}

func TestRestoreRejectsEmptyCheckpoint(t *testing.T) {
	_, _, err := restore(nil)
	assert.Error(t, err)
	_, _, err = restore(&model.Checkpoint{WorkflowID: "x"})
	assert.Error(t, err)
}

func TestRecoverAfterCrash(t *testing.T) {
	store := storage.NewMemoryCheckpointStore()

	first := newHarness(t, testConfig(), store, monitor.DefaultHealthConfig())
	require.NoError(t, first.c.RegisterWorker(newFakeWorker("w1", 1, nil)))
	id, err := first.c.SubmitWorkflow(context.Background(), &model.Definition{
		ID:    "crash",
		Tasks: []model.TaskSpec{spec("A"), spec("B", "A")},
	})
	require.NoError(t, err)
	waitTask(t, first.c, id, "A", model.TaskStatusRunning)
	first.c.Stop()

	second := newHarness(t, testConfig(), store, monitor.DefaultHealthConfig())
	require.NoError(t, second.c.RegisterWorker(newFakeWorker("w2", 1, alwaysSucceed)))

	n, err := second.c.RecoverAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view := waitWorkflow(t, second.c, id, model.WorkflowStatusSucceeded)
	assert.Equal(t, 2, view.Task("A").AttemptCount)
	assert.Equal(t, 1, view.Task("B").AttemptCount)

	events := second.sink.taskEvents(id, "A")
	require.NotEmpty(t, events)
	assert.Equal(t, string(model.TaskStatusRunning), events[0].From)
	assert.Equal(t, string(model.TaskStatusFailed), events[0].To)
	assert.Equal(t, true, events[0].Data["recovered"])
	assert.Equal(t, lostAttemptError, events[0].Error)
	assert.Equal(t, "w1", events[0].WorkerID)

	seqs := store.Sequences(id)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}

	assert.ErrorIs(t, second.c.Recover(context.Background(), id), ErrWorkflowExists)
	assert.ErrorIs(t, second.c.Recover(context.Background(), "missing"), ErrWorkflowNotFound)
	n, err = second.c.RecoverAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverExhaustedAttemptFailsWorkflow(t *testing.T) {
	store := storage.NewMemoryCheckpointStore()
	cp := sampleCheckpoint()
	cp.Snapshot.Tasks[1].AttemptCount = 3
	for seq := int64(1); seq <= cp.Sequence; seq++ {
		require.NoError(t, store.Append(context.Background(), "restore", seq, cp.Snapshot))
	}

	h := newHarness(t, testConfig(), store, monitor.DefaultHealthConfig())
	require.NoError(t, h.c.Recover(context.Background(), "restore"))

	view, err := h.c.GetStatus("restore")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusFailed, view.Status)
	assert.Equal(t, cp.Sequence+1, view.Sequence)
	assert.Equal(t, model.TaskStatusFailed, view.Task("B").Status)
	for _, id := range []string{"C", "D", "E"} {
		assert.Equal(t, model.TaskStatusCancelled, view.Task(id).Status, id)
	}
	assert.Equal(t, model.TaskStatusSucceeded, view.Task("A").Status)
}

func TestRecoverFinishedWorkflowDoesNotWrite(t *testing.T) {
	store := storage.NewMemoryCheckpointStore()
	cp := sampleCheckpoint()
	for _, task := range cp.Snapshot.Tasks {
		task.Status = model.TaskStatusSucceeded
		task.PausedFrom = ""
	}
	cp.Snapshot.Workflow.Status = model.WorkflowStatusSucceeded
	require.NoError(t, store.Append(context.Background(), "restore", 1, cp.Snapshot))

	h := newHarness(t, testConfig(), store, monitor.DefaultHealthConfig())
	require.NoError(t, h.c.Recover(context.Background(), "restore"))

	view, err := h.c.GetStatus("restore")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusSucceeded, view.Status)
	assert.Equal(t, []int64{1}, store.Sequences("restore"))
}
