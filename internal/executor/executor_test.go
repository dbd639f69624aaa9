package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flow-manager/internal/model"
)

func newTestExecutor(t *testing.T, capacity int, logDir string) *Executor {
	t.Helper()
	exec, err := NewExecutor(ExecutorConfig{ID: "local", Capacity: capacity, LogDir: logDir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, exec.Start(context.Background()))
	t.Cleanup(exec.Stop)
	return exec
}

func testTask(id, typ string) *model.Task {
	return &model.Task{
		ID:           id,
		WorkflowID:   "wf",
		Type:         typ,
		Status:       model.TaskStatusRunning,
		AttemptCount: 1,
		CreatedAt:    time.Now(),
	}
}

func waitResult(t *testing.T, h Handle) model.TaskResult {
	t.Helper()
	select {
	case r := <-h.Done():
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("no result for %s", h.TaskKey())
		return model.TaskResult{}
	}
}

func TestExecutor_Config(t *testing.T) {
	_, err := NewExecutor(ExecutorConfig{Capacity: 1}, zaptest.NewLogger(t))
	require.Error(t, err)
	_, err = NewExecutor(ExecutorConfig{ID: "x"}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestExecutor_RunsHandlers(t *testing.T) {
	exec := newTestExecutor(t, 2, "")
	exec.RegisterHandler("echo", TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		return &model.TaskResult{Result: task.Payload}, nil
	}))
	exec.RegisterHandler("boom", TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		return nil, errors.New("exploded")
	}))
	exec.RegisterHandler("panic", TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		panic("bad handler")
	}))

	assert.Equal(t, []string{"boom", "echo", "panic"}, exec.Capabilities())
	assert.Equal(t, "local", exec.ID())
	assert.Equal(t, 2, exec.Capacity())

	task := testTask("a", "echo")
	task.Payload = []byte("hello")
	h, err := exec.Submit(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "wf/a", h.TaskKey())
	r := waitResult(t, h)
	assert.True(t, r.Succeeded())
	assert.Equal(t, "hello", string(r.Result))
	assert.Equal(t, "local", r.WorkerID)
	assert.Equal(t, "wf", r.WorkflowID)

	h, err = exec.Submit(context.Background(), testTask("b", "boom"))
	require.NoError(t, err)
	r = waitResult(t, h)
	assert.Equal(t, model.TaskStatusFailed, r.Status)
	assert.Equal(t, "exploded", r.Error)

	h, err = exec.Submit(context.Background(), testTask("c", "panic"))
	require.NoError(t, err)
	r = waitResult(t, h)
	assert.Equal(t, model.TaskStatusFailed, r.Status)
	assert.Contains(t, r.Error, "bad handler")

	_, err = exec.Submit(context.Background(), testTask("d", "unknown"))
	assert.ErrorIs(t, err, ErrNoHandler)

	require.Eventually(t, func() bool { return exec.Load() == 0 }, time.Second, 10*time.Millisecond)
}

func TestExecutor_CapacityAndCancel(t *testing.T) {
	exec := newTestExecutor(t, 1, "")
	started := make(chan struct{}, 1)
	exec.RegisterHandler("block", TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	h, err := exec.Submit(context.Background(), testTask("a", "block"))
	require.NoError(t, err)
	<-started

	_, err = exec.Submit(context.Background(), testTask("b", "block"))
	assert.ErrorIs(t, err, ErrAtCapacity)
	assert.Equal(t, 1, exec.Load())
	require.Len(t, exec.GetRunningTasks(), 1)

	h.Cancel()
	h.Cancel()
	r := waitResult(t, h)
	assert.Equal(t, model.TaskStatusFailed, r.Status)

	require.Eventually(t, func() bool { return exec.Load() == 0 }, time.Second, 10*time.Millisecond)
	_, err = exec.Submit(context.Background(), testTask("b", "block"))
	require.NoError(t, err)
}

func TestExecutor_RetryWhileEarlierAttemptLingers(t *testing.T) {
	exec := newTestExecutor(t, 2, "")
	stuck := make(chan struct{})
	defer close(stuck)
	exec.RegisterHandler("stubborn", TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		if task.AttemptCount == 1 {
			// Ignores cancellation until the test ends.
			<-stuck
			return nil, errors.New("first attempt finished late")
		}
		return &model.TaskResult{Result: []byte("second")}, nil
	}))

	first := testTask("a", "stubborn")
	h1, err := exec.Submit(context.Background(), first)
	require.NoError(t, err)
	h1.Cancel()

	second := testTask("a", "stubborn")
	second.AttemptCount = 2
	h2, err := exec.Submit(context.Background(), second)
	require.NoError(t, err)

	r := waitResult(t, h2)
	assert.True(t, r.Succeeded())
	assert.Equal(t, 2, r.Attempt)
	assert.Equal(t, "second", string(r.Result))

	// The same attempt cannot hold two slots.
	_, err = exec.Submit(context.Background(), first)
	assert.Error(t, err)
	assert.Equal(t, 1, exec.Load())
}

func TestExecutor_Timeout(t *testing.T) {
	exec := newTestExecutor(t, 1, "")
	exec.RegisterHandler("slow", TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &model.TaskResult{}, nil
		}
	}))

	task := testTask("a", "slow")
	task.Timeout = 50 * time.Millisecond
	h, err := exec.Submit(context.Background(), task)
	require.NoError(t, err)

	r := waitResult(t, h)
	assert.Equal(t, model.TaskStatusFailed, r.Status)
	assert.Equal(t, "task execution timed out", r.Error)
}

func TestExecutor_TaskLogs(t *testing.T) {
	exec := newTestExecutor(t, 1, t.TempDir())
	exec.RegisterHandler("echo", TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		return &model.TaskResult{Status: model.TaskStatusSucceeded, Result: []byte("ok")}, nil
	}))

	start := time.Now().Add(-time.Second)
	h, err := exec.Submit(context.Background(), testTask("a", "echo"))
	require.NoError(t, err)
	waitResult(t, h)

	logs, err := exec.GetTaskLogs("wf/a", start, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "task started", logs[0].Message)
	assert.Equal(t, "task finished", logs[1].Message)
	assert.Equal(t, "wf/a", logs[1].TaskKey)
	assert.Equal(t, 1, logs[1].Attempt)
}

func TestExecutor_Heartbeat(t *testing.T) {
	exec := newTestExecutor(t, 3, "")
	exec.RegisterHandler("echo", TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		return &model.TaskResult{}, nil
	}))

	hb := exec.Heartbeat()
	assert.Equal(t, "local", hb.WorkerID)
	assert.Equal(t, 3, hb.Capacity)
	assert.Equal(t, []string{"echo"}, hb.Capabilities)
	require.NotNil(t, hb.Stats)

	ctx, cancel := context.WithCancel(context.Background())
	beats := make(chan model.Heartbeat, 10)
	go exec.RunHeartbeats(ctx, 10*time.Millisecond, func(hb model.Heartbeat) error {
		beats <- hb
		return nil
	})
	defer cancel()

	select {
	case <-beats:
	case <-time.After(time.Second):
		t.Fatal("no heartbeat sent")
	}
}

func TestExecutor_RejectsAfterStop(t *testing.T) {
	exec, err := NewExecutor(ExecutorConfig{ID: "local", Capacity: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, exec.Start(context.Background()))
	exec.RegisterHandler("echo", TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		return &model.TaskResult{}, nil
	}))
	exec.Stop()

	_, err = exec.Submit(context.Background(), testTask("a", "echo"))
	assert.ErrorIs(t, err, ErrClosed)
}
