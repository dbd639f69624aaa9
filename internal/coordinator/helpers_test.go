package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flow-manager/internal/executor"
	"github.com/t77yq/flow-manager/internal/model"
	"github.com/t77yq/flow-manager/internal/monitor"
	"github.com/t77yq/flow-manager/internal/scheduler"
	"github.com/t77yq/flow-manager/internal/storage"
)

// fakeWorker is an in-memory worker. With a nil run func every attempt hangs
// until it is finished by the test or cancelled by the coordinator.
type fakeWorker struct {
	id       string
	caps     []string
	capacity int
	run      func(task *model.Task) model.TaskResult
	delay    time.Duration

	mu        sync.Mutex
	submitted []*model.Task
	cancelled []string
	handles   map[string]*fakeHandle
	current   int
	peak      int
}

var _ executor.Worker = (*fakeWorker)(nil)

func newFakeWorker(id string, capacity int, run func(task *model.Task) model.TaskResult, caps ...string) *fakeWorker {
	if len(caps) == 0 {
		caps = []string{"work"}
	}
	return &fakeWorker{
		id:       id,
		caps:     caps,
		capacity: capacity,
		run:      run,
		handles:  make(map[string]*fakeHandle),
	}
}

func (w *fakeWorker) ID() string { return w.id }
func (w *fakeWorker) Capabilities() []string { return w.caps }
func (w *fakeWorker) Capacity() int { return w.capacity }

func (w *fakeWorker) Submit(ctx context.Context, task *model.Task) (executor.Handle, error) {
	h := &fakeHandle{key: task.Key(), task: task, w: w, done: make(chan model.TaskResult, 1)}

	w.mu.Lock()
	w.submitted = append(w.submitted, task)
	w.handles[h.key] = h
	w.current++
	if w.current > w.peak {
		w.peak = w.current
	}
	w.mu.Unlock()

	if w.run != nil {
		go func() {
			if w.delay > 0 {
				time.Sleep(w.delay)
			}
			h.resolve(w.run(task))
		}()
	}
	return h, nil
}

// finish resolves the current attempt of a task
func (w *fakeWorker) finish(key string, result model.TaskResult) bool {
	w.mu.Lock()
	h, ok := w.handles[key]
	w.mu.Unlock()
	if !ok {
		return false
	}
	h.resolve(result)
	return true
}

func (w *fakeWorker) attempts(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, t := range w.submitted {
		if t.Key() == key {
			n++
		}
	}
	return n
}

func (w *fakeWorker) wasCancelled(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, k := range w.cancelled {
		if k == key {
			return true
		}
	}
	return false
}

func (w *fakeWorker) peakLoad() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peak
}

type fakeHandle struct {
	key  string
	task *model.Task
	w    *fakeWorker
	once sync.Once
	done chan model.TaskResult
}

func (h *fakeHandle) TaskKey() string { return h.key }
func (h *fakeHandle) Done() <-chan model.TaskResult { return h.done }

func (h *fakeHandle) Cancel() {
	h.w.mu.Lock()
	h.w.cancelled = append(h.w.cancelled, h.key)
	h.w.mu.Unlock()
	h.resolve(failed("cancelled"))
}

func (h *fakeHandle) resolve(r model.TaskResult) {
	h.once.Do(func() {
		h.w.mu.Lock()
		h.w.current--
		if cur, ok := h.w.handles[h.key]; ok && cur == h {
			delete(h.w.handles, h.key)
		}
		h.w.mu.Unlock()

		r.TaskID = h.task.ID
		r.WorkflowID = h.task.WorkflowID
		r.WorkerID = h.w.id
		if r.CompletedAt.IsZero() {
			r.CompletedAt = time.Now()
		}
		h.done <- r
	})
}

func succeeded(result string) model.TaskResult {
	return model.TaskResult{Status: model.TaskStatusSucceeded, Result: []byte(result)}
}

func failed(msg string) model.TaskResult {
	return model.TaskResult{Status: model.TaskStatusFailed, Error: msg}
}

func alwaysSucceed(task *model.Task) model.TaskResult { return succeeded("ok") }

// recordingSink keeps every published event
type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Publish(event model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) taskEvents(workflowID, taskID string) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.events {
		if e.Type == model.EventTaskStatus && e.WorkflowID == workflowID && e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) taskTransitions(workflowID, taskID string) []model.TaskStatus {
	var out []model.TaskStatus
	for _, e := range s.taskEvents(workflowID, taskID) {
		out = append(out, model.TaskStatus(e.To))
	}
	return out
}

// failingStore fails appends while fail is set
type failingStore struct {
	*storage.MemoryCheckpointStore
	fail atomic.Bool
}

func (s *failingStore) Append(ctx context.Context, workflowID string, seq int64, snapshot *model.WorkflowSnapshot) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.MemoryCheckpointStore.Append(ctx, workflowID, seq, snapshot)
}

// lossyStore stores a checkpoint and then reports an error, once per
// call to loseNext
type lossyStore struct {
	*storage.MemoryCheckpointStore
	lose atomic.Bool
}

func (s *lossyStore) loseNext() { s.lose.Store(true) }

func (s *lossyStore) Append(ctx context.Context, workflowID string, seq int64, snapshot *model.WorkflowSnapshot) error {
	if err := s.MemoryCheckpointStore.Append(ctx, workflowID, seq, snapshot); err != nil {
		return err
	}
	if s.lose.CompareAndSwap(true, false) {
		return context.DeadlineExceeded
	}
	return nil
}

type harness struct {
	c        *Coordinator
	registry *monitor.HealthMonitor
	sink     *recordingSink
}

func testConfig() Config {
	return Config{
		MaxInFlight:       100,
		PassInterval:      5 * time.Millisecond,
		CheckpointTimeout: time.Second,
		SubmitTimeout:     time.Second,
	}
}

func testRetryPolicy() *scheduler.RetryPolicy {
	return scheduler.NewRetryPolicy(scheduler.NewExponentialBackoff(10*time.Millisecond, time.Second, 0), 3)
}

func newHarness(t *testing.T, cfg Config, store storage.CheckpointStore, health monitor.HealthConfig) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sink := &recordingSink{}

	registry := monitor.NewHealthMonitor(health, sink, logger)
	c, err := NewCoordinator(cfg, store, registry, testRetryPolicy(), sink, logger)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	return &harness{c: c, registry: registry, sink: sink}
}

func spec(id string, deps ...string) model.TaskSpec {
	return model.TaskSpec{ID: id, Type: "work", Dependencies: deps}
}

func waitWorkflow(t *testing.T, c *Coordinator, id string, status model.WorkflowStatus) *model.WorkflowView {
	t.Helper()
	var view *model.WorkflowView
	require.Eventually(t, func() bool {
		v, err := c.GetStatus(id)
		if err != nil {
			return false
		}
		view = v
		return v.Status == status
	}, 5*time.Second, 5*time.Millisecond, "workflow %s never reached %s", id, status)
	return view
}

func waitTask(t *testing.T, c *Coordinator, workflowID, taskID string, status model.TaskStatus) *model.TaskView {
	t.Helper()
	var view *model.TaskView
	require.Eventually(t, func() bool {
		v, err := c.GetStatus(workflowID)
		if err != nil {
			return false
		}
		view = v.Task(taskID)
		return view != nil && view.Status == status
	}, 5*time.Second, 5*time.Millisecond, "task %s/%s never reached %s", workflowID, taskID, status)
	return view
}

// checkpointedStatuses lists the distinct consecutive statuses of a task
// across every checkpoint of its workflow
func checkpointedStatuses(t *testing.T, store *storage.MemoryCheckpointStore, workflowID, taskID string) []model.TaskStatus {
	t.Helper()
	history, err := store.History(workflowID)
	require.NoError(t, err)

	var out []model.TaskStatus
	for _, cp := range history {
		for _, task := range cp.Snapshot.Tasks {
			if task.ID != taskID {
				continue
			}
			if len(out) == 0 || out[len(out)-1] != task.Status {
				out = append(out, task.Status)
			}
		}
	}
	return out
}

// finishWhenSubmitted resolves the attempt once the worker has received it.
// The running state is committed before the task is handed over.
func finishWhenSubmitted(t *testing.T, w *fakeWorker, key string, result model.TaskResult) {
	t.Helper()
	require.Eventually(t, func() bool { return w.finish(key, result) }, 5*time.Second, 5*time.Millisecond,
		"task %s was never submitted to %s", key, w.id)
}
