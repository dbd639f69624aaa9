package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/t77yq/flow-manager/internal/model"
)

var (
	// ErrNoHandler is returned when a worker has no handler for a task type
	ErrNoHandler = errors.New("no handler for task type")

	// ErrAtCapacity is returned when a worker has no free execution slot
	ErrAtCapacity = errors.New("executor at capacity")

	// ErrClosed is returned by workers that have been stopped
	ErrClosed = errors.New("worker closed")
)

// Worker executes tasks on behalf of the coordinator. Implementations must
// not block in Submit beyond handing the task over.
type Worker interface {
	ID() string
	Capabilities() []string
	Capacity() int
	Submit(ctx context.Context, task *model.Task) (Handle, error)
}

// Handle tracks one dispatched task
type Handle interface {
	// TaskKey identifies the task as workflowID/taskID
	TaskKey() string
	// Done delivers exactly one result
	Done() <-chan model.TaskResult
	// Cancel asks the worker to stop; it is best effort and idempotent
	Cancel()
}

// TaskHandler defines the interface for task handlers
type TaskHandler interface {
	Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error)
}

// TaskHandlerFunc adapts a function to TaskHandler
type TaskHandlerFunc func(ctx context.Context, task *model.Task) (*model.TaskResult, error)

// Execute implements TaskHandler
func (f TaskHandlerFunc) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	return f(ctx, task)
}

// taskHandle is the Handle shared by the local and remote workers
type taskHandle struct {
	key    string
	done   chan model.TaskResult
	once   sync.Once
	cancel func()

	resolveOnce sync.Once
}

func newTaskHandle(key string, cancel func()) *taskHandle {
	return &taskHandle{
		key:    key,
		done:   make(chan model.TaskResult, 1),
		cancel: cancel,
	}
}

func (h *taskHandle) TaskKey() string { return h.key }

func (h *taskHandle) Done() <-chan model.TaskResult { return h.done }

func (h *taskHandle) Cancel() {
	h.once.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
	})
}

// resolve delivers the result; later calls are ignored
func (h *taskHandle) resolve(result model.TaskResult) {
	h.resolveOnce.Do(func() {
		h.done <- result
	})
}
