package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoAvailableWorker is returned when no healthy worker with capacity matches a task
	ErrNoAvailableWorker = errors.New("no available worker")

	// ErrWorkerNotFound is returned when a worker is not found
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrWorkerAtCapacity is returned when a worker has no free slot
	ErrWorkerAtCapacity = errors.New("worker at capacity")

	// ErrCircularDependency is returned when a circular dependency is detected
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrUnknownDependency is returned when a task depends on a task outside its workflow
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDuplicateTask is returned when two tasks in a definition share an id
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrInvalidDefinition is returned for definitions that are malformed
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrMaxRetriesExceeded is returned when max attempts are exhausted
	ErrMaxRetriesExceeded = errors.New("maximum attempts exceeded")
)

// StructuralError describes why a workflow definition was rejected at submission.
type StructuralError struct {
	Err     error
	TaskIDs []string
}

func (e *StructuralError) Error() string {
	if len(e.TaskIDs) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, strings.Join(e.TaskIDs, " -> "))
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

func structural(err error, ids ...string) error {
	return &StructuralError{Err: err, TaskIDs: ids}
}
