package scheduler

import (
	"context"

	"github.com/t77yq/flow-manager/internal/model"
)

// WorkerView is the scheduler's read-mostly window onto the worker registry.
// The registry owns health and load counters; Acquire is its serialized
// check-capacity-then-increment operation.
type WorkerView interface {
	// Workers returns a copy of every registered worker record
	Workers() []*model.WorkerInfo

	// Acquire reserves one slot on the worker or fails if it is full or unhealthy
	Acquire(workerID string) error
}

// Submitter accepts workflow definitions. It is implemented by the coordinator.
type Submitter interface {
	SubmitWorkflow(ctx context.Context, def *model.Definition) (string, error)
}
