package scheduler

import (
	"container/heap"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

type queueItem struct {
	task  *model.Task
	seq   uint64
	index int
}

// taskHeap orders items by priority, then creation time, then insertion order
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TaskQueue is a priority queue of eligible tasks keyed by task key
type TaskQueue struct {
	mu    sync.Mutex
	heap  taskHeap
	items map[string]*queueItem
	seq   uint64
}

// NewTaskQueue creates an empty queue
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{items: make(map[string]*queueItem)}
}

// Len returns the length of the queue
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Push adds a task. Pushing a task that is already queued is a no-op.
func (q *TaskQueue) Push(task *model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[task.Key()]; ok {
		return
	}
	q.seq++
	item := &queueItem{task: task, seq: q.seq}
	q.items[task.Key()] = item
	heap.Push(&q.heap, item)
}

// Pop removes and returns the highest priority task, or nil when empty
func (q *TaskQueue) Pop() *model.Task {
	item := q.pop()
	if item == nil {
		return nil
	}
	return item.task
}

func (q *TaskQueue) pop() *queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.items, item.task.Key())
	return item
}

// requeue puts back an item popped in the current pass, keeping its place in line
func (q *TaskQueue) requeue(item *queueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[item.task.Key()] = item
	heap.Push(&q.heap, item)
}

// Remove drops a task from the queue and reports whether it was queued
func (q *TaskQueue) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[key]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.items, key)
	return true
}

// Assignment pairs a dequeued task with the worker that reserved a slot for it
type Assignment struct {
	Task     *model.Task
	WorkerID string
}

// PassResult is the outcome of one scheduling pass
type PassResult struct {
	Assignments []Assignment
	// Unplaced lists tasks that stayed queued because no healthy matching worker had capacity.
	Unplaced []*model.Task
}

// PriorityScheduler assigns queued tasks to workers, bounded by a global
// in-flight limit and by each worker's capacity.
type PriorityScheduler struct {
	logger      *zap.Logger
	workers     WorkerView
	strategy    BalancingStrategy
	maxInFlight int
}

// NewPriorityScheduler creates a new priority scheduler
func NewPriorityScheduler(workers WorkerView, strategy BalancingStrategy, maxInFlight int, logger *zap.Logger) *PriorityScheduler {
	if strategy == nil {
		strategy = &LeastLoadStrategy{}
	}
	return &PriorityScheduler{
		logger:      logger.Named("priority-scheduler"),
		workers:     workers,
		strategy:    strategy,
		maxInFlight: maxInFlight,
	}
}

// Schedule runs one pass over the queue. inFlight is the number of tasks
// currently running across all workflows. Tasks that cannot be placed stay
// queued in their original order.
func (s *PriorityScheduler) Schedule(queue *TaskQueue, inFlight int) PassResult {
	var result PassResult

	budget := s.maxInFlight - inFlight
	if budget <= 0 || queue.Len() == 0 {
		return result
	}

	workers := s.workers.Workers()
	var skipped []*queueItem

	for budget > 0 {
		item := queue.pop()
		if item == nil {
			break
		}

		worker, err := s.place(workers, item.task)
		if err != nil {
			skipped = append(skipped, item)
			result.Unplaced = append(result.Unplaced, item.task)
			continue
		}

		worker.CurrentLoad++
		budget--
		result.Assignments = append(result.Assignments, Assignment{
			Task:     item.task,
			WorkerID: worker.ID,
		})

		s.logger.Debug("Task assigned",
			zap.String("task", item.task.Key()),
			zap.String("worker_id", worker.ID),
			zap.Int("priority", int(item.task.Priority)))
	}

	for _, item := range skipped {
		queue.requeue(item)
	}

	return result
}

// place picks a worker for the task and reserves a slot on it
func (s *PriorityScheduler) place(workers []*model.WorkerInfo, task *model.Task) (*model.WorkerInfo, error) {
	candidates := make([]*model.WorkerInfo, 0, len(workers))
	for _, w := range workers {
		if w.Available() && w.HasCapability(task.Type) {
			candidates = append(candidates, w)
		}
	}

	for len(candidates) > 0 {
		selected, err := s.strategy.SelectWorker(candidates, task)
		if err != nil {
			return nil, err
		}
		err = s.workers.Acquire(selected.ID)
		if err == nil {
			return selected, nil
		}
		s.logger.Debug("Worker rejected reservation",
			zap.String("worker_id", selected.ID),
			zap.Error(err))
		candidates = without(candidates, selected.ID)
	}
	return nil, ErrNoAvailableWorker
}

func without(workers []*model.WorkerInfo, id string) []*model.WorkerInfo {
	out := workers[:0:0]
	for _, w := range workers {
		if w.ID != id {
			out = append(out, w)
		}
	}
	return out
}
