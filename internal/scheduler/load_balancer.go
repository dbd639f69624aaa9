package scheduler

import (
	"sort"
	"sync"

	"github.com/t77yq/flow-manager/internal/model"
)

// BalancingStrategy picks one worker among healthy candidates that match the task
type BalancingStrategy interface {
	SelectWorker(candidates []*model.WorkerInfo, task *model.Task) (*model.WorkerInfo, error)
}

// RoundRobinStrategy implements round-robin load balancing
type RoundRobinStrategy struct {
	current int
	mu      sync.Mutex
}

// SelectWorker selects a worker using round-robin strategy
func (s *RoundRobinStrategy) SelectWorker(candidates []*model.WorkerInfo, task *model.Task) (*model.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(candidates) == 0 {
		return nil, ErrNoAvailableWorker
	}

	sorted := sortedByID(candidates)
	worker := sorted[s.current%len(sorted)]
	s.current++

	return worker, nil
}

// LeastLoadStrategy prefers the worker with the lowest load score
// (current_load / capacity). Ties go to the worker with the lower id.
type LeastLoadStrategy struct{}

// SelectWorker selects the worker with the least load
func (s *LeastLoadStrategy) SelectWorker(candidates []*model.WorkerInfo, task *model.Task) (*model.WorkerInfo, error) {
	var selected *model.WorkerInfo
	minScore := 0.0

	for _, w := range candidates {
		score := w.LoadScore()
		if selected == nil || score < minScore || (score == minScore && w.ID < selected.ID) {
			selected = w
			minScore = score
		}
	}

	if selected == nil {
		return nil, ErrNoAvailableWorker
	}
	return selected, nil
}

func sortedByID(workers []*model.WorkerInfo) []*model.WorkerInfo {
	out := append([]*model.WorkerInfo(nil), workers...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
