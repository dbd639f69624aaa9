package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/flow-manager/internal/model"
)

var (
	// ErrCheckpointNotFound is returned when a workflow has no checkpoint
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrSequenceConflict is returned when a (workflow, sequence) pair is appended twice
	ErrSequenceConflict = errors.New("checkpoint sequence already exists")
)

// CheckpointStore persists append-only workflow snapshots. Append must not
// return until the snapshot is durable.
type CheckpointStore interface {
	// Append stores the snapshot under (workflowID, seq)
	Append(ctx context.Context, workflowID string, seq int64, snapshot *model.WorkflowSnapshot) error

	// LoadLatest returns the checkpoint with the highest sequence for the workflow
	LoadLatest(ctx context.Context, workflowID string) (*model.Checkpoint, error)

	// ListWorkflowIDs returns every workflow that has at least one checkpoint
	ListWorkflowIDs(ctx context.Context) ([]string, error)
}

func encodeSnapshot(snapshot *model.WorkflowSnapshot) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*model.WorkflowSnapshot, error) {
	var snapshot model.WorkflowSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// SameSnapshot reports whether two snapshots encode to the same checkpoint
func SameSnapshot(a, b *model.WorkflowSnapshot) bool {
	da, err := encodeSnapshot(a)
	if err != nil {
		return false
	}
	db, err := encodeSnapshot(b)
	if err != nil {
		return false
	}
	return bytes.Equal(da, db)
}

// MemoryCheckpointStore keeps encoded checkpoints in memory. Snapshots go
// through the same JSON encoding as the durable stores so that tests observe
// exactly what a restart would.
type MemoryCheckpointStore struct {
	mu      sync.RWMutex
	records map[string][]memoryRecord
}

type memoryRecord struct {
	seq       int64
	data      []byte
	createdAt time.Time
}

// NewMemoryCheckpointStore creates an empty in-memory store
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{records: make(map[string][]memoryRecord)}
}

// Append implements CheckpointStore
func (s *MemoryCheckpointStore) Append(ctx context.Context, workflowID string, seq int64, snapshot *model.WorkflowSnapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records[workflowID] {
		if r.seq == seq {
			return fmt.Errorf("%w: %s/%d", ErrSequenceConflict, workflowID, seq)
		}
	}
	s.records[workflowID] = append(s.records[workflowID], memoryRecord{
		seq:       seq,
		data:      data,
		createdAt: time.Now(),
	})
	return nil
}

// LoadLatest implements CheckpointStore
func (s *MemoryCheckpointStore) LoadLatest(ctx context.Context, workflowID string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[workflowID]
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, workflowID)
	}

	latest := records[0]
	for _, r := range records[1:] {
		if r.seq > latest.seq {
			latest = r
		}
	}

	snapshot, err := decodeSnapshot(latest.data)
	if err != nil {
		return nil, err
	}
	return &model.Checkpoint{
		WorkflowID: workflowID,
		Sequence:   latest.seq,
		Snapshot:   snapshot,
		CreatedAt:  latest.createdAt,
	}, nil
}

// ListWorkflowIDs implements CheckpointStore
func (s *MemoryCheckpointStore) ListWorkflowIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Sequences returns the stored sequence numbers for a workflow in append order
func (s *MemoryCheckpointStore) Sequences(workflowID string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int64, 0, len(s.records[workflowID]))
	for _, r := range s.records[workflowID] {
		out = append(out, r.seq)
	}
	return out
}

// History decodes every checkpoint of a workflow in sequence order
func (s *MemoryCheckpointStore) History(workflowID string) ([]*model.Checkpoint, error) {
	s.mu.RLock()
	records := append([]memoryRecord(nil), s.records[workflowID]...)
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })

	out := make([]*model.Checkpoint, 0, len(records))
	for _, r := range records {
		snapshot, err := decodeSnapshot(r.data)
		if err != nil {
			return nil, err
		}
		out = append(out, &model.Checkpoint{
			WorkflowID: workflowID,
			Sequence:   r.seq,
			Snapshot:   snapshot,
			CreatedAt:  r.createdAt,
		})
	}
	return out, nil
}
