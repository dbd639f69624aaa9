package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

const (
	checkpointStreamName    = "CHECKPOINTS"
	checkpointSubjectPrefix = "checkpoint."
	checkpointSeqHeader     = "Flow-Checkpoint-Seq"
)

// JetStreamCheckpointStore implements CheckpointStore on a JetStream stream.
// Each workflow gets its own subject; the latest checkpoint is the last
// message on that subject.
type JetStreamCheckpointStore struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewJetStreamCheckpointStore creates the checkpoint stream if needed
func NewJetStreamCheckpointStore(js nats.JetStreamContext, logger *zap.Logger) (*JetStreamCheckpointStore, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       checkpointStreamName,
		Subjects:   []string{checkpointSubjectPrefix + ">"},
		Storage:    nats.FileStorage,
		MaxMsgs:    -1,
		Duplicates: 10 * time.Minute,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("failed to create checkpoint stream: %w", err)
	}

	return &JetStreamCheckpointStore{
		logger: logger.Named("checkpoint-store"),
		js:     js,
	}, nil
}

func checkpointSubject(workflowID string) string {
	return checkpointSubjectPrefix + workflowID
}

// Append implements CheckpointStore. The publish acknowledgement is the
// durability point.
func (s *JetStreamCheckpointStore) Append(ctx context.Context, workflowID string, seq int64, snapshot *model.WorkflowSnapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(checkpointSubject(workflowID))
	msg.Data = data
	msg.Header.Set(checkpointSeqHeader, strconv.FormatInt(seq, 10))

	ack, err := s.js.PublishMsg(msg, nats.MsgId(fmt.Sprintf("%s-%d", workflowID, seq)), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	if ack.Duplicate {
		return fmt.Errorf("%w: %s/%d", ErrSequenceConflict, workflowID, seq)
	}
	return nil
}

// LoadLatest implements CheckpointStore
func (s *JetStreamCheckpointStore) LoadLatest(ctx context.Context, workflowID string) (*model.Checkpoint, error) {
	raw, err := s.js.GetLastMsg(checkpointStreamName, checkpointSubject(workflowID), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrMsgNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	seq, err := strconv.ParseInt(raw.Header.Get(checkpointSeqHeader), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint sequence header: %w", err)
	}

	snapshot, err := decodeSnapshot(raw.Data)
	if err != nil {
		return nil, err
	}
	return &model.Checkpoint{
		WorkflowID: workflowID,
		Sequence:   seq,
		Snapshot:   snapshot,
		CreatedAt:  raw.Time,
	}, nil
}

// ListWorkflowIDs implements CheckpointStore
func (s *JetStreamCheckpointStore) ListWorkflowIDs(ctx context.Context) ([]string, error) {
	info, err := s.js.StreamInfo(checkpointStreamName,
		&nats.StreamInfoRequest{SubjectsFilter: checkpointSubjectPrefix + ">"},
		nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	ids := make([]string, 0, len(info.State.Subjects))
	for subject := range info.State.Subjects {
		ids = append(ids, strings.TrimPrefix(subject, checkpointSubjectPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}
