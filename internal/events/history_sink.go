package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
	"github.com/t77yq/flow-manager/internal/storage"
)

const historyWriteTimeout = 5 * time.Second

// HistorySink turns task status events into per-attempt history records.
// It writes synchronously, so it should be wrapped in an AsyncSink.
type HistorySink struct {
	logger  *zap.Logger
	history storage.TaskHistoryStorage
}

// NewHistorySink creates a sink backed by the given history storage
func NewHistorySink(history storage.TaskHistoryStorage, logger *zap.Logger) *HistorySink {
	return &HistorySink{
		logger:  logger.Named("history-sink"),
		history: history,
	}
}

// Publish implements Sink
func (s *HistorySink) Publish(event model.Event) {
	if event.Type != model.EventTaskStatus || event.Attempt == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()

	switch model.TaskStatus(event.To) {
	case model.TaskStatusRunning:
		s.recordStart(ctx, event)
	case model.TaskStatusSucceeded, model.TaskStatusFailed, model.TaskStatusCancelled:
		s.recordFinish(ctx, event)
	}
}

func (s *HistorySink) recordStart(ctx context.Context, event model.Event) {
	// A paused task resuming to running keeps its original attempt record.
	if model.TaskStatus(event.From) == model.TaskStatusPaused {
		return
	}

	var metadata json.RawMessage
	if len(event.Data) > 0 {
		metadata, _ = json.Marshal(event.Data)
	}

	record := &storage.TaskHistory{
		ID:         storage.AttemptID(event.WorkflowID, event.TaskID, event.Attempt),
		WorkflowID: event.WorkflowID,
		TaskID:     event.TaskID,
		Attempt:    event.Attempt,
		WorkerID:   event.WorkerID,
		Status:     model.TaskStatusRunning,
		StartedAt:  event.CreatedAt,
		Metadata:   metadata,
	}
	if err := s.history.Store(ctx, record); err != nil {
		s.logger.Error("Failed to store task history",
			zap.String("id", record.ID),
			zap.Error(err))
	}
}

func (s *HistorySink) recordFinish(ctx context.Context, event model.Event) {
	id := storage.AttemptID(event.WorkflowID, event.TaskID, event.Attempt)
	record, err := s.history.Get(ctx, id)
	if err != nil {
		// Tasks cancelled before they were ever dispatched have no attempt.
		if !errors.Is(err, storage.ErrHistoryNotFound) {
			s.logger.Error("Failed to load task history", zap.String("id", id), zap.Error(err))
		}
		return
	}
	if record.Status != model.TaskStatusRunning {
		return
	}

	completedAt := event.CreatedAt
	record.Status = model.TaskStatus(event.To)
	record.Error = event.Error
	record.CompletedAt = &completedAt
	record.Duration = completedAt.Sub(record.StartedAt)

	if err := s.history.Update(ctx, record); err != nil {
		s.logger.Error("Failed to update task history",
			zap.String("id", id),
			zap.Error(err))
	}
}
