package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

// Sink receives lifecycle events. Publish must never block the caller and
// never fail the orchestration path.
type Sink interface {
	Publish(event model.Event)
}

// NopSink discards every event
type NopSink struct{}

// Publish implements Sink
func (NopSink) Publish(model.Event) {}

// LogSink writes events to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every event at debug level
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

// Publish implements Sink
func (s *LogSink) Publish(event model.Event) {
	fields := []zap.Field{
		zap.String("type", string(event.Type)),
	}
	if event.WorkflowID != "" {
		fields = append(fields, zap.String("workflow_id", event.WorkflowID))
	}
	if event.TaskID != "" {
		fields = append(fields, zap.String("task_id", event.TaskID))
	}
	if event.WorkerID != "" {
		fields = append(fields, zap.String("worker_id", event.WorkerID))
	}
	if event.From != "" || event.To != "" {
		fields = append(fields, zap.String("from", event.From), zap.String("to", event.To))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	s.logger.Debug("Event", fields...)
}

// MultiSink fans an event out to several sinks
type MultiSink []Sink

// Publish implements Sink
func (m MultiSink) Publish(event model.Event) {
	for _, s := range m {
		s.Publish(event)
	}
}

// AsyncSink decouples publishers from a slow sink with a bounded buffer.
// Events published while the buffer is full are dropped.
type AsyncSink struct {
	logger  *zap.Logger
	inner   Sink
	ch      chan model.Event
	dropped atomic.Int64
	once    sync.Once
	done    chan struct{}
}

// NewAsyncSink starts a goroutine that forwards buffered events to inner
func NewAsyncSink(inner Sink, buffer int, logger *zap.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &AsyncSink{
		logger: logger.Named("async-sink"),
		inner:  inner,
		ch:     make(chan model.Event, buffer),
		done:   make(chan struct{}),
	}
	go s.forward()
	return s
}

// Publish implements Sink
func (s *AsyncSink) Publish(event model.Event) {
	select {
	case s.ch <- event:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("Event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.Int64("dropped_total", n))
	}
}

// Dropped returns how many events were discarded
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes buffered events and stops the forwarder
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
}

func (s *AsyncSink) forward() {
	defer close(s.done)
	for event := range s.ch {
		s.deliver(event)
	}
}

func (s *AsyncSink) deliver(event model.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event sink panicked",
				zap.String("type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	s.inner.Publish(event)
}
