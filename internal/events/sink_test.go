package events

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flow-manager/internal/model"
	"github.com/t77yq/flow-manager/internal/storage"
	"github.com/t77yq/flow-manager/internal/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
	block  chan struct{}
}

func (r *recordingSink) Publish(event model.Event) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

type panicSink struct{}

func (panicSink) Publish(model.Event) { panic("boom") }

func taskEvent(wf, task string, attempt int, from, to model.TaskStatus) model.Event {
	e := model.NewEvent(model.EventTaskStatus)
	e.WorkflowID = wf
	e.TaskID = task
	e.Attempt = attempt
	e.From = string(from)
	e.To = string(to)
	return e
}

func TestAsyncSinkFlushesOnClose(t *testing.T) {
	inner := &recordingSink{}
	sink := NewAsyncSink(inner, 16, zaptest.NewLogger(t))

	for i := 0; i < 10; i++ {
		sink.Publish(model.NewEvent(model.EventMetrics))
	}
	sink.Close()

	assert.Len(t, inner.Events(), 10)
	assert.Zero(t, sink.Dropped())
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	inner := &recordingSink{block: make(chan struct{})}
	sink := NewAsyncSink(inner, 2, zaptest.NewLogger(t))

	// Publish never blocks even though the inner sink is stuck.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			sink.Publish(model.NewEvent(model.EventMetrics))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}

	assert.GreaterOrEqual(t, sink.Dropped(), int64(7))
	close(inner.block)
	sink.Close()
	assert.Equal(t, int64(10), sink.Dropped()+int64(len(inner.Events())))
}

func TestAsyncSinkSurvivesPanics(t *testing.T) {
	inner := &recordingSink{}
	sink := NewAsyncSink(MultiSink{panicSink{}}, 4, zaptest.NewLogger(t))
	sink.Publish(model.NewEvent(model.EventAlert))
	sink.Close()

	after := NewAsyncSink(inner, 4, zaptest.NewLogger(t))
	after.Publish(model.NewEvent(model.EventAlert))
	after.Close()
	assert.Len(t, inner.Events(), 1)
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := MultiSink{a, b, NopSink{}, NewLogSink(zaptest.NewLogger(t))}

	sink.Publish(taskEvent("wf", "t", 1, model.TaskStatusEligible, model.TaskStatusRunning))

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestHistorySinkRecordsAttempts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	history, err := storage.NewSQLiteTaskHistory(logger, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer history.Close()

	sink := NewHistorySink(history, logger)

	start := taskEvent("wf", "t", 1, model.TaskStatusEligible, model.TaskStatusRunning)
	start.WorkerID = "w1"
	start.Data = map[string]interface{}{"type": "shell_command"}
	sink.Publish(start)

	fail := taskEvent("wf", "t", 1, model.TaskStatusRunning, model.TaskStatusFailed)
	fail.Error = "exit status 2"
	fail.CreatedAt = start.CreatedAt.Add(250 * time.Millisecond)
	sink.Publish(fail)

	sink.Publish(taskEvent("wf", "t", 2, model.TaskStatusEligible, model.TaskStatusRunning))
	sink.Publish(taskEvent("wf", "t", 2, model.TaskStatusRunning, model.TaskStatusSucceeded))

	// Cancelling a never-dispatched task leaves no trace.
	sink.Publish(taskEvent("wf", "other", 0, model.TaskStatusPending, model.TaskStatusCancelled))

	ctx := context.Background()
	first, err := history.Get(ctx, storage.AttemptID("wf", "t", 1))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, first.Status)
	assert.Equal(t, "exit status 2", first.Error)
	assert.Equal(t, "w1", first.WorkerID)
	assert.Equal(t, 250*time.Millisecond, first.Duration)
	assert.JSONEq(t, `{"type":"shell_command"}`, string(first.Metadata))

	second, err := history.Get(ctx, storage.AttemptID("wf", "t", 2))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSucceeded, second.Status)

	count, err := history.Count(ctx, storage.HistoryFilter{WorkflowID: "wf"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestJetStreamSinkPublishesEvents(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	sink, err := NewJetStreamSink(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	received := make(chan model.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sink.Subscribe(ctx, model.EventTaskStatus, func(e model.Event) {
		received <- e
	}))

	e := taskEvent("wf", "t", 1, model.TaskStatusEligible, model.TaskStatusRunning)
	sink.Publish(e)
	// Same id is deduplicated by the stream.
	sink.Publish(e)
	sink.Publish(model.NewEvent(model.EventMetrics))

	select {
	case got := <-received:
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, "running", got.To)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case got := <-received:
		t.Fatalf("unexpected extra event %s", got.ID)
	case <-time.After(300 * time.Millisecond):
	}
}
