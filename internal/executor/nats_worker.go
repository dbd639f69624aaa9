package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

const (
	taskStreamName         = "TASKS"
	taskSubmitPrefix       = "task.submit."
	taskResultPrefix       = "task.result."
	taskCancelPrefix       = "task.cancel."
	heartbeatSubjectPrefix = "worker.heartbeat."
)

// ensureTaskStream creates the stream carrying task submissions and results
func ensureTaskStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       taskStreamName,
		Subjects:   []string{taskSubmitPrefix + "*", taskResultPrefix + "*"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		MaxMsgs:    -1,
		MaxBytes:   -1,
		Discard:    nats.DiscardOld,
		MaxMsgSize: 1 * 1024 * 1024, // 1MB
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream %s: %w", taskStreamName, err)
	}
	return nil
}

// RemoteWorker is the coordinator-side proxy of a worker process reached over NATS
type RemoteWorker struct {
	logger       *zap.Logger
	id           string
	capabilities []string
	capacity     int
	nc           *nats.Conn
	js           nats.JetStreamContext
	pending      sync.Map
	sub          *nats.Subscription
}

var _ Worker = (*RemoteWorker)(nil)

// NewRemoteWorker subscribes to the worker's result subject
func NewRemoteWorker(nc *nats.Conn, hb model.Heartbeat, logger *zap.Logger) (*RemoteWorker, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	if err := ensureTaskStream(js); err != nil {
		return nil, err
	}

	w := &RemoteWorker{
		logger:       logger.Named("remote-worker").With(zap.String("worker_id", hb.WorkerID)),
		id:           hb.WorkerID,
		capabilities: append([]string(nil), hb.Capabilities...),
		capacity:     hb.Capacity,
		nc:           nc,
		js:           js,
	}

	sub, err := js.Subscribe(taskResultPrefix+hb.WorkerID, w.handleResult,
		nats.Durable("results-"+hb.WorkerID),
		nats.ManualAck(),
		nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}
	w.sub = sub

	return w, nil
}

// ID implements Worker
func (w *RemoteWorker) ID() string { return w.id }

// Capabilities implements Worker
func (w *RemoteWorker) Capabilities() []string { return w.capabilities }

// Capacity implements Worker
func (w *RemoteWorker) Capacity() int { return w.capacity }

// Submit implements Worker. It returns once the stream has accepted the task.
func (w *RemoteWorker) Submit(ctx context.Context, task *model.Task) (Handle, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	// Pending handles are keyed per attempt: a late result of a cancelled
	// attempt must never resolve the handle of its retry.
	attemptKey := task.AttemptKey()
	h := newTaskHandle(task.Key(), func() {
		w.pending.Delete(attemptKey)
		if err := w.nc.Publish(taskCancelPrefix+w.id, []byte(attemptKey)); err != nil {
			w.logger.Warn("Failed to publish cancel", zap.String("attempt_key", attemptKey), zap.Error(err))
		}
	})
	w.pending.Store(attemptKey, h)

	if _, err := w.js.Publish(taskSubmitPrefix+w.id, data, nats.MsgId(attemptKey), nats.Context(ctx)); err != nil {
		w.pending.Delete(attemptKey)
		return nil, fmt.Errorf("failed to publish task: %w", err)
	}

	return h, nil
}

func (w *RemoteWorker) handleResult(msg *nats.Msg) {
	var result model.TaskResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		w.logger.Error("Failed to unmarshal task result", zap.Error(err))
		msg.Term()
		return
	}

	key := model.AttemptKey(model.TaskKey(result.WorkflowID, result.TaskID), result.Attempt)
	if v, ok := w.pending.LoadAndDelete(key); ok {
		v.(*taskHandle).resolve(result)
	} else {
		w.logger.Debug("Ignoring result for unknown attempt", zap.String("attempt_key", key))
	}

	if err := msg.Ack(); err != nil {
		w.logger.Error("Failed to acknowledge result", zap.Error(err))
	}
}

// Close stops receiving results
func (w *RemoteWorker) Close() error {
	if w.sub == nil {
		return nil
	}
	return w.sub.Unsubscribe()
}

// SubscribeHeartbeats delivers every worker heartbeat to fn
func SubscribeHeartbeats(nc *nats.Conn, logger *zap.Logger, fn func(model.Heartbeat)) (*nats.Subscription, error) {
	logger = logger.Named("heartbeats")
	sub, err := nc.Subscribe(heartbeatSubjectPrefix+"*", func(msg *nats.Msg) {
		var hb model.Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			logger.Error("Failed to unmarshal heartbeat", zap.Error(err))
			return
		}
		fn(hb)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	return sub, nil
}

// Server exposes a local Executor to a remote coordinator over NATS
type Server struct {
	logger   *zap.Logger
	nc       *nats.Conn
	js       nats.JetStreamContext
	exec     *Executor
	interval time.Duration
	handles  sync.Map
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewServer creates a worker-side NATS server for the executor
func NewServer(nc *nats.Conn, exec *Executor, heartbeatInterval time.Duration, logger *zap.Logger) (*Server, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}
	return &Server{
		logger:   logger.Named("worker-server").With(zap.String("worker_id", exec.ID())),
		nc:       nc,
		js:       js,
		exec:     exec,
		interval: heartbeatInterval,
	}, nil
}

// Start subscribes to task submissions and cancellations and starts heartbeats
func (s *Server) Start(ctx context.Context) error {
	if err := ensureTaskStream(s.js); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	id := s.exec.ID()
	submitSub, err := s.js.Subscribe(taskSubmitPrefix+id, s.handleSubmit,
		nats.Durable("submit-"+id),
		nats.ManualAck(),
		nats.AckWait(30*time.Second))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to tasks: %w", err)
	}

	// Cancellations carry the attempt key
	cancelSub, err := s.nc.Subscribe(taskCancelPrefix+id, func(msg *nats.Msg) {
		if v, ok := s.handles.Load(string(msg.Data)); ok {
			v.(Handle).Cancel()
		}
	})
	if err != nil {
		submitSub.Unsubscribe()
		cancel()
		return fmt.Errorf("failed to subscribe to cancellations: %w", err)
	}
	s.subs = append(s.subs, submitSub, cancelSub)

	// Announce immediately so the coordinator registers the worker without
	// waiting a full interval.
	if err := s.publishHeartbeat(s.exec.Heartbeat()); err != nil {
		s.logger.Warn("Failed to publish initial heartbeat", zap.Error(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.exec.RunHeartbeats(ctx, s.interval, s.publishHeartbeat)
	}()

	s.logger.Info("Worker server started")
	return nil
}

// Stop unsubscribes and waits for in-flight results to be published
func (s *Server) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Server) publishHeartbeat(hb model.Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	return s.nc.Publish(heartbeatSubjectPrefix+hb.WorkerID, data)
}

func (s *Server) handleSubmit(msg *nats.Msg) {
	var task model.Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		s.logger.Error("Failed to unmarshal task", zap.Error(err))
		msg.Term()
		return
	}

	h, err := s.exec.Submit(context.Background(), &task)
	if err != nil {
		s.logger.Error("Failed to execute task",
			zap.String("task_key", task.Key()),
			zap.Error(err))
		s.publishResult(model.TaskResult{
			TaskID:      task.ID,
			WorkflowID:  task.WorkflowID,
			WorkerID:    s.exec.ID(),
			Attempt:     task.AttemptCount,
			Status:      model.TaskStatusFailed,
			Error:       err.Error(),
			CompletedAt: time.Now(),
		})
		msg.Ack()
		return
	}

	attemptKey := task.AttemptKey()
	s.handles.Store(attemptKey, h)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result := <-h.Done()
		s.handles.Delete(attemptKey)
		s.publishResult(result)
	}()

	if err := msg.Ack(); err != nil {
		s.logger.Error("Failed to acknowledge message", zap.Error(err))
	}
}

func (s *Server) publishResult(result model.TaskResult) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("Failed to marshal result", zap.Error(err))
		return
	}
	if _, err := s.js.Publish(taskResultPrefix+s.exec.ID(), data); err != nil {
		s.logger.Error("Failed to publish task result",
			zap.String("task_key", model.TaskKey(result.WorkflowID, result.TaskID)),
			zap.Error(err))
	}
}
