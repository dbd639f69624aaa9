package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

// ExecutorConfig defines configuration for the executor
type ExecutorConfig struct {
	ID         string
	Capacity   int
	LogDir     string
	MaxLogSize int64
	MaxLogAge  time.Duration
}

// Executor is an in-process Worker that runs tasks with registered handlers
type Executor struct {
	logger       *zap.Logger
	config       ExecutorConfig
	mu           sync.RWMutex
	handlers     map[string]TaskHandler
	runningTasks sync.Map
	resources    *ResourceManager
	logs         *LogManager
	wg           sync.WaitGroup
	closed       chan struct{}
}

var _ Worker = (*Executor)(nil)

type runningTask struct {
	task   *model.Task
	handle *taskHandle
}

// NewExecutor creates a new executor. Task logs are only kept when LogDir is set.
func NewExecutor(config ExecutorConfig, logger *zap.Logger) (*Executor, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("executor id is required")
	}
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("executor capacity must be positive, got %d", config.Capacity)
	}

	logger = logger.Named("executor").With(zap.String("worker_id", config.ID))

	executor := &Executor{
		logger:    logger,
		config:    config,
		handlers:  make(map[string]TaskHandler),
		resources: NewResourceManager(ResourceLimits{MaxTasks: config.Capacity}, logger),
		closed:    make(chan struct{}),
	}

	if config.LogDir != "" {
		logs, err := NewLogManager(LogConfig{
			LogDir:        config.LogDir,
			MaxFileSize:   config.MaxLogSize,
			MaxAge:        config.MaxLogAge,
			FlushInterval: 5 * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create log manager: %w", err)
		}
		executor.logs = logs
	}

	return executor, nil
}

// Start starts the resource and log managers
func (e *Executor) Start(ctx context.Context) error {
	if err := e.resources.Start(ctx); err != nil {
		return fmt.Errorf("failed to start resource manager: %w", err)
	}
	if e.logs != nil {
		if err := e.logs.Start(ctx); err != nil {
			return fmt.Errorf("failed to start log manager: %w", err)
		}
	}
	e.logger.Info("Executor started",
		zap.Strings("capabilities", e.Capabilities()),
		zap.Int("capacity", e.config.Capacity))
	return nil
}

// Stop cancels running tasks and waits for them to return
func (e *Executor) Stop() {
	e.logger.Info("Stopping executor")
	select {
	case <-e.closed:
		return
	default:
		close(e.closed)
	}

	e.runningTasks.Range(func(key, value interface{}) bool {
		value.(*runningTask).handle.Cancel()
		return true
	})
	e.wg.Wait()

	e.resources.Stop()
	if e.logs != nil {
		e.logs.Stop()
	}
}

// RegisterHandler registers the handler for a task type
func (e *Executor) RegisterHandler(taskType string, handler TaskHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = handler
}

// ID implements Worker
func (e *Executor) ID() string { return e.config.ID }

// Capacity implements Worker
func (e *Executor) Capacity() int { return e.config.Capacity }

// Capabilities implements Worker. It lists the registered task types.
func (e *Executor) Capabilities() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		caps = append(caps, t)
	}
	sort.Strings(caps)
	return caps
}

// Load returns the number of tasks currently executing
func (e *Executor) Load() int {
	return e.resources.Running()
}

// Stats returns the host statistics reported with heartbeats
func (e *Executor) Stats() *model.WorkerStats {
	return e.resources.GetStats()
}

// Submit implements Worker. The task runs on its own goroutine.
func (e *Executor) Submit(ctx context.Context, task *model.Task) (Handle, error) {
	select {
	case <-e.closed:
		return nil, ErrClosed
	default:
	}

	e.mu.RLock()
	handler, ok := e.handlers[task.Type]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, task.Type)
	}

	// Slots are per attempt so that a retry is not blocked by an earlier
	// attempt whose handler has not returned yet.
	slot := task.AttemptKey()
	if err := e.resources.Acquire(slot); err != nil {
		return nil, err
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), task.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	h := newTaskHandle(task.Key(), cancel)
	task = task.Clone()
	e.runningTasks.Store(slot, &runningTask{task: task, handle: h})

	e.wg.Add(1)
	go e.run(runCtx, cancel, task, handler, h)

	return h, nil
}

func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, task *model.Task, handler TaskHandler, h *taskHandle) {
	defer e.wg.Done()
	defer cancel()

	key := task.Key()
	start := time.Now()
	e.appendLog(key, task.AttemptCount, "info", "task started", map[string]interface{}{"type": task.Type})

	e.logger.Debug("Executing task",
		zap.String("task_key", key),
		zap.String("type", task.Type),
		zap.Int("attempt", task.AttemptCount))

	result := e.execute(ctx, handler, task)

	level := "info"
	if !result.Succeeded() {
		level = "error"
	}
	e.appendLog(key, task.AttemptCount, level, "task finished", map[string]interface{}{
		"status":      result.Status,
		"error":       result.Error,
		"duration":    time.Since(start).String(),
		"result_size": len(result.Result),
	})
	if e.logs != nil {
		e.logs.CloseTask(key)
	}

	slot := task.AttemptKey()
	e.runningTasks.Delete(slot)
	e.resources.Release(slot)
	h.resolve(result)
}

// execute runs the handler and normalizes whatever it returns into a result
func (e *Executor) execute(ctx context.Context, handler TaskHandler, task *model.Task) (result model.TaskResult) {
	result = model.TaskResult{
		TaskID:     task.ID,
		WorkflowID: task.WorkflowID,
		WorkerID:   e.config.ID,
		Attempt:    task.AttemptCount,
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Task handler panicked",
				zap.String("task_key", task.Key()),
				zap.Any("panic", r))
			result.Status = model.TaskStatusFailed
			result.Error = fmt.Sprintf("handler panic: %v", r)
		}
		result.CompletedAt = time.Now()
	}()

	out, err := handler.Execute(ctx, task)
	switch {
	case err != nil:
		result.Status = model.TaskStatusFailed
		result.Error = err.Error()
	case out == nil:
		result.Status = model.TaskStatusFailed
		result.Error = "handler returned no result"
	default:
		result.Status = out.Status
		result.Result = out.Result
		result.Error = out.Error
		if result.Status == "" {
			result.Status = model.TaskStatusSucceeded
		}
		if result.Status == model.TaskStatusSucceeded && result.Error != "" {
			result.Status = model.TaskStatusFailed
		}
	}

	if ctx.Err() == context.DeadlineExceeded && result.Status != model.TaskStatusSucceeded {
		result.Error = "task execution timed out"
	}
	return result
}

func (e *Executor) appendLog(key string, attempt int, level, message string, data map[string]interface{}) {
	if e.logs == nil {
		return
	}
	e.logs.AddLogEntry(key, LogEntry{
		Level:   level,
		Attempt: attempt,
		Message: message,
		Data:    data,
	})
}

// GetRunningTasks returns a list of currently running tasks
func (e *Executor) GetRunningTasks() []*model.Task {
	var tasks []*model.Task
	e.runningTasks.Range(func(key, value interface{}) bool {
		tasks = append(tasks, value.(*runningTask).task)
		return true
	})
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Key() < tasks[j].Key() })
	return tasks
}

// GetTaskLogs retrieves logs for a task
func (e *Executor) GetTaskLogs(taskKey string, start, end time.Time) ([]LogEntry, error) {
	if e.logs == nil {
		return nil, fmt.Errorf("task logs are disabled")
	}
	return e.logs.GetLogs(taskKey, start, end)
}

// Heartbeat builds the heartbeat this executor reports
func (e *Executor) Heartbeat() model.Heartbeat {
	return model.Heartbeat{
		WorkerID:     e.config.ID,
		Capabilities: e.Capabilities(),
		Capacity:     e.config.Capacity,
		Load:         e.Load(),
		Stats:        e.Stats(),
		Timestamp:    time.Now(),
	}
}

// RunHeartbeats calls send with a fresh heartbeat every interval until ctx is done
func (e *Executor) RunHeartbeats(ctx context.Context, interval time.Duration, send func(model.Heartbeat) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		case <-ticker.C:
			if err := send(e.Heartbeat()); err != nil {
				e.logger.Error("Failed to send heartbeat", zap.Error(err))
			}
		}
	}
}
