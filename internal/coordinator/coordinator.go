package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/events"
	"github.com/t77yq/flow-manager/internal/executor"
	"github.com/t77yq/flow-manager/internal/model"
	"github.com/t77yq/flow-manager/internal/scheduler"
	"github.com/t77yq/flow-manager/internal/storage"
)

// Registry is the worker registry the coordinator places tasks against.
// monitor.HealthMonitor implements it.
type Registry interface {
	scheduler.WorkerView

	Register(id string, capabilities []string, capacity int) error
	Deregister(id string) error
	Heartbeat(id string, load int) error
	Release(id string)
	Get(id string) (*model.WorkerInfo, error)
	Counts() map[model.HealthStatus]int

	SetUnreachableHandler(fn func(workerID string))
	SetRemovedHandler(fn func(workerID string))
}

// Config controls the coordinator loop
type Config struct {
	// MaxInFlight bounds the number of running tasks across all workflows
	MaxInFlight int
	// PassInterval is how often retries, promotions and placement are re-evaluated
	PassInterval time.Duration
	// CheckpointTimeout bounds a single checkpoint append
	CheckpointTimeout time.Duration
	// SubmitTimeout bounds handing a task to a worker
	SubmitTimeout time.Duration
	// Strategy picks among matching workers. Defaults to least load.
	Strategy scheduler.BalancingStrategy
}

// DefaultConfig returns the defaults used for unset fields
func DefaultConfig() Config {
	return Config{
		MaxInFlight:       100,
		PassInterval:      100 * time.Millisecond,
		CheckpointTimeout: 10 * time.Second,
		SubmitTimeout:     10 * time.Second,
	}
}

// dispatch tracks one attempt handed to a worker
type dispatch struct {
	key        string
	workflowID string
	taskID     string
	workerID   string
	attempt    int
	handle     executor.Handle
	abandon    chan struct{}
	lost       bool
}

// completion is a worker result on its way into the loop
type completion struct {
	workflowID string
	taskID     string
	workerID   string
	attempt    int
	result     model.TaskResult
}

type request struct {
	fn   func() error
	done chan error
}

type workerEvent struct {
	id      string
	removed bool
}

type committedView struct {
	snapshot *model.WorkflowSnapshot
	seq      int64
}

// Coordinator owns every workflow. A single loop goroutine applies all
// transitions; each transition is checkpointed before it becomes visible
// through GetStatus or events.
type Coordinator struct {
	logger   *zap.Logger
	cfg      Config
	store    storage.CheckpointStore
	registry Registry
	retry    *scheduler.RetryPolicy
	sched    *scheduler.PriorityScheduler
	queue    *scheduler.TaskQueue
	sink     events.Sink

	// owned by the loop goroutine
	workflows map[string]*workflowState
	inFlight  map[string]*dispatch
	deferred  []completion

	workersMu sync.RWMutex
	workers   map[string]executor.Worker

	viewMu  sync.RWMutex
	views   map[string]*committedView
	waiting map[string]model.WaitingTask
	running int

	requests     chan request
	completions  chan completion
	workerEvents chan workerEvent

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewCoordinator creates a coordinator. The retry policy and sink are optional.
func NewCoordinator(cfg Config, store storage.CheckpointStore, registry Registry, retry *scheduler.RetryPolicy, sink events.Sink, logger *zap.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if registry == nil {
		return nil, errors.New("worker registry is required")
	}

	def := DefaultConfig()
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = def.PassInterval
	}
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = def.CheckpointTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if retry == nil {
		retry = scheduler.NewRetryPolicy(scheduler.NewExponentialBackoff(0, 0, 0), 0)
	}
	if sink == nil {
		sink = events.NopSink{}
	}

	logger = logger.Named("coordinator")
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		logger:       logger,
		cfg:          cfg,
		store:        store,
		registry:     registry,
		retry:        retry,
		sched:        scheduler.NewPriorityScheduler(registry, cfg.Strategy, cfg.MaxInFlight, logger),
		queue:        scheduler.NewTaskQueue(),
		sink:         sink,
		workflows:    make(map[string]*workflowState),
		inFlight:     make(map[string]*dispatch),
		workers:      make(map[string]executor.Worker),
		views:        make(map[string]*committedView),
		waiting:      make(map[string]model.WaitingTask),
		requests:     make(chan request),
		completions:  make(chan completion, 64),
		workerEvents: make(chan workerEvent, 64),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	registry.SetUnreachableHandler(func(id string) {
		c.notifyWorker(workerEvent{id: id})
	})
	registry.SetRemovedHandler(func(id string) {
		c.workersMu.Lock()
		delete(c.workers, id)
		c.workersMu.Unlock()
		c.notifyWorker(workerEvent{id: id, removed: true})
	})

	return c, nil
}

// Start runs the coordinator loop until ctx is done or Stop is called
func (c *Coordinator) Start(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() {
		started = true
		c.wg.Add(1)
		go c.run(ctx)
	})
	if !started {
		return errors.New("coordinator already started")
	}

	c.logger.Info("Coordinator started",
		zap.Int("max_in_flight", c.cfg.MaxInFlight),
		zap.Duration("pass_interval", c.cfg.PassInterval))
	return nil
}

// Stop stops the loop. Running attempts are left alone; a restarted
// coordinator treats them as failed when it recovers.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping coordinator")
		c.cancel()
		c.wg.Wait()
	})
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.PassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case req := <-c.requests:
			req.done <- req.fn()
		case comp := <-c.completions:
			c.handleCompletion(comp)
		case ev := <-c.workerEvents:
			c.handleWorkerEvent(ev)
		case now := <-ticker.C:
			c.tick(now)
		}
		c.schedule(time.Now())
	}
}

// do runs fn on the loop goroutine and returns its error
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	case <-c.ctx.Done():
		return ErrStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) notifyWorker(ev workerEvent) {
	select {
	case c.workerEvents <- ev:
	default:
		// The next pass finds the worker's attempts through the registry.
		c.logger.Warn("Worker event dropped", zap.String("worker_id", ev.id))
	}
}

// commit checkpoints the pending mutation of a workflow. On failure the
// workflow is rolled back to its last committed state and nothing of the
// mutation is released.
func (c *Coordinator) commit(ctx context.Context, ws *workflowState, now time.Time) error {
	c.refreshWorkflow(ws, now)
	if !ws.dirty {
		return nil
	}

	snap := ws.snapshot()
	seq := ws.seq + 1

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CheckpointTimeout)
	defer cancel()

	if err := c.store.Append(ctx, ws.wf.ID, seq, snap); err != nil {
		if !c.landed(ws.wf.ID, seq, snap) {
			c.logger.Error("Checkpoint failed, rolling back",
				zap.String("workflow_id", ws.wf.ID),
				zap.Int64("sequence", seq),
				zap.Error(err))
			ws.rollback()
			return fmt.Errorf("%w: workflow %s sequence %d: %w", ErrCheckpointFailed, ws.wf.ID, seq, err)
		}
		c.logger.Warn("Checkpoint stored despite append error",
			zap.String("workflow_id", ws.wf.ID),
			zap.Int64("sequence", seq),
			zap.Error(err))
	}

	ws.seq = seq
	ws.committed = snap
	ws.dirty = false
	effects, pending := ws.effects, ws.events
	ws.effects, ws.events = nil, nil

	for _, fn := range effects {
		fn()
	}

	c.viewMu.Lock()
	c.views[ws.wf.ID] = &committedView{snapshot: snap, seq: seq}
	c.viewMu.Unlock()

	for _, event := range pending {
		c.sink.Publish(event)
	}
	return nil
}

// landed reports whether a failed append was in fact stored. A store can
// persist a checkpoint and still report an error, for example when the
// acknowledgement times out. Without this check the next commit would
// reuse the sequence forever.
func (c *Coordinator) landed(workflowID string, seq int64, snap *model.WorkflowSnapshot) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CheckpointTimeout)
	defer cancel()

	cp, err := c.store.LoadLatest(ctx, workflowID)
	if err != nil {
		return false
	}
	return cp.Sequence == seq && storage.SameSnapshot(cp.Snapshot, snap)
}

// refreshWorkflow re-derives the workflow status and records a change
func (c *Coordinator) refreshWorkflow(ws *workflowState, now time.Time) {
	prev := ws.wf.Status
	status := deriveStatus(ws.wf, ws.tasks)
	if status != prev {
		ws.wf.Status = status
		ws.dirty = true
		if status.IsTerminal() {
			ws.wf.FinishedAt = timePtr(now)
		}

		event := model.NewEvent(model.EventWorkflowStatus)
		event.CreatedAt = now
		event.WorkflowID = ws.wf.ID
		event.From = string(prev)
		event.To = string(status)
		event.Error = ws.wf.Error
		ws.events = append(ws.events, event)

		c.logger.Info("Workflow status changed",
			zap.String("workflow_id", ws.wf.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(status)))
	}
	if ws.dirty {
		ws.wf.UpdatedAt = now
	}
}

// schedule runs one placement pass and dispatches what was placed
func (c *Coordinator) schedule(now time.Time) {
	if c.queue.Len() > 0 {
		pass := c.sched.Schedule(c.queue, len(c.inFlight))
		for _, a := range pass.Assignments {
			c.dispatch(a, now)
		}
		c.markWaiting(pass.Unplaced, now)
	}
}

// dispatch commits eligible -> running and only then hands the task to the worker
func (c *Coordinator) dispatch(a scheduler.Assignment, now time.Time) {
	ws, ok := c.workflows[a.Task.WorkflowID]
	var t *model.Task
	if ok {
		t = ws.task(a.Task.ID)
	}
	if t == nil || t.Status != model.TaskStatusEligible || ws.wf.Paused || ws.wf.Cancelled {
		// Stale queue entry: the task left eligible after it was queued.
		c.registry.Release(a.WorkerID)
		return
	}

	c.workersMu.RLock()
	worker, ok := c.workers[a.WorkerID]
	c.workersMu.RUnlock()
	if !ok {
		c.registry.Release(a.WorkerID)
		c.queue.Push(t)
		return
	}

	key := t.Key()
	t.AttemptCount++
	t.AssignedWorker = a.WorkerID
	t.Error = ""
	t.Result = nil
	if err := ws.transition(t, model.TaskStatusRunning, now, map[string]interface{}{"type": t.Type}); err != nil {
		c.logger.Error("Refusing dispatch", zap.String("task_key", key), zap.Error(err))
		ws.rollback()
		c.registry.Release(a.WorkerID)
		return
	}
	if err := c.commit(c.ctx, ws, now); err != nil {
		c.registry.Release(a.WorkerID)
		if t := ws.task(a.Task.ID); t != nil && t.Status == model.TaskStatusEligible {
			c.queue.Push(t)
		}
		return
	}
	c.clearWaiting(key)

	d := &dispatch{
		key:        key,
		workflowID: t.WorkflowID,
		taskID:     t.ID,
		workerID:   a.WorkerID,
		attempt:    t.AttemptCount,
		abandon:    make(chan struct{}),
	}
	c.inFlight[key] = d
	c.updateRunning()

	c.logger.Debug("Dispatching task",
		zap.String("task_key", key),
		zap.String("worker_id", a.WorkerID),
		zap.Int("attempt", d.attempt))

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SubmitTimeout)
	handle, err := worker.Submit(ctx, t.Clone())
	cancel()
	if err != nil {
		c.logger.Warn("Failed to submit task",
			zap.String("task_key", key),
			zap.String("worker_id", a.WorkerID),
			zap.Error(err))
		c.handleCompletion(completion{
			workflowID: d.workflowID,
			taskID:     d.taskID,
			workerID:   d.workerID,
			attempt:    d.attempt,
			result: model.TaskResult{
				TaskID:      d.taskID,
				WorkflowID:  d.workflowID,
				WorkerID:    d.workerID,
				Status:      model.TaskStatusFailed,
				Error:       fmt.Sprintf("submit to worker %s failed: %v", a.WorkerID, err),
				CompletedAt: time.Now(),
			},
		})
		return
	}

	d.handle = handle
	c.wg.Add(1)
	go c.forward(d, t.Timeout)
}

// forward waits for one attempt and feeds its result into the loop. An
// attempt that outlives its timeout is cancelled and reported as failed.
func (c *Coordinator) forward(d *dispatch, timeout time.Duration) {
	defer c.wg.Done()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var result model.TaskResult
	select {
	case result = <-d.handle.Done():
		// The handle is spent either way, so a result for another attempt
		// fails this one instead of leaving it running.
		if result.Attempt != 0 && result.Attempt != d.attempt {
			c.logger.Warn("Worker returned a result for another attempt",
				zap.String("task_key", d.key),
				zap.Int("attempt", d.attempt),
				zap.Int("result_attempt", result.Attempt))
			result = model.TaskResult{
				TaskID:      d.taskID,
				WorkflowID:  d.workflowID,
				WorkerID:    d.workerID,
				Attempt:     d.attempt,
				Status:      model.TaskStatusFailed,
				Error:       fmt.Sprintf("worker returned a result for attempt %d", result.Attempt),
				CompletedAt: time.Now(),
			}
		}
	case <-expired:
		d.handle.Cancel()
		result = model.TaskResult{
			TaskID:      d.taskID,
			WorkflowID:  d.workflowID,
			WorkerID:    d.workerID,
			Attempt:     d.attempt,
			Status:      model.TaskStatusFailed,
			Error:       fmt.Sprintf("task timed out after %s", timeout),
			CompletedAt: time.Now(),
		}
	case <-d.abandon:
		return
	case <-c.done:
		return
	}

	comp := completion{
		workflowID: d.workflowID,
		taskID:     d.taskID,
		workerID:   d.workerID,
		attempt:    d.attempt,
		result:     result,
	}
	select {
	case c.completions <- comp:
	case <-d.abandon:
	case <-c.done:
	}
}

// handleCompletion applies a worker result to the attempt it belongs to.
// Results for attempts that are no longer in flight are discarded.
func (c *Coordinator) handleCompletion(comp completion) {
	key := model.TaskKey(comp.workflowID, comp.taskID)
	d, ok := c.inFlight[key]
	if !ok || d.attempt != comp.attempt {
		c.logger.Debug("Discarding late completion",
			zap.String("task_key", key),
			zap.Int("attempt", comp.attempt))
		return
	}

	ws := c.workflows[comp.workflowID]
	t := ws.task(comp.taskID)
	switch t.Status {
	case model.TaskStatusPaused:
		ws.buffered = append(ws.buffered, comp)
		return
	case model.TaskStatusRunning:
	default:
		c.logger.Debug("Discarding completion for task that is not running",
			zap.String("task_key", key),
			zap.String("status", string(t.Status)))
		return
	}

	now := time.Now()
	t.Result = comp.result.Result
	if comp.result.Succeeded() {
		t.Error = ""
		if err := ws.transition(t, model.TaskStatusSucceeded, now, nil); err != nil {
			c.logger.Error("Failed to apply completion", zap.String("task_key", key), zap.Error(err))
			ws.rollback()
			return
		}
		c.logger.Info("Task succeeded",
			zap.String("task_key", key),
			zap.String("worker_id", comp.workerID),
			zap.Int("attempt", t.AttemptCount))
		c.promote(ws, now)
	} else {
		t.Error = comp.result.Error
		if t.Error == "" {
			t.Error = "task failed"
		}
		c.fail(ws, t, now)
	}
	t.AssignedWorker = ""
	ws.after(func() { c.drop(d, false) })

	if err := c.commit(c.ctx, ws, now); err != nil {
		c.deferred = append(c.deferred, comp)
	}
}

// fail moves a running task to failed and applies the retry policy
func (c *Coordinator) fail(ws *workflowState, t *model.Task, now time.Time) {
	decision := c.retry.Decide(t)
	if decision.Retry {
		retryAt := now.Add(decision.Delay)
		t.RetryAt = &retryAt
		if err := ws.transition(t, model.TaskStatusFailed, now, map[string]interface{}{
			"retry_at":     retryAt,
			"retry_delay":  decision.Delay,
			"next_attempt": decision.NextAttempt,
		}); err != nil {
			c.logger.Error("Failed to fail task", zap.String("task_key", t.Key()), zap.Error(err))
			return
		}
		c.logger.Info("Task failed, retry scheduled",
			zap.String("task_key", t.Key()),
			zap.Int("attempt", t.AttemptCount),
			zap.Duration("delay", decision.Delay),
			zap.String("error", t.Error))
		return
	}

	t.RetryAt = nil
	if err := ws.transition(t, model.TaskStatusFailed, now, map[string]interface{}{"terminal": true}); err != nil {
		c.logger.Error("Failed to fail task", zap.String("task_key", t.Key()), zap.Error(err))
		return
	}
	c.logger.Warn("Task failed permanently",
		zap.String("task_key", t.Key()),
		zap.Int("attempts", t.AttemptCount),
		zap.String("error", t.Error))
	c.applyFailurePolicy(ws, t, now)
}

// applyFailurePolicy reacts to a task that has exhausted its attempts
func (c *Coordinator) applyFailurePolicy(ws *workflowState, failed *model.Task, now time.Time) {
	if ws.wf.Error == "" {
		ws.wf.Error = fmt.Sprintf("task %s failed: %s", failed.ID, failed.Error)
	}

	switch ws.wf.FailurePolicy {
	case model.FailurePolicyBestEffort:
		reason := fmt.Sprintf("upstream task %s failed", failed.ID)
		for _, id := range ws.graph.Descendants(failed.ID) {
			if t := ws.task(id); t != nil && !t.IsTerminal() {
				c.cancelTask(ws, t, reason, now)
			}
		}
	default:
		reason := fmt.Sprintf("workflow failed: task %s failed", failed.ID)
		for _, t := range ws.ordered() {
			if !t.IsTerminal() {
				c.cancelTask(ws, t, reason, now)
			}
		}
	}
}

// cancelTask marks a non-terminal task cancelled. Once committed, a queued
// task leaves the queue and a running attempt is signalled and forgotten.
func (c *Coordinator) cancelTask(ws *workflowState, t *model.Task, reason string, now time.Time) {
	key := t.Key()
	queued := t.Status == model.TaskStatusEligible

	t.Error = reason
	if err := ws.transition(t, model.TaskStatusCancelled, now, nil); err != nil {
		c.logger.Error("Failed to cancel task", zap.String("task_key", key), zap.Error(err))
		return
	}
	t.RetryAt = nil
	t.PausedFrom = ""
	t.AssignedWorker = ""

	ws.after(func() {
		if queued {
			c.queue.Remove(key)
		}
		c.clearWaiting(key)
		if d, ok := c.inFlight[key]; ok {
			c.drop(d, true)
		}
	})
}

// promote moves pending tasks whose dependencies all succeeded to eligible
func (c *Coordinator) promote(ws *workflowState, now time.Time) {
	if ws.wf.Paused || ws.wf.Cancelled {
		return
	}
	for _, id := range ws.graph.Promotable(ws.tasks) {
		t := ws.task(id)
		if err := ws.transition(t, model.TaskStatusEligible, now, nil); err != nil {
			c.logger.Error("Failed to promote task", zap.String("task_key", t.Key()), zap.Error(err))
			continue
		}
		ws.after(func() { c.queue.Push(t) })
	}
}

// drop forgets an in-flight attempt and frees its worker slot
func (c *Coordinator) drop(d *dispatch, cancel bool) {
	if cur, ok := c.inFlight[d.key]; !ok || cur != d {
		return
	}
	delete(c.inFlight, d.key)
	c.updateRunning()
	c.registry.Release(d.workerID)
	close(d.abandon)
	if cancel && d.handle != nil {
		d.handle.Cancel()
	}
}

func (c *Coordinator) updateRunning() {
	c.viewMu.Lock()
	c.running = len(c.inFlight)
	c.viewMu.Unlock()
}

// tick retries deferred completions, fails attempts on lost workers and
// advances every active workflow
func (c *Coordinator) tick(now time.Time) {
	deferred := c.deferred
	c.deferred = nil
	for _, comp := range deferred {
		c.handleCompletion(comp)
	}

	c.reapLostDispatches()

	ids := make([]string, 0, len(c.workflows))
	for id := range c.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := c.advance(c.ctx, c.workflows[id], now); err != nil {
			c.logger.Warn("Failed to advance workflow", zap.String("workflow_id", id), zap.Error(err))
		}
	}
}

// advance returns failed tasks whose backoff elapsed to pending and promotes
// every task whose dependencies are satisfied
func (c *Coordinator) advance(ctx context.Context, ws *workflowState, now time.Time) error {
	if ws.wf.Status.IsTerminal() || ws.wf.Paused || ws.wf.Cancelled {
		return nil
	}

	for _, t := range ws.ordered() {
		if t.Status != model.TaskStatusFailed || t.RetryAt == nil || t.RetryAt.After(now) {
			continue
		}
		if err := ws.transition(t, model.TaskStatusPending, now, nil); err != nil {
			c.logger.Error("Failed to retry task", zap.String("task_key", t.Key()), zap.Error(err))
			continue
		}
		t.RetryAt = nil
	}
	c.promote(ws, now)

	return c.commit(ctx, ws, now)
}

func (c *Coordinator) reapLostDispatches() {
	for _, key := range c.inFlightKeys() {
		d, ok := c.inFlight[key]
		if !ok || d.lost {
			continue
		}
		info, err := c.registry.Get(d.workerID)
		switch {
		case err != nil:
			c.forceFail(d, fmt.Sprintf("worker %s is no longer registered", d.workerID))
		case info.HealthStatus == model.HealthStatusUnreachable:
			c.forceFail(d, fmt.Sprintf("worker %s is unreachable", d.workerID))
		}
	}
}

func (c *Coordinator) handleWorkerEvent(ev workerEvent) {
	reason := fmt.Sprintf("worker %s is unreachable", ev.id)
	if ev.removed {
		reason = fmt.Sprintf("worker %s was removed", ev.id)
	}
	for _, key := range c.inFlightKeys() {
		if d, ok := c.inFlight[key]; ok && d.workerID == ev.id && !d.lost {
			c.forceFail(d, reason)
		}
	}
}

// forceFail fails an attempt whose worker can no longer be trusted
func (c *Coordinator) forceFail(d *dispatch, reason string) {
	d.lost = true
	if d.handle != nil {
		d.handle.Cancel()
	}
	c.logger.Warn("Failing task on lost worker",
		zap.String("task_key", d.key),
		zap.String("worker_id", d.workerID),
		zap.String("reason", reason))

	c.handleCompletion(completion{
		workflowID: d.workflowID,
		taskID:     d.taskID,
		workerID:   d.workerID,
		attempt:    d.attempt,
		result: model.TaskResult{
			TaskID:      d.taskID,
			WorkflowID:  d.workflowID,
			WorkerID:    d.workerID,
			Status:      model.TaskStatusFailed,
			Error:       reason,
			CompletedAt: time.Now(),
		},
	})
}

func (c *Coordinator) inFlightKeys() []string {
	keys := make([]string, 0, len(c.inFlight))
	for key := range c.inFlight {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// markWaiting flags eligible tasks that found no healthy matching worker
func (c *Coordinator) markWaiting(unplaced []*model.Task, now time.Time) {
	if len(unplaced) == 0 {
		return
	}

	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	for _, queued := range unplaced {
		key := queued.Key()
		if _, ok := c.waiting[key]; ok {
			continue
		}
		since := now
		if ws, ok := c.workflows[queued.WorkflowID]; ok {
			if t := ws.task(queued.ID); t != nil && t.EligibleAt != nil {
				since = *t.EligibleAt
			}
		}
		c.waiting[key] = model.WaitingTask{
			WorkflowID: queued.WorkflowID,
			TaskID:     queued.ID,
			Type:       queued.Type,
			Since:      since,
		}
	}
}

func (c *Coordinator) clearWaiting(key string) {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	delete(c.waiting, key)
}
