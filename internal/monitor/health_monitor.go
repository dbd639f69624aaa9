package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/events"
	"github.com/t77yq/flow-manager/internal/model"
	"github.com/t77yq/flow-manager/internal/scheduler"
)

// ErrInvalidWorker is returned when a worker registers without an id or capacity
var ErrInvalidWorker = errors.New("invalid worker registration")

// HealthConfig controls heartbeat bookkeeping
type HealthConfig struct {
	// HeartbeatInterval is how often workers are expected to report
	HeartbeatInterval time.Duration
	// DegradedAfterMissed is the number of consecutive missed heartbeats before degraded
	DegradedAfterMissed int
	// UnreachableTimeout is the silence after which a worker is unreachable
	UnreachableTimeout time.Duration
	// RemoveAfter deregisters workers that stay unreachable this long. Zero keeps them.
	RemoveAfter time.Duration
}

// DefaultHealthConfig returns the defaults used when no configuration is given
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		HeartbeatInterval:   5 * time.Second,
		DegradedAfterMissed: 3,
		UnreachableTimeout:  30 * time.Second,
		RemoveAfter:         10 * time.Minute,
	}
}

// HealthMonitor is the worker registry. It is the only writer of worker
// health and load counters and implements scheduler.WorkerView.
type HealthMonitor struct {
	logger *zap.Logger
	cfg    HealthConfig
	sink   events.Sink

	mu      sync.Mutex
	workers map[string]*model.WorkerInfo

	handlerMu     sync.RWMutex
	onUnreachable func(workerID string)
	onRemoved     func(workerID string)

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ scheduler.WorkerView = (*HealthMonitor)(nil)

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(cfg HealthConfig, sink events.Sink, logger *zap.Logger) *HealthMonitor {
	def := DefaultHealthConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.DegradedAfterMissed <= 0 {
		cfg.DegradedAfterMissed = def.DegradedAfterMissed
	}
	if cfg.UnreachableTimeout <= 0 {
		cfg.UnreachableTimeout = def.UnreachableTimeout
	}
	if sink == nil {
		sink = events.NopSink{}
	}

	return &HealthMonitor{
		logger:  logger.Named("health-monitor"),
		cfg:     cfg,
		sink:    sink,
		workers: make(map[string]*model.WorkerInfo),
		stop:    make(chan struct{}),
	}
}

// SetUnreachableHandler registers the callback invoked, outside the registry
// lock, when a worker becomes unreachable
func (m *HealthMonitor) SetUnreachableHandler(fn func(workerID string)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onUnreachable = fn
}

// SetRemovedHandler registers the callback invoked when an unreachable worker is dropped
func (m *HealthMonitor) SetRemovedHandler(fn func(workerID string)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onRemoved = fn
}

// Start starts the periodic health check
func (m *HealthMonitor) Start(ctx context.Context) error {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.HeartbeatInterval / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case now := <-ticker.C:
				m.Check(now)
			}
		}
	}()

	m.logger.Info("Health monitor started",
		zap.Duration("heartbeat_interval", m.cfg.HeartbeatInterval),
		zap.Int("degraded_after_missed", m.cfg.DegradedAfterMissed),
		zap.Duration("unreachable_timeout", m.cfg.UnreachableTimeout))
	return nil
}

// Stop stops the health check loop
func (m *HealthMonitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()
}

// Register adds a worker, or refreshes the capabilities and capacity of a
// known one. Registration counts as a heartbeat.
func (m *HealthMonitor) Register(id string, capabilities []string, capacity int) error {
	if id == "" || capacity <= 0 {
		return fmt.Errorf("%w: id=%q capacity=%d", ErrInvalidWorker, id, capacity)
	}

	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[id]
	var from model.HealthStatus
	if ok {
		from = w.HealthStatus
	} else {
		w = &model.WorkerInfo{ID: id, RegisteredAt: now}
		m.workers[id] = w
	}
	w.Capabilities = append([]string(nil), capabilities...)
	w.Capacity = capacity
	w.HealthStatus = model.HealthStatusHealthy
	w.LastHeartbeat = now
	w.MissedHeartbeats = 0
	w.UnreachableSince = nil
	m.mu.Unlock()

	m.logger.Info("Worker registered",
		zap.String("worker_id", id),
		zap.Strings("capabilities", capabilities),
		zap.Int("capacity", capacity))

	if from != model.HealthStatusHealthy {
		m.publish(id, from, model.HealthStatusHealthy)
	}
	return nil
}

// Deregister removes a worker from the registry
func (m *HealthMonitor) Deregister(id string) error {
	m.mu.Lock()
	_, ok := m.workers[id]
	delete(m.workers, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrWorkerNotFound, id)
	}
	m.logger.Info("Worker deregistered", zap.String("worker_id", id))
	return nil
}

// Heartbeat records that the worker is alive and reports its own view of its load
func (m *HealthMonitor) Heartbeat(id string, load int) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", scheduler.ErrWorkerNotFound, id)
	}
	from := w.HealthStatus
	w.LastHeartbeat = time.Now()
	w.MissedHeartbeats = 0
	w.ReportedLoad = load
	w.HealthStatus = model.HealthStatusHealthy
	w.UnreachableSince = nil
	m.mu.Unlock()

	if from != model.HealthStatusHealthy {
		m.logger.Info("Worker recovered",
			zap.String("worker_id", id),
			zap.String("from", string(from)))
		m.publish(id, from, model.HealthStatusHealthy)
	}
	return nil
}

// Acquire implements scheduler.WorkerView
func (m *HealthMonitor) Acquire(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrWorkerNotFound, id)
	}
	if w.HealthStatus != model.HealthStatusHealthy {
		return fmt.Errorf("%w: %s is %s", scheduler.ErrNoAvailableWorker, id, w.HealthStatus)
	}
	if w.CurrentLoad >= w.Capacity {
		return fmt.Errorf("%w: %s", scheduler.ErrWorkerAtCapacity, id)
	}
	w.CurrentLoad++
	return nil
}

// Release frees a slot taken by Acquire
func (m *HealthMonitor) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[id]; ok && w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
}

// Workers implements scheduler.WorkerView
func (m *HealthMonitor) Workers() []*model.WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*model.WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, copyWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one worker record
func (m *HealthMonitor) Get(id string) (*model.WorkerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrWorkerNotFound, id)
	}
	return copyWorker(w), nil
}

type healthChange struct {
	id       string
	from, to model.HealthStatus
}

// Check re-evaluates every worker against the heartbeat deadlines as of now
func (m *HealthMonitor) Check(now time.Time) {
	var (
		changes     []healthChange
		unreachable []string
		removed     []string
	)

	m.mu.Lock()
	for id, w := range m.workers {
		silence := now.Sub(w.LastHeartbeat)
		if silence < 0 {
			silence = 0
		}
		w.MissedHeartbeats = int(silence / m.cfg.HeartbeatInterval)

		switch {
		case w.HealthStatus == model.HealthStatusUnreachable:
			if m.cfg.RemoveAfter > 0 && w.UnreachableSince != nil && now.Sub(*w.UnreachableSince) >= m.cfg.RemoveAfter {
				delete(m.workers, id)
				removed = append(removed, id)
			}
		case silence >= m.cfg.UnreachableTimeout:
			since := now
			w.UnreachableSince = &since
			changes = append(changes, healthChange{id, w.HealthStatus, model.HealthStatusUnreachable})
			w.HealthStatus = model.HealthStatusUnreachable
			unreachable = append(unreachable, id)
		case w.HealthStatus == model.HealthStatusHealthy && w.MissedHeartbeats >= m.cfg.DegradedAfterMissed:
			changes = append(changes, healthChange{id, w.HealthStatus, model.HealthStatusDegraded})
			w.HealthStatus = model.HealthStatusDegraded
		}
	}
	m.mu.Unlock()

	sort.Strings(unreachable)
	sort.Strings(removed)

	for _, c := range changes {
		m.logger.Warn("Worker health changed",
			zap.String("worker_id", c.id),
			zap.String("from", string(c.from)),
			zap.String("to", string(c.to)))
		m.publish(c.id, c.from, c.to)
	}

	m.handlerMu.RLock()
	onUnreachable, onRemoved := m.onUnreachable, m.onRemoved
	m.handlerMu.RUnlock()

	for _, id := range unreachable {
		if onUnreachable != nil {
			onUnreachable(id)
		}
	}
	for _, id := range removed {
		m.logger.Info("Removed unreachable worker", zap.String("worker_id", id))
		if onRemoved != nil {
			onRemoved(id)
		}
	}
}

// Counts returns the number of workers in each health state
func (m *HealthMonitor) Counts() map[model.HealthStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[model.HealthStatus]int)
	for _, w := range m.workers {
		counts[w.HealthStatus]++
	}
	return counts
}

func (m *HealthMonitor) publish(id string, from, to model.HealthStatus) {
	event := model.NewEvent(model.EventWorkerHealth)
	event.WorkerID = id
	event.From = string(from)
	event.To = string(to)
	m.sink.Publish(event)
}

func copyWorker(w *model.WorkerInfo) *model.WorkerInfo {
	c := *w
	c.Capabilities = append([]string(nil), w.Capabilities...)
	if w.UnreachableSince != nil {
		t := *w.UnreachableSince
		c.UnreachableSince = &t
	}
	return &c
}
