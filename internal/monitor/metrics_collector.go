package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/events"
	"github.com/t77yq/flow-manager/internal/model"
)

// StatsProvider reports engine-level counters. It is implemented by the coordinator.
type StatsProvider interface {
	Stats() model.EngineStats
}

// Metrics is one collected sample
type Metrics struct {
	Timestamp   time.Time                     `json:"timestamp"`
	CPUUsage    float64                       `json:"cpu_usage"`
	MemoryUsage float64                       `json:"memory_usage"`
	Engine      model.EngineStats             `json:"engine"`
	Workers     map[string]*model.WorkerStats `json:"workers,omitempty"`
}

// MetricsCollector collects system and engine metrics
type MetricsCollector struct {
	logger   *zap.Logger
	sink     events.Sink
	stats    StatsProvider
	interval time.Duration
	mu       sync.RWMutex
	metrics  map[string]*model.WorkerStats
	latest   *Metrics
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(stats StatsProvider, sink events.Sink, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if sink == nil {
		sink = events.NopSink{}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		sink:     sink,
		stats:    stats,
		interval: interval,
		metrics:  make(map[string]*model.WorkerStats),
		stop:     make(chan struct{}),
	}
}

// Start starts the metrics collector
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	c.wg.Add(1)
	go c.collectLoop(ctx)

	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.logger.Info("Stopping metrics collector")
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.wg.Wait()
}

// RecordWorkerStats stores the host statistics a worker sent with its heartbeat
func (c *MetricsCollector) RecordWorkerStats(workerID string, stats *model.WorkerStats) {
	if stats == nil {
		return
	}
	c.mu.Lock()
	c.metrics[workerID] = stats
	c.mu.Unlock()
}

// ForgetWorker drops the stats of a deregistered worker
func (c *MetricsCollector) ForgetWorker(workerID string) {
	c.mu.Lock()
	delete(c.metrics, workerID)
	c.mu.Unlock()
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample and publishes it as a metrics event
func (c *MetricsCollector) Collect() *Metrics {
	metrics := &Metrics{
		Timestamp: time.Now(),
		Workers:   c.GetMetrics(),
	}

	// Host figures are best effort; engine stats are still reported without them.
	if cpuPercent, err := cpu.Percent(0, false); err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		metrics.CPUUsage = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		metrics.MemoryUsage = memInfo.UsedPercent
	}

	if c.stats != nil {
		metrics.Engine = c.stats.Stats()
	}

	c.mu.Lock()
	c.latest = metrics
	c.mu.Unlock()

	event := model.NewEvent(model.EventMetrics)
	event.Data = map[string]interface{}{
		"cpu_usage":    metrics.CPUUsage,
		"memory_usage": metrics.MemoryUsage,
		"queued":       metrics.Engine.Queued,
		"in_flight":    metrics.Engine.InFlight,
		"workflows":    metrics.Engine.Workflows,
		"tasks":        metrics.Engine.Tasks,
		"workers":      metrics.Engine.Workers,
	}
	c.sink.Publish(event)

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", metrics.CPUUsage),
		zap.Float64("memory_usage", metrics.MemoryUsage),
		zap.Int("queued", metrics.Engine.Queued),
		zap.Int("in_flight", metrics.Engine.InFlight),
		zap.Int("worker_count", len(metrics.Workers)))

	return metrics
}

// Latest returns the most recent sample, or nil before the first collection
func (c *MetricsCollector) Latest() *Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// GetMetrics returns the latest stats reported by each worker
func (c *MetricsCollector) GetMetrics() map[string]*model.WorkerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	metrics := make(map[string]*model.WorkerStats)
	for id, stats := range c.metrics {
		metrics[id] = stats
	}
	return metrics
}
