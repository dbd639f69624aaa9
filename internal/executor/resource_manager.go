package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

// ResourceLimits defines resource limits for task execution
type ResourceLimits struct {
	MaxTasks int // Maximum concurrent tasks
}

// ResourceManager tracks execution slots and host resource usage
type ResourceManager struct {
	logger   *zap.Logger
	limits   ResourceLimits
	interval time.Duration
	mu       sync.RWMutex
	stats    model.WorkerStats
	slots    map[string]time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewResourceManager creates a new resource manager
func NewResourceManager(limits ResourceLimits, logger *zap.Logger) *ResourceManager {
	return &ResourceManager{
		logger:   logger.Named("resource-manager"),
		limits:   limits,
		interval: 5 * time.Second,
		slots:    make(map[string]time.Time),
		stats: model.WorkerStats{
			CollectedAt: time.Now(),
		},
		stop: make(chan struct{}),
	}
}

// Start starts the resource manager
func (rm *ResourceManager) Start(ctx context.Context) error {
	rm.logger.Info("Starting resource manager", zap.Int("max_tasks", rm.limits.MaxTasks))

	rm.collectResourceStats()

	rm.wg.Add(1)
	go rm.monitorResources(ctx)

	return nil
}

// Stop stops the resource manager
func (rm *ResourceManager) Stop() {
	rm.logger.Info("Stopping resource manager")
	select {
	case <-rm.stop:
	default:
		close(rm.stop)
	}
	rm.wg.Wait()
}

// Acquire reserves an execution slot for one task attempt
func (rm *ResourceManager) Acquire(key string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.slots[key]; ok {
		return fmt.Errorf("task already running: %s", key)
	}
	if len(rm.slots) >= rm.limits.MaxTasks {
		return fmt.Errorf("%w: %d tasks running", ErrAtCapacity, len(rm.slots))
	}
	rm.slots[key] = time.Now()
	return nil
}

// Release frees the slot held by a task attempt
func (rm *ResourceManager) Release(key string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.slots, key)
}

// Running returns the number of occupied slots
func (rm *ResourceManager) Running() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.slots)
}

// GetStats returns a copy of the current resource statistics
func (rm *ResourceManager) GetStats() *model.WorkerStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	stats := rm.stats
	stats.TaskCount = len(rm.slots)
	return &stats
}

// monitorResources monitors system resource usage
func (rm *ResourceManager) monitorResources(ctx context.Context) {
	defer rm.wg.Done()

	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stop:
			return
		case <-ticker.C:
			rm.collectResourceStats()
		}
	}
}

// collectResourceStats collects system resource statistics
func (rm *ResourceManager) collectResourceStats() {
	// Sampled outside the lock; cpu.Percent with a zero interval compares
	// against the previous call and does not sleep.
	var cpuUsage, memUsage float64
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		rm.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		cpuUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		rm.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		memUsage = memInfo.UsedPercent
	}

	rm.mu.Lock()
	rm.stats.CPUUsage = cpuUsage
	rm.stats.MemoryUsage = memUsage
	rm.stats.TaskCount = len(rm.slots)
	rm.stats.CollectedAt = time.Now()
	stats := rm.stats
	rm.mu.Unlock()

	rm.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage),
		zap.Int("task_count", stats.TaskCount))
}
