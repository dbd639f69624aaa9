package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flow-manager/internal/model"
)

type staticStats struct {
	stats model.EngineStats
}

func (s staticStats) Stats() model.EngineStats { return s.stats }

func TestMetricsCollector(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sink := &captureSink{}
	provider := staticStats{stats: model.EngineStats{
		Workflows: map[model.WorkflowStatus]int{model.WorkflowStatusRunning: 2},
		Tasks:     map[model.TaskStatus]int{model.TaskStatusRunning: 3, model.TaskStatusEligible: 1},
		Queued:    1,
		InFlight:  3,
		Workers:   map[model.HealthStatus]int{model.HealthStatusHealthy: 2},
	}}
	collector := NewMetricsCollector(provider, sink, 50*time.Millisecond, logger)

	t.Run("Collect", func(t *testing.T) {
		metrics := collector.Collect()
		require.NotNil(t, metrics)
		assert.NotZero(t, metrics.Timestamp)
		assert.GreaterOrEqual(t, metrics.CPUUsage, 0.0)
		assert.GreaterOrEqual(t, metrics.MemoryUsage, 0.0)
		assert.Equal(t, 3, metrics.Engine.InFlight)
		assert.Same(t, metrics, collector.Latest())

		events := sink.ofType(model.EventMetrics)
		require.Len(t, events, 1)
		assert.Equal(t, 1, events[0].Data["queued"])
		assert.Equal(t, 3, events[0].Data["in_flight"])
	})

	t.Run("WorkerStats", func(t *testing.T) {
		stats := &model.WorkerStats{
			TaskCount:   5,
			CPUUsage:    50.0,
			MemoryUsage: 40.0,
			CollectedAt: time.Now(),
		}
		collector.RecordWorkerStats("test-worker", stats)
		collector.RecordWorkerStats("ignored", nil)

		metrics := collector.GetMetrics()
		assert.Len(t, metrics, 1)
		assert.Equal(t, stats, metrics["test-worker"])

		collector.ForgetWorker("test-worker")
		assert.Empty(t, collector.GetMetrics())
	})

	t.Run("Loop", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		before := len(sink.ofType(model.EventMetrics))
		require.NoError(t, collector.Start(ctx))
		require.Eventually(t, func() bool {
			return len(sink.ofType(model.EventMetrics)) >= before+2
		}, 3*time.Second, 10*time.Millisecond)
		collector.Stop()
	})
}
