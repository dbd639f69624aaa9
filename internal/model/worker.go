package model

import "time"

// HealthStatus represents the health of a registered worker
type HealthStatus string

const (
	HealthStatusHealthy     HealthStatus = "healthy"
	HealthStatusDegraded    HealthStatus = "degraded"
	HealthStatusUnreachable HealthStatus = "unreachable"
)

// WorkerInfo is the capacity record the health monitor keeps for a worker
type WorkerInfo struct {
	ID               string       `json:"id"`
	Capabilities     []string     `json:"capabilities"`
	Capacity         int          `json:"capacity"`
	CurrentLoad      int          `json:"current_load"`
	ReportedLoad     int          `json:"reported_load"`
	HealthStatus     HealthStatus `json:"health_status"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
	MissedHeartbeats int          `json:"missed_heartbeats"`
	UnreachableSince *time.Time   `json:"unreachable_since,omitempty"`
	RegisteredAt     time.Time    `json:"registered_at"`
}

// HasCapability reports whether the worker accepts tasks of the given type.
func (w *WorkerInfo) HasCapability(taskType string) bool {
	for _, c := range w.Capabilities {
		if c == taskType || c == "*" {
			return true
		}
	}
	return false
}

// LoadScore returns the fraction of the worker's capacity in use.
func (w *WorkerInfo) LoadScore() float64 {
	if w.Capacity <= 0 {
		return 1
	}
	load := w.CurrentLoad
	if w.ReportedLoad > load {
		load = w.ReportedLoad
	}
	return float64(load) / float64(w.Capacity)
}

// Available reports whether the worker can take one more task.
func (w *WorkerInfo) Available() bool {
	return w.HealthStatus == HealthStatusHealthy && w.CurrentLoad < w.Capacity
}

// WorkerStats is what a worker reports alongside its heartbeat
type WorkerStats struct {
	TaskCount   int       `json:"task_count"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// Heartbeat is the message a remote worker publishes periodically
type Heartbeat struct {
	WorkerID     string       `json:"worker_id"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Capacity     int          `json:"capacity,omitempty"`
	Load         int          `json:"load"`
	Stats        *WorkerStats `json:"stats,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}
