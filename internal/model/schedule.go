package model

import (
	"time"
)

// CronSchedule resubmits a workflow definition on a cron expression
type CronSchedule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Expression  string      `json:"expression"`
	Definition  *Definition `json:"definition"`
	LastRunTime *time.Time  `json:"last_run_time,omitempty"`
	LastRunID   string      `json:"last_run_id,omitempty"`
	NextRunTime *time.Time  `json:"next_run_time,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
