package scheduler

import "time"

const (
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 5 * time.Minute
	defaultMaxAttempts = 3
)

const (
	scheduleAddSubject    = "schedule.add"
	scheduleRemoveSubject = "schedule.remove"
)
