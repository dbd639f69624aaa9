package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/t77yq/flow-manager/internal/model"
)

func TestExponentialBackoff(t *testing.T) {
	b := NewExponentialBackoff(100*time.Millisecond, time.Second, 0)

	assert.Equal(t, 100*time.Millisecond, b.NextRetry(0))
	assert.Equal(t, 200*time.Millisecond, b.NextRetry(1))
	assert.Equal(t, 400*time.Millisecond, b.NextRetry(2))
	assert.Equal(t, 800*time.Millisecond, b.NextRetry(3))
	assert.Equal(t, time.Second, b.NextRetry(4))
	assert.Equal(t, time.Second, b.NextRetry(500))
}

func TestExponentialBackoff_Jitter(t *testing.T) {
	b := NewExponentialBackoff(100*time.Millisecond, time.Hour, 50*time.Millisecond)

	for i := 0; i < 100; i++ {
		d := b.NextRetry(1)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestRetryPolicy_ExactAttempts(t *testing.T) {
	policy := NewRetryPolicy(NewExponentialBackoff(10*time.Millisecond, time.Second, 0), 5)
	task := &model.Task{MaxAttempts: 3}

	var delays []time.Duration
	attempts := 0
	for {
		attempts++
		task.AttemptCount = attempts
		d := policy.Decide(task)
		if !d.Retry {
			break
		}
		assert.Equal(t, attempts+1, d.NextAttempt)
		delays = append(delays, d.Delay)
	}

	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, delays)
}

func TestRetryPolicy_DefaultMaxAttempts(t *testing.T) {
	policy := NewRetryPolicy(NewExponentialBackoff(time.Millisecond, time.Second, 0), 0)
	assert.Equal(t, defaultMaxAttempts, policy.MaxAttempts(&model.Task{}))
	assert.Equal(t, 7, policy.MaxAttempts(&model.Task{MaxAttempts: 7}))

	once := &model.Task{MaxAttempts: 1, AttemptCount: 1}
	assert.False(t, policy.Decide(once).Retry)
}
