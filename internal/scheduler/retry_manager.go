package scheduler

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/t77yq/flow-manager/internal/model"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry calculates the delay before the next attempt, given the
	// number of attempts already made
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff computes base * multiplier^attempt + random(0, jitter),
// capped at MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       time.Duration

	mu   sync.Mutex
	rand *rand.Rand
}

// NewExponentialBackoff creates a doubling backoff with jitter
func NewExponentialBackoff(initial, max, jitter time.Duration) *ExponentialBackoff {
	if initial <= 0 {
		initial = defaultBaseDelay
	}
	if max <= 0 {
		max = defaultMaxDelay
	}
	if jitter < 0 {
		jitter = 0
	}
	return &ExponentialBackoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   2,
		Jitter:       jitter,
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextRetry calculates the next retry time using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := s.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	delay := float64(s.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if s.Jitter > 0 {
		delay += float64(s.jitter())
	}

	if delay > float64(s.MaxDelay) || math.IsInf(delay, 0) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

func (s *ExponentialBackoff) jitter() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rand == nil {
		s.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(s.rand.Int63n(int64(s.Jitter) + 1))
}

// RetryDecision is the outcome of applying the retry policy to a failed task
type RetryDecision struct {
	Retry bool
	Delay time.Duration
	// NextAttempt is the attempt number the retry would be.
	NextAttempt int
}

// RetryPolicy decides whether a failed task gets another attempt
type RetryPolicy struct {
	strategy           RetryStrategy
	defaultMaxAttempts int
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(strategy RetryStrategy, maxAttempts int) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &RetryPolicy{
		strategy:           strategy,
		defaultMaxAttempts: maxAttempts,
	}
}

// MaxAttempts resolves the attempt limit for a task
func (p *RetryPolicy) MaxAttempts(task *model.Task) int {
	if task.MaxAttempts > 0 {
		return task.MaxAttempts
	}
	return p.defaultMaxAttempts
}

// Decide applies the policy to a task that has just moved to failed.
// AttemptCount is the number of attempts already made.
func (p *RetryPolicy) Decide(task *model.Task) RetryDecision {
	next := task.AttemptCount + 1
	if next > p.MaxAttempts(task) {
		return RetryDecision{Retry: false, NextAttempt: next}
	}
	return RetryDecision{
		Retry:       true,
		Delay:       p.strategy.NextRetry(task.AttemptCount),
		NextAttempt: next,
	}
}
