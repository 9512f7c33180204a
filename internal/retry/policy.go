package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts counts the initial attempt plus retries.
	DefaultMaxAttempts = 3
	// DefaultInitialDelay is the wait before the first retry.
	DefaultInitialDelay = 1 * time.Second
	// DefaultMultiplier grows the delay between successive retries.
	DefaultMultiplier = 2.0
	// DefaultMaxDelay caps the backoff growth.
	DefaultMaxDelay = 10 * time.Second
)

// Policy describes a bounded exponential backoff schedule. The zero value is
// not usable; construct via NewPolicy.
type Policy struct {
	maxAttempts  int
	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration
	logger       *zap.Logger
	sleep        func(context.Context, time.Duration) error
}

// PolicyConfig carries optional overrides for NewPolicy. Zero fields fall
// back to the package defaults.
type PolicyConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Logger       *zap.Logger
	// Sleep replaces the blocking wait between attempts. Tests inject a
	// recording stub so the schedule is observable without real sleeps.
	Sleep func(context.Context, time.Duration) error
}

// NewPolicy constructs a backoff policy, applying defaults for unset fields.
func NewPolicy(cfg PolicyConfig) *Policy {
	policy := &Policy{
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
		multiplier:   cfg.Multiplier,
		maxDelay:     cfg.MaxDelay,
		logger:       cfg.Logger,
		sleep:        cfg.Sleep,
	}
	if policy.maxAttempts <= 0 {
		policy.maxAttempts = DefaultMaxAttempts
	}
	if policy.initialDelay <= 0 {
		policy.initialDelay = DefaultInitialDelay
	}
	if policy.multiplier <= 1 {
		policy.multiplier = DefaultMultiplier
	}
	if policy.maxDelay <= 0 {
		policy.maxDelay = DefaultMaxDelay
	}
	if policy.logger == nil {
		policy.logger = zap.NewNop()
	}
	if policy.sleep == nil {
		policy.sleep = sleepContext
	}
	return policy
}

// MaxAttempts reports the total attempt budget (initial call plus retries).
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// DelayForAttempt returns the wait observed before retry attempt n (1-based:
// attempt 1 is the first retry). The value is pure; no sleeping occurs.
func (p *Policy) DelayForAttempt(attempt int) time.Duration {
	if attempt <= 1 {
		return p.initialDelay
	}
	delay := p.initialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.multiplier)
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	return delay
}

// RetryDelays returns the full inter-attempt delay table. With the defaults
// the table is [1s, 2s]: one entry per retry.
func (p *Policy) RetryDelays() []time.Duration {
	delays := make([]time.Duration, 0, p.maxAttempts-1)
	delay := p.initialDelay
	for i := 1; i < p.maxAttempts; i++ {
		delays = append(delays, delay)
		delay = time.Duration(float64(delay) * p.multiplier)
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
	return delays
}

// TotalRetryDelay sums the delay table: the minimum wall-clock wait a caller
// observes when every attempt fails.
func (p *Policy) TotalRetryDelay() time.Duration {
	total := time.Duration(0)
	for _, delay := range p.RetryDelays() {
		total += delay
	}
	return total
}

// ExhaustedError is returned once every attempt has failed. It wraps the
// error from the final attempt.
type ExhaustedError struct {
	Operation string
	Attempts  int
	cause     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %s failed after %d attempts: %v", e.Operation, e.Attempts, e.cause)
}

func (e *ExhaustedError) Unwrap() error {
	return e.cause
}

// Execute invokes op, retrying on failure per the delay table until the
// attempt budget is exhausted. Only the calling goroutine waits; cancellation
// of ctx aborts any pending sleep. Intended for direct synchronous calls to
// collaborators — queue items use the pure delay table instead of blocking.
func (p *Policy) Execute(ctx context.Context, name string, op func() error) error {
	var lastErr error
	delay := p.initialDelay
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}
		p.logger.Warn("operation attempt failed, backing off",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * p.multiplier)
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
	p.logger.Error("operation attempts exhausted",
		zap.String("operation", name),
		zap.Int("attempts", p.maxAttempts),
		zap.Error(lastErr))
	return &ExhaustedError{Operation: name, Attempts: p.maxAttempts, cause: lastErr}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
