// Package retry decides whether and when a failed grading attempt runs again.
//
// Policy is pure: it never sleeps and holds no clock, so callers own their
// timers and the decisions stay deterministic under test.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
)

// Default policy values.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultCapDelay       = 30 * time.Second
	DefaultCooldownFactor = 4.0
)

var (
	// ErrMaxAttemptsExceeded is returned by Do when every attempt failed.
	ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

	errInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	errInvalidBaseDelay   = errors.New("base delay must be positive")
	errInvalidCapDelay    = errors.New("cap delay must be at least the base delay")
	errInvalidCooldown    = errors.New("cooldown factor must be at least 1")
)

// Policy configures retry decisions.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// CapDelay bounds the backoff.
	CapDelay time.Duration
	// CooldownFactor stretches delays after resource exhaustion.
	CooldownFactor float64
}

// DefaultPolicy returns a policy with default values.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		CapDelay:       DefaultCapDelay,
		CooldownFactor: DefaultCooldownFactor,
	}
}

// Validate checks the policy for invalid values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errInvalidMaxAttempts
	}
	if p.BaseDelay <= 0 {
		return errInvalidBaseDelay
	}
	if p.CapDelay < p.BaseDelay {
		return errInvalidCapDelay
	}
	if p.CooldownFactor < 1 {
		return errInvalidCooldown
	}
	return nil
}

// WithMaxAttempts returns a copy of the policy with the given attempt budget.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// WithBaseDelay returns a copy of the policy with the given base delay.
func (p Policy) WithBaseDelay(d time.Duration) Policy {
	p.BaseDelay = d
	return p
}

// WithCapDelay returns a copy of the policy with the given delay cap.
func (p Policy) WithCapDelay(d time.Duration) Policy {
	p.CapDelay = d
	return p
}

// ShouldRetry reports whether another attempt is allowed after err.
// attempt is the number of attempts already made (1 for the first failure).
// Non-retryable failure kinds are never retried regardless of budget.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	return errs.Retryable(err)
}

// NextDelay returns the wait before the next attempt.
// attempt counts completed attempts, so the first retry (attempt 1) waits
// BaseDelay * 2, the second BaseDelay * 4, capped at CapDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > p.CapDelay || delay <= 0 {
		return p.CapDelay
	}
	return delay
}

// DelayFor is NextDelay adjusted for the failure kind: exhaustion failures
// wait CooldownFactor times longer so the remote end can recover.
func (p Policy) DelayFor(err error, attempt int) time.Duration {
	delay := p.NextDelay(attempt)
	if errs.Classify(err) == errs.KindExhausted {
		cooled := time.Duration(float64(delay) * p.CooldownFactor)
		capped := time.Duration(float64(p.CapDelay) * p.CooldownFactor)
		if cooled > capped {
			return capped
		}
		return cooled
	}
	return delay
}

// Do runs fn until it succeeds, the policy gives up, or ctx is done.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindCancelled, "retry", ctx.Err())
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !errs.Retryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, "retry", ctx.Err())
		case <-time.After(policy.DelayFor(err, attempt)):
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, policy.MaxAttempts, lastErr)
}
