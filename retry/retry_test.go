package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
)

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	tests := []struct {
		name   string
		policy Policy
	}{
		{"zero attempts", DefaultPolicy().WithMaxAttempts(0)},
		{"negative base delay", DefaultPolicy().WithBaseDelay(-time.Second)},
		{"cap below base", DefaultPolicy().WithBaseDelay(time.Second).WithCapDelay(time.Millisecond)},
		{"cooldown below one", Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, CapDelay: time.Second, CooldownFactor: 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.policy.Validate())
		})
	}
}

func TestNextDelayDoublesAndCaps(t *testing.T) {
	p := Policy{
		MaxAttempts:    5,
		BaseDelay:      100 * time.Millisecond,
		CapDelay:       time.Second,
		CooldownFactor: 1,
	}

	assert.Equal(t, 100*time.Millisecond, p.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 800*time.Millisecond, p.NextDelay(3))
	assert.Equal(t, time.Second, p.NextDelay(4))
	assert.Equal(t, time.Second, p.NextDelay(50), "large attempt counts stay capped")
}

func TestDelayForStretchesExhaustion(t *testing.T) {
	p := Policy{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		CapDelay:       time.Second,
		CooldownFactor: 4,
	}

	transient := errs.New(errs.KindTransient, "grade", "reset")
	exhausted := errs.New(errs.KindExhausted, "grade", "quota")

	assert.Equal(t, 200*time.Millisecond, p.DelayFor(transient, 1))
	assert.Equal(t, 800*time.Millisecond, p.DelayFor(exhausted, 1))
	assert.Equal(t, 4*time.Second, p.DelayFor(exhausted, 30), "cooldown has its own cap")
}

func TestShouldRetry(t *testing.T) {
	p := DefaultPolicy().WithMaxAttempts(3)

	retryable := errs.New(errs.KindTransient, "grade", "reset")
	assert.True(t, p.ShouldRetry(retryable, 1))
	assert.True(t, p.ShouldRetry(retryable, 2))
	assert.False(t, p.ShouldRetry(retryable, 3), "attempt budget spent")

	assert.False(t, p.ShouldRetry(errs.New(errs.KindValidation, "grade", "bad sheet"), 1))
	assert.False(t, p.ShouldRetry(errs.New(errs.KindPermission, "grade", "denied"), 1))
	assert.False(t, p.ShouldRetry(context.Canceled, 1))
	assert.False(t, p.ShouldRetry(nil, 1))
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), func() error {
		calls++
		return errs.New(errs.KindValidation, "grade", "bad sheet")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	policy := Policy{
		MaxAttempts:    4,
		BaseDelay:      time.Millisecond,
		CapDelay:       5 * time.Millisecond,
		CooldownFactor: 1,
	}

	calls := 0
	err := Do(context.Background(), policy, func() error {
		calls++
		if calls < 3 {
			return errs.New(errs.KindTransient, "grade", "reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	policy := Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		CapDelay:       2 * time.Millisecond,
		CooldownFactor: 1,
	}

	boom := errs.New(errs.KindUnavailable, "grade", "503")
	calls := 0
	err := Do(context.Background(), policy, func() error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrMaxAttemptsExceeded)
	assert.ErrorIs(t, err, boom)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, DefaultPolicy(), func() error {
		return errors.New("never retried")
	})

	require.Error(t, err)
	assert.True(t, errs.IsCancelled(err))
}
