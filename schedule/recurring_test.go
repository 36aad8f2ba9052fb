package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
)

func TestNormalizeSpec(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "five fields gains seconds", input: "0 2 * * *", expected: "0 0 2 * * *"},
		{name: "every fifteen minutes", input: "*/15 * * * *", expected: "0 */15 * * * *"},
		{name: "six fields unchanged", input: "30 0 9 * * 1", expected: "30 0 9 * * 1"},
		{name: "descriptor passes through", input: "@daily", expected: "@daily"},
		{name: "surrounding whitespace trimmed", input: "  0 2 * * *  ", expected: "0 0 2 * * *"},
		{name: "garbage rejected", input: "every tuesday", wantErr: true},
		{name: "too few fields", input: "* * *", wantErr: true},
		{name: "bad field value", input: "99 * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeSpec(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestAddValidation(t *testing.T) {
	r := NewRecurring()

	err := r.Add("", "@daily", func(ctx context.Context) {})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	err = r.Add("sweep", "@daily", nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	err = r.Add("sweep", "not a spec", func(ctx context.Context) {})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestAddDuplicateName(t *testing.T) {
	r := NewRecurring()

	require.NoError(t, r.Add("sweep", "@daily", func(ctx context.Context) {}))
	assert.ErrorIs(t, r.Add("sweep", "@hourly", func(ctx context.Context) {}), ErrJobExists)
}

func TestRemoveFreesName(t *testing.T) {
	r := NewRecurring()

	require.NoError(t, r.Add("sweep", "@daily", func(ctx context.Context) {}))
	assert.True(t, r.Remove("sweep"))
	assert.False(t, r.Remove("sweep"))

	require.NoError(t, r.Add("sweep", "@hourly", func(ctx context.Context) {}))
	assert.Equal(t, []string{"sweep"}, r.Jobs())
}

func TestJobFires(t *testing.T) {
	r := NewRecurring()
	fired := make(chan struct{}, 4)

	require.NoError(t, r.Add("tick", "* * * * * *", func(ctx context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}))

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}

	next, ok := r.NextRun("tick")
	require.True(t, ok)
	assert.False(t, next.IsZero())
}

func TestStopCancelsJobContext(t *testing.T) {
	r := NewRecurring()
	entered := make(chan struct{}, 1)
	released := make(chan struct{}, 1)

	require.NoError(t, r.Add("blocker", "* * * * * *", func(ctx context.Context) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		select {
		case released <- struct{}{}:
		default:
		}
	}))

	require.NoError(t, r.Start(context.Background()))

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("job context was never cancelled")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop never returned")
	}
}

func TestStartTwice(t *testing.T) {
	r := NewRecurring()
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestStopBeforeStart(t *testing.T) {
	r := NewRecurring()
	r.Stop()

	require.NoError(t, r.Start(context.Background()))
	r.Stop()

	// A stopped scheduler can start again.
	require.NoError(t, r.Start(context.Background()))
	r.Stop()
}
