package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
	"github.com/ZhiquAI/zhiyue3.0-sub004/logger"
	"github.com/ZhiquAI/zhiyue3.0-sub004/retry"
)

// newBareRun builds a run without a scheduler for exercising terminal
// classification directly.
func newBareRun(items []Item) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		id:       "run-under-test",
		opts:     DefaultOptions().withDefaults(),
		items:    items,
		total:    len(items),
		log:      logger.NewNop(),
		ctx:      ctx,
		cancelFn: cancel,
		status:   StatusRunning,
		results:  make(map[string]ItemResult),
		done:     make(chan struct{}),
	}
}

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{ID: fmt.Sprintf("essay-%02d", i+1), Payload: i + 1}
	}
	return items
}

// fastOptions keeps scheduling delays negligible so tests never stall on the
// adaptive inter-chunk wait.
func fastOptions() Options {
	opts := DefaultOptions()
	opts.MaxChunkSize = 4
	opts.MaxConcurrency = 2
	opts.MaxInterChunkWait = time.Millisecond
	opts.Retry = fastRetry()
	return opts
}

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:    DefaultRetryLimit,
		BaseDelay:      time.Millisecond,
		CapDelay:       8 * time.Millisecond,
		CooldownFactor: 1,
	}
}

func newTestScheduler(t *testing.T, process ProcessFunc, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	s, err := NewScheduler(process, opts...)
	require.NoError(t, err)
	return s
}

func waitRun(t *testing.T, run *Run) Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary, err := run.Wait(ctx)
	require.NoError(t, err)
	return summary
}

func awaitStart(t *testing.T, started <-chan string) string {
	t.Helper()
	select {
	case id := <-started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an item to start")
		return ""
	}
}

func TestNewSchedulerRequiresProcess(t *testing.T) {
	_, err := NewScheduler(nil)
	assert.ErrorIs(t, err, ErrNilProcess)
}

func TestSubmitValidatesItems(t *testing.T) {
	tests := []struct {
		name  string
		items []Item
	}{
		{name: "no items", items: nil},
		{name: "empty id", items: []Item{{ID: ""}}},
		{name: "duplicate id", items: []Item{{ID: "essay-01"}, {ID: "essay-01"}}},
	}

	s := newTestScheduler(t, func(ctx context.Context, item Item) (any, error) {
		return nil, nil
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(context.Background(), tt.items, fastOptions())
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}
}

func TestSubmitRejectsNegativeOptions(t *testing.T) {
	s := newTestScheduler(t, func(ctx context.Context, item Item) (any, error) {
		return nil, nil
	})

	opts := fastOptions()
	opts.MaxConcurrency = -1

	_, err := s.Submit(context.Background(), makeItems(2), opts)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestChunkItems(t *testing.T) {
	chunks := chunkItems(makeItems(23), 10)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 10)
	assert.Len(t, chunks[1], 10)
	assert.Len(t, chunks[2], 3)
	assert.Equal(t, "essay-01", chunks[0][0].ID)
	assert.Equal(t, "essay-11", chunks[1][0].ID)
	assert.Equal(t, "essay-23", chunks[2][2].ID)

	exact := chunkItems(makeItems(8), 4)
	require.Len(t, exact, 2)
	assert.Len(t, exact[1], 4)

	single := chunkItems(makeItems(3), 10)
	require.Len(t, single, 1)
	assert.Len(t, single[0], 3)
}

func TestRunCompletes(t *testing.T) {
	s := newTestScheduler(t, func(ctx context.Context, item Item) (any, error) {
		return item.Payload.(int) * 2, nil
	})

	run, err := s.Submit(context.Background(), makeItems(9), fastOptions())
	require.NoError(t, err)

	summary := waitRun(t, run)

	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Equal(t, 9, summary.Total)
	assert.Equal(t, 9, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Skipped)
	assert.False(t, summary.StartedAt.IsZero())
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))

	require.Len(t, summary.Results, 9)
	assert.Equal(t, "essay-01", summary.Results[0].ItemID)
	assert.Equal(t, 2, summary.Results[0].Output)
	assert.True(t, summary.Results[0].Succeeded())
	require.Len(t, summary.Results[0].Attempts, 1)
	assert.Equal(t, 1, summary.Results[0].Attempts[0].Number)

	snap := run.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Percent)
	assert.Equal(t, 9, snap.Processed)

	got, ok := run.Summary()
	require.True(t, ok)
	assert.Equal(t, summary.RunID, got.RunID)
}

func TestConcurrencyBound(t *testing.T) {
	var current, maxSeen int64
	process := func(ctx context.Context, item Item) (any, error) {
		cur := atomic.AddInt64(&current, 1)
		for {
			prev := atomic.LoadInt64(&maxSeen)
			if cur <= prev || atomic.CompareAndSwapInt64(&maxSeen, prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return nil, nil
	}

	s := newTestScheduler(t, process)

	opts := fastOptions()
	opts.MaxChunkSize = 6
	opts.MaxConcurrency = 3

	run, err := s.Submit(context.Background(), makeItems(12), opts)
	require.NoError(t, err)

	summary := waitRun(t, run)

	assert.Equal(t, 12, summary.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxSeen), int64(3))
	assert.GreaterOrEqual(t, atomic.LoadInt64(&maxSeen), int64(1))
}

func TestFailureIsolation(t *testing.T) {
	process := func(ctx context.Context, item Item) (any, error) {
		if item.Payload.(int)%2 == 0 {
			return nil, errs.New(errs.KindValidation, "grade", "answer sheet unreadable")
		}
		return "scored", nil
	}

	s := newTestScheduler(t, process)

	run, err := s.Submit(context.Background(), makeItems(8), fastOptions())
	require.NoError(t, err)

	summary := waitRun(t, run)

	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 4, summary.Failed)
	assert.Zero(t, summary.Skipped)
	assert.Equal(t, summary.Total, summary.Succeeded+summary.Failed+summary.Skipped)

	failed := summary.FailedResults()
	require.Len(t, failed, 4)
	for _, res := range failed {
		assert.Error(t, res.Err)
		assert.Len(t, res.Attempts, 1)
	}

	assert.Equal(t, 100, run.Snapshot().Percent)
}

func TestAutoRetrySucceedsAfterTransientFailures(t *testing.T) {
	var calls int64
	process := func(ctx context.Context, item Item) (any, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return nil, errs.New(errs.KindTransient, "grade", "scoring engine hiccup")
		}
		return "scored", nil
	}

	s := newTestScheduler(t, process)

	opts := fastOptions().WithMaxChunkSize(1).WithMaxConcurrency(1).WithAutoRetry(5)

	run, err := s.Submit(context.Background(), makeItems(1), opts)
	require.NoError(t, err)

	summary := waitRun(t, run)

	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.Succeeded)

	res := summary.Results[0]
	assert.True(t, res.Succeeded())
	assert.Equal(t, "scored", res.Output)
	require.Len(t, res.Attempts, 3)
	assert.Error(t, res.Attempts[0].Err)
	assert.Error(t, res.Attempts[1].Err)
	assert.NoError(t, res.Attempts[2].Err)
	assert.Equal(t, 3, res.Attempts[2].Number)
}

func TestAutoRetryExhaustsBudget(t *testing.T) {
	var calls int64
	process := func(ctx context.Context, item Item) (any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errs.New(errs.KindTransient, "grade", "scoring engine down")
	}

	s := newTestScheduler(t, process)

	opts := fastOptions().WithMaxChunkSize(1).WithMaxConcurrency(1).WithAutoRetry(3)

	run, err := s.Submit(context.Background(), makeItems(1), opts)
	require.NoError(t, err)

	summary := waitRun(t, run)

	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.Failed)
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))

	res := summary.Results[0]
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, errs.KindTransient, errs.KindOf(res.Err))
}

func TestNonRetryableFailsOnce(t *testing.T) {
	var calls int64
	process := func(ctx context.Context, item Item) (any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errs.New(errs.KindValidation, "grade", "rubric missing")
	}

	s := newTestScheduler(t, process)

	opts := fastOptions().WithMaxChunkSize(1).WithMaxConcurrency(1).WithAutoRetry(5)

	run, err := s.Submit(context.Background(), makeItems(1), opts)
	require.NoError(t, err)

	summary := waitRun(t, run)

	assert.Equal(t, 1, summary.Failed)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	assert.Len(t, summary.Results[0].Attempts, 1)
}

func TestPauseResume(t *testing.T) {
	started := make(chan string, 3)
	release := make(chan struct{}, 3)
	process := func(ctx context.Context, item Item) (any, error) {
		started <- item.ID
		select {
		case <-release:
			return item.Payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := newTestScheduler(t, process)

	opts := fastOptions().WithMaxChunkSize(1).WithMaxConcurrency(1)

	run, err := s.Submit(context.Background(), makeItems(3), opts)
	require.NoError(t, err)

	assert.Equal(t, "essay-01", awaitStart(t, started))

	require.NoError(t, run.Pause())
	assert.Equal(t, StatusPaused, run.Status())
	assert.ErrorIs(t, run.Pause(), ErrInvalidTransition)

	// The in-flight item finishes even while paused.
	release <- struct{}{}
	require.Eventually(t, func() bool {
		return run.Snapshot().Processed == 1
	}, 2*time.Second, 5*time.Millisecond)

	// No new chunk may start until resumed.
	select {
	case id := <-started:
		t.Fatalf("item %s started while paused", id)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, run.Resume())
	assert.Equal(t, StatusRunning, run.Status())
	assert.ErrorIs(t, run.Resume(), ErrInvalidTransition)

	assert.Equal(t, "essay-02", awaitStart(t, started))
	release <- struct{}{}
	assert.Equal(t, "essay-03", awaitStart(t, started))
	release <- struct{}{}

	summary := waitRun(t, run)
	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.Succeeded)

	assert.ErrorIs(t, run.Pause(), ErrRunFinished)
	assert.ErrorIs(t, run.Resume(), ErrRunFinished)
}

func TestCancelAbandonsQueue(t *testing.T) {
	started := make(chan string, 6)
	process := func(ctx context.Context, item Item) (any, error) {
		started <- item.ID
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s := newTestScheduler(t, process)

	opts := fastOptions().WithMaxChunkSize(2).WithMaxConcurrency(2)

	run, err := s.Submit(context.Background(), makeItems(6), opts)
	require.NoError(t, err)

	awaitStart(t, started)
	awaitStart(t, started)
	run.Cancel()

	summary := waitRun(t, run)

	assert.Equal(t, StatusCancelled, summary.Status)
	assert.Zero(t, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 6, summary.Skipped)
	assert.Equal(t, summary.Total, summary.Succeeded+summary.Failed+summary.Skipped)
	require.Len(t, summary.Results, 6)

	// The snapshot keeps settled-only counts and a frozen percent.
	snap := run.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Equal(t, 2, snap.Processed)
	assert.Equal(t, 33, snap.Percent)

	// Cancelling again is a no-op.
	run.Cancel()
	assert.ErrorIs(t, run.Pause(), ErrRunFinished)
}

func TestCancelPreservesCompletedResults(t *testing.T) {
	started := make(chan string, 4)
	release := make(chan struct{}, 4)
	process := func(ctx context.Context, item Item) (any, error) {
		started <- item.ID
		select {
		case <-release:
			return "scored", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := newTestScheduler(t, process)

	opts := fastOptions().WithMaxChunkSize(1).WithMaxConcurrency(1)

	run, err := s.Submit(context.Background(), makeItems(4), opts)
	require.NoError(t, err)

	assert.Equal(t, "essay-01", awaitStart(t, started))
	release <- struct{}{}
	assert.Equal(t, "essay-02", awaitStart(t, started))
	release <- struct{}{}
	assert.Equal(t, "essay-03", awaitStart(t, started))
	run.Cancel()

	summary := waitRun(t, run)

	assert.Equal(t, StatusCancelled, summary.Status)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 2, summary.Skipped)

	require.Len(t, summary.Results, 4)
	assert.True(t, summary.Results[0].Succeeded())
	assert.True(t, summary.Results[1].Succeeded())
	assert.True(t, summary.Results[2].Skipped)
	assert.Error(t, summary.Results[2].Err)
	assert.True(t, summary.Results[3].Skipped)
	assert.NoError(t, summary.Results[3].Err)
	assert.Empty(t, summary.Results[3].Attempts)

	assert.Equal(t, 75, run.Snapshot().Percent)
}

func TestWaitContextCancelled(t *testing.T) {
	process := func(ctx context.Context, item Item) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s := newTestScheduler(t, process)

	run, err := s.Submit(context.Background(), makeItems(1), fastOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = run.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	run.Cancel()
	<-run.Done()
}

func TestSchedulerClose(t *testing.T) {
	process := func(ctx context.Context, item Item) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s := newTestScheduler(t, process)

	run, err := s.Submit(context.Background(), makeItems(2), fastOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, StatusCancelled, run.Status())

	require.NoError(t, s.Close(ctx))

	_, err = s.Submit(context.Background(), makeItems(1), fastOptions())
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestLookupAndActive(t *testing.T) {
	release := make(chan struct{}, 2)
	process := func(ctx context.Context, item Item) (any, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := newTestScheduler(t, process)

	run, err := s.Submit(context.Background(), makeItems(2), fastOptions())
	require.NoError(t, err)

	got, ok := s.Lookup(run.ID())
	require.True(t, ok)
	assert.Equal(t, run.ID(), got.ID())
	assert.Len(t, s.Active(), 1)

	release <- struct{}{}
	release <- struct{}{}
	waitRun(t, run)

	_, ok = s.Lookup(run.ID())
	assert.False(t, ok)
	assert.Empty(t, s.Active())
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	process := func(ctx context.Context, item Item) (any, error) {
		mu.Lock()
		order = append(order, item.ID)
		mu.Unlock()
		return nil, nil
	}

	s := newTestScheduler(t, process)

	opts := fastOptions().
		WithMaxChunkSize(1).
		WithMaxConcurrency(1).
		WithPriority(func(a, b Item) int {
			return a.Payload.(int) - b.Payload.(int)
		})

	run, err := s.Submit(context.Background(), makeItems(4), opts)
	require.NoError(t, err)

	summary := waitRun(t, run)

	want := []string{"essay-04", "essay-03", "essay-02", "essay-01"}
	mu.Lock()
	assert.Equal(t, want, order)
	mu.Unlock()

	for i, res := range summary.Results {
		assert.Equal(t, want[i], res.ItemID)
	}
}

func TestProcessorPanicFailsItem(t *testing.T) {
	process := func(ctx context.Context, item Item) (any, error) {
		if item.ID == "essay-02" {
			panic("rubric index out of range")
		}
		return "scored", nil
	}

	s := newTestScheduler(t, process)

	run, err := s.Submit(context.Background(), makeItems(3), fastOptions())
	require.NoError(t, err)

	summary := waitRun(t, run)

	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	failed := summary.FailedResults()
	require.Len(t, failed, 1)
	assert.Equal(t, "essay-02", failed[0].ItemID)
	assert.Equal(t, errs.KindUnknown, errs.KindOf(failed[0].Err))
	assert.True(t, strings.Contains(failed[0].Err.Error(), "processor panic"))
}

func TestObserverSeesMonotonicProgress(t *testing.T) {
	var mu sync.Mutex
	var percents []int
	var itemsDone []string
	runDone := make(chan Summary, 1)

	obs := ObserverFuncs{
		Snapshot: func(snap Snapshot) {
			mu.Lock()
			percents = append(percents, snap.Percent)
			mu.Unlock()
		},
		ItemDone: func(runID string, res ItemResult) {
			mu.Lock()
			itemsDone = append(itemsDone, res.ItemID)
			mu.Unlock()
		},
		RunDone: func(summary Summary) {
			runDone <- summary
		},
	}

	process := func(ctx context.Context, item Item) (any, error) {
		return nil, nil
	}

	s := newTestScheduler(t, process, WithObserver(obs))

	opts := fastOptions().WithMaxChunkSize(2).WithMaxConcurrency(1)

	run, err := s.Submit(context.Background(), makeItems(4), opts)
	require.NoError(t, err)
	waitRun(t, run)

	var summary Summary
	select {
	case summary = <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("run completion was never observed")
	}
	assert.Equal(t, StatusCompleted, summary.Status)

	mu.Lock()
	defer mu.Unlock()

	assert.Len(t, itemsDone, 4)

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100, percents[len(percents)-1])

	full := 0
	for _, pct := range percents {
		if pct == 100 {
			full++
		}
	}
	assert.Equal(t, 1, full, "only the terminal snapshot reports 100")
}

func TestThroughputSampling(t *testing.T) {
	release := make(chan struct{}, 4)
	process := func(ctx context.Context, item Item) (any, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := newTestScheduler(t, process)

	opts := fastOptions()
	opts.SpeedInterval = 10 * time.Millisecond

	run, err := s.Submit(context.Background(), makeItems(4), opts)
	require.NoError(t, err)

	release <- struct{}{}
	release <- struct{}{}

	require.Eventually(t, func() bool {
		snap := run.Snapshot()
		return snap.Processed >= 2 && snap.RatePerMinute > 0 && snap.ETAMinutes > 0
	}, 2*time.Second, 5*time.Millisecond)

	release <- struct{}{}
	release <- struct{}{}

	summary := waitRun(t, run)
	assert.Equal(t, StatusCompleted, summary.Status)
}

func TestFinalizeAfterRunError(t *testing.T) {
	run := newBareRun(makeItems(2))

	run.fail(errors.New("grading backend unreachable"))
	run.finalize()

	assert.Equal(t, StatusFailed, run.Status())

	summary, ok := run.Summary()
	require.True(t, ok)
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, 2, summary.Skipped)
	assert.Less(t, run.Snapshot().Percent, 100)

	select {
	case <-run.Done():
	default:
		t.Fatal("done channel should be closed after finalize")
	}
}

func TestFinalizeCancelledBeforeStart(t *testing.T) {
	run := newBareRun(makeItems(3))
	run.status = StatusPending
	run.cancelled = true

	run.finalize()

	assert.Equal(t, StatusCancelled, run.Status())

	summary, ok := run.Summary()
	require.True(t, ok)
	assert.Equal(t, 3, summary.Skipped)
	assert.Zero(t, run.Snapshot().Percent)
}
