package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
	"github.com/ZhiquAI/zhiyue3.0-sub004/logger"
	"github.com/ZhiquAI/zhiyue3.0-sub004/metrics"
)

var (
	// ErrInvalidTransition is returned for a pause or resume that does not
	// apply to the run's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRunFinished is returned when controlling a terminal run.
	ErrRunFinished = errors.New("run already finished")
)

// ProcessFunc executes one work item. The context carries the run's cancel
// signal; implementations should return promptly once it is done.
type ProcessFunc func(ctx context.Context, item Item) (any, error)

// Run is a live batch run handle. It is created by Scheduler.Submit and is
// safe for concurrent use.
type Run struct {
	id      string
	opts    Options
	items   []Item
	total   int
	process ProcessFunc
	log     logger.Logger
	metrics *metrics.BatchMetrics
	obs     observers

	ctx      context.Context
	cancelFn context.CancelFunc

	mu         sync.Mutex
	status     Status
	resumeCh   chan struct{} // non-nil while paused
	cancelled  bool
	runErr     error
	results    map[string]ItemResult
	succeeded  int
	failed     int
	skipped    int
	percent    int
	rate       float64
	eta        float64
	startedAt  time.Time
	finishedAt time.Time
	summary    *Summary

	done       chan struct{}
	onFinished func(runID string)
}

// ID returns the run identifier.
func (r *Run) ID() string {
	return r.id
}

// Status returns the current lifecycle status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Snapshot returns a point-in-time progress view. Counts cover settled items
// only; a cancelled run's snapshot keeps the values it had when processing
// stopped while Summary accounts for every item.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Done returns a channel closed when the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Summary returns the terminal summary once the run has finished.
func (r *Run) Summary() (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.summary == nil {
		return Summary{}, false
	}
	return *r.summary, true
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-r.done:
		summary, _ := r.Summary()
		return summary, nil
	case <-ctx.Done():
		return Summary{}, errs.Wrap(errs.KindCancelled, "batch.wait", ctx.Err())
	}
}

// Pause stops new chunks from starting. Items already in flight finish
// normally; they are never interrupted.
func (r *Run) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() || r.cancelled {
		return ErrRunFinished
	}
	if !r.status.CanPause() {
		return invalidTransition(r.status, StatusPaused)
	}

	r.status = StatusPaused
	r.resumeCh = make(chan struct{})
	r.log.Info("Run paused", logger.String("run_id", r.id))
	return nil
}

// Resume reopens the gate so the next chunk may start.
func (r *Run) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() || r.cancelled {
		return ErrRunFinished
	}
	if !r.status.CanResume() {
		return invalidTransition(r.status, StatusRunning)
	}

	r.status = StatusRunning
	close(r.resumeCh)
	r.resumeCh = nil
	r.log.Info("Run resumed", logger.String("run_id", r.id))
	return nil
}

// Cancel aborts the run: queued items are abandoned and in-flight items see
// their context cancelled. Completed results are preserved. Cancelling a
// finished or already-cancelled run is a no-op.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.status.Terminal() || r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.mu.Unlock()

	r.log.Info("Run cancel requested", logger.String("run_id", r.id))
	r.cancelFn()
}

// snapshotLocked builds a Snapshot. Callers must hold r.mu.
func (r *Run) snapshotLocked() Snapshot {
	return Snapshot{
		RunID:         r.id,
		Status:        r.status,
		Total:         r.total,
		Succeeded:     r.succeeded,
		Failed:        r.failed,
		Skipped:       r.skipped,
		Processed:     r.succeeded + r.failed + r.skipped,
		Percent:       r.percent,
		RatePerMinute: r.rate,
		ETAMinutes:    r.eta,
		UpdatedAt:     time.Now().UTC(),
	}
}

// settle records an item's terminal outcome and publishes a snapshot.
func (r *Run) settle(res ItemResult) {
	r.mu.Lock()
	if _, dup := r.results[res.ItemID]; dup {
		r.mu.Unlock()
		return
	}
	r.results[res.ItemID] = res

	switch {
	case res.Skipped:
		r.skipped++
	case res.Err != nil:
		r.failed++
	default:
		r.succeeded++
	}

	processed := r.succeeded + r.failed + r.skipped
	if pct := PercentFor(processed, r.total, r.status); pct > r.percent {
		r.percent = pct
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.metrics.RecordItem(outcomeOf(res), len(res.Attempts))
	r.obs.itemDone(r.id, res)
	r.obs.snapshot(snap)
}

func outcomeOf(res ItemResult) string {
	switch {
	case res.Skipped:
		return "skipped"
	case res.Err != nil:
		return "failed"
	default:
		return "succeeded"
	}
}

// waitGate blocks while the run is paused. It returns false once the run is
// cancelled.
func (r *Run) waitGate() bool {
	for {
		r.mu.Lock()
		ch := r.resumeCh
		r.mu.Unlock()

		if ch == nil {
			return r.ctx.Err() == nil
		}

		select {
		case <-ch:
		case <-r.ctx.Done():
			return false
		}
	}
}

// interChunkWait inserts the adaptive delay between chunks. The wait scales
// with the rolling error rate and is skipped while no item has failed.
func (r *Run) interChunkWait() {
	r.mu.Lock()
	processed := r.succeeded + r.failed + r.skipped
	failed := r.failed
	r.mu.Unlock()

	if failed == 0 || processed == 0 {
		return
	}

	errorRate := float64(failed) / float64(processed)
	wait := time.Duration(errorRate * float64(r.opts.MaxInterChunkWait))
	if wait <= 0 {
		return
	}

	r.log.Debug("Backing off between chunks",
		logger.String("run_id", r.id),
		logger.Float64("error_rate", errorRate),
		logger.Duration("wait", wait),
	)

	select {
	case <-r.ctx.Done():
	case <-time.After(wait):
	}
}

// sampleSpeed recomputes throughput on a fixed interval rather than after
// every item, which keeps the estimate stable on noisy workloads.
func (r *Run) sampleSpeed() {
	ticker := time.NewTicker(r.opts.SpeedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.startedAt.IsZero() {
				r.mu.Unlock()
				continue
			}
			processed := r.succeeded + r.failed + r.skipped
			elapsed := time.Since(r.startedAt).Minutes()
			if elapsed > 0 && processed > 0 {
				r.rate = float64(processed) / elapsed
				if r.rate > 0 {
					r.eta = float64(r.total-processed) / r.rate
				}
			}
			snap := r.snapshotLocked()
			r.mu.Unlock()

			r.obs.snapshot(snap)
		}
	}
}

// finalize settles the run into its terminal status and builds the summary.
// Items never dispatched are reported as skipped in the summary; the
// snapshot keeps its settled-only counts so percent stays frozen for
// cancelled and aborted runs.
func (r *Run) finalize() {
	r.mu.Lock()

	results := make([]ItemResult, 0, r.total)
	summarySkipped := r.skipped
	for _, item := range r.items {
		if res, ok := r.results[item.ID]; ok {
			results = append(results, res)
			continue
		}
		results = append(results, ItemResult{ItemID: item.ID, Skipped: true})
		summarySkipped++
	}

	var terminal Status
	switch {
	case r.cancelled || (r.runErr == nil && r.ctx.Err() != nil):
		terminal = StatusCancelled
	case r.runErr != nil:
		terminal = StatusFailed
	default:
		terminal = StatusCompleted
	}

	if !ValidTransition(r.status, terminal) {
		// Paused runs can only end by cancellation; anything else here is
		// a programming error worth surfacing in logs.
		r.log.Error("Unexpected terminal transition",
			logger.String("run_id", r.id),
			logger.String("from", r.status.String()),
			logger.String("to", terminal.String()),
		)
	}
	r.status = terminal

	if terminal == StatusCompleted {
		r.percent = PercentFor(r.total, r.total, StatusCompleted)
	}
	r.finishedAt = time.Now().UTC()

	summary := Summary{
		RunID:      r.id,
		Status:     terminal,
		Total:      r.total,
		Succeeded:  r.succeeded,
		Failed:     r.failed,
		Skipped:    summarySkipped,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Results:    results,
	}
	r.summary = &summary
	snap := r.snapshotLocked()
	var duration time.Duration
	if !r.startedAt.IsZero() {
		duration = r.finishedAt.Sub(r.startedAt)
	}
	r.mu.Unlock()

	r.metrics.RecordRun(terminal.String(), duration)
	r.log.Info("Run finished",
		logger.String("run_id", r.id),
		logger.String("status", terminal.String()),
		logger.Int("succeeded", summary.Succeeded),
		logger.Int("failed", summary.Failed),
		logger.Int("skipped", summary.Skipped),
		logger.Duration("duration", duration),
	)

	if r.onFinished != nil {
		r.onFinished(r.id)
	}
	close(r.done)

	r.obs.snapshot(snap)
	r.obs.runDone(summary)
}

func (r *Run) fail(err error) {
	r.mu.Lock()
	if r.runErr == nil {
		r.runErr = err
	}
	r.mu.Unlock()
	r.cancelFn()
}
