package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
	"github.com/ZhiquAI/zhiyue3.0-sub004/logger"
	"github.com/ZhiquAI/zhiyue3.0-sub004/metrics"
)

var (
	// ErrNilProcess is returned when constructing a scheduler without a
	// processor.
	ErrNilProcess = errors.New("process function must not be nil")
	// ErrSchedulerClosed is returned by Submit after Close.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)

// Scheduler creates and tracks batch runs. The processor is injected once;
// each Submit gets its own options, chunking and lifecycle.
type Scheduler struct {
	process ProcessFunc
	log     logger.Logger
	metrics *metrics.BatchMetrics
	obs     observers

	mu     sync.Mutex
	active map[string]*Run
	closed bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(log logger.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics attaches batch metrics collectors.
func WithMetrics(m *metrics.BatchMetrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithObserver subscribes an observer to every run this scheduler creates.
func WithObserver(o Observer) SchedulerOption {
	return func(s *Scheduler) {
		if o != nil {
			s.obs = append(s.obs, o)
		}
	}
}

// NewScheduler creates a scheduler around the injected processor.
func NewScheduler(process ProcessFunc, opts ...SchedulerOption) (*Scheduler, error) {
	if process == nil {
		return nil, ErrNilProcess
	}

	s := &Scheduler{
		process: process,
		log:     logger.NewNop(),
		active:  make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.String("component", "batch"))
	return s, nil
}

// Submit validates the request and starts a run. The returned handle is live
// immediately; the batch processes in the background.
func (s *Scheduler) Submit(ctx context.Context, items []Item, opts Options) (*Run, error) {
	opts, err := validateOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := validateItems(items); err != nil {
		return nil, err
	}

	sorted := make([]Item, len(items))
	copy(sorted, items)
	if opts.Priority != nil {
		sort.SliceStable(sorted, func(i, j int) bool {
			return opts.Priority(sorted[i], sorted[j]) > 0
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		id:       uuid.NewString(),
		opts:     opts,
		items:    sorted,
		total:    len(sorted),
		process:  s.process,
		log:      s.log,
		metrics:  s.metrics,
		obs:      s.obs,
		ctx:      runCtx,
		cancelFn: cancel,
		status:   StatusPending,
		results:  make(map[string]ItemResult, len(sorted)),
		done:     make(chan struct{}),
	}
	run.onFinished = func(id string) {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrSchedulerClosed
	}
	s.active[run.id] = run
	s.mu.Unlock()

	s.log.Info("Run submitted",
		logger.String("run_id", run.id),
		logger.Int("items", run.total),
		logger.Int("chunk_size", opts.MaxChunkSize),
		logger.Int("concurrency", opts.MaxConcurrency),
		logger.Bool("auto_retry", opts.AutoRetry),
	)
	s.metrics.RecordRunStarted()

	go run.loop()
	return run, nil
}

// Lookup returns a live run by ID. Finished runs drop out of the registry.
func (s *Scheduler) Lookup(id string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[id]
	return run, ok
}

// Active returns the currently tracked runs.
func (s *Scheduler) Active() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]*Run, 0, len(s.active))
	for _, r := range s.active {
		runs = append(runs, r)
	}
	return runs
}

// Close cancels every active run and waits for them to drain or for ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	runs := make([]*Run, 0, len(s.active))
	for _, r := range s.active {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.Cancel()
	}
	for _, r := range runs {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return fmt.Errorf("scheduler close: %w", ctx.Err())
		}
	}
	return nil
}

func validateItems(items []Item) error {
	if len(items) == 0 {
		return errs.New(errs.KindValidation, "batch.submit", "no items to process")
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.ID == "" {
			return errs.New(errs.KindValidation, "batch.submit", "item with empty id")
		}
		if _, dup := seen[item.ID]; dup {
			return errs.Newf(errs.KindValidation, "batch.submit", "duplicate item id %q", item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}

// chunkItems slices items into ordered chunks of at most size each.
func chunkItems(items []Item, size int) [][]Item {
	chunks := make([][]Item, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// loop drives the run: chunks strictly in order, pause gate before each
// chunk, adaptive wait between chunks.
func (r *Run) loop() {
	defer r.cancelFn()
	defer r.finalize()
	defer func() {
		if rec := recover(); rec != nil {
			r.fail(errs.Newf(errs.KindUnknown, "batch.run", "run aborted: %v", rec))
		}
	}()

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.status = StatusRunning
	r.startedAt = time.Now().UTC()
	r.mu.Unlock()

	go r.sampleSpeed()

	sem := make(chan struct{}, r.opts.MaxConcurrency)
	for i, chunk := range chunkItems(r.items, r.opts.MaxChunkSize) {
		if i > 0 {
			r.interChunkWait()
		}
		if !r.waitGate() {
			return
		}

		r.log.Debug("Starting chunk",
			logger.String("run_id", r.id),
			logger.Int("chunk", i+1),
			logger.Int("size", len(chunk)),
		)
		r.runChunk(chunk, sem)

		if r.ctx.Err() != nil {
			return
		}
	}
}

// runChunk dispatches one chunk. The semaphore bounds in-flight items; a
// goroutine holds its slot across retries so backoff never frees capacity
// the next item would overcommit.
func (r *Run) runChunk(chunk []Item, sem chan struct{}) {
	started := time.Now()
	var wg sync.WaitGroup

dispatch:
	for _, item := range chunk {
		select {
		case sem <- struct{}{}:
		case <-r.ctx.Done():
			break dispatch
		}

		wg.Add(1)
		go func(it Item) {
			defer wg.Done()
			defer func() { <-sem }()
			r.processItem(it)
		}(item)
	}

	wg.Wait()
	r.metrics.ObserveChunk(time.Since(started))
}

// processItem runs the attempt loop for a single item. Failures of one item
// never abort the batch; they settle into the results and the chunk moves on.
func (r *Run) processItem(item Item) {
	var attempts []Attempt

	for attempt := 1; ; attempt++ {
		started := time.Now()
		r.metrics.IncInFlight()
		out, err := r.invoke(item)
		r.metrics.DecInFlight()
		attempts = append(attempts, Attempt{
			Number:    attempt,
			StartedAt: started,
			Duration:  time.Since(started),
			Err:       err,
		})

		if err == nil {
			r.settle(ItemResult{ItemID: item.ID, Output: out, Attempts: attempts})
			return
		}

		if r.ctx.Err() != nil || errs.IsCancelled(err) {
			r.settle(ItemResult{ItemID: item.ID, Err: err, Skipped: true, Attempts: attempts})
			return
		}

		if !r.opts.AutoRetry || !r.opts.Retry.ShouldRetry(err, attempt) {
			r.log.Warn("Item failed",
				logger.String("run_id", r.id),
				logger.String("item_id", item.ID),
				logger.Int("attempts", attempt),
				logger.Error(err),
			)
			r.settle(ItemResult{ItemID: item.ID, Err: err, Attempts: attempts})
			return
		}

		delay := r.opts.Retry.DelayFor(err, attempt)
		r.log.Debug("Retrying item",
			logger.String("run_id", r.id),
			logger.String("item_id", item.ID),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err),
		)
		r.metrics.RecordRetry()

		select {
		case <-r.ctx.Done():
			r.settle(ItemResult{ItemID: item.ID, Err: err, Skipped: true, Attempts: attempts})
			return
		case <-time.After(delay):
		}
	}
}

// invoke calls the processor, converting a panic into a failed attempt so a
// bad grading plugin cannot take the whole run down.
func (r *Run) invoke(item Item) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Newf(errs.KindUnknown, "batch.process", "processor panic: %v", rec)
		}
	}()
	return r.process(r.ctx, item)
}
