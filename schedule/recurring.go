// Package schedule runs recurring grading submissions on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
	"github.com/ZhiquAI/zhiyue3.0-sub004/logger"
)

var (
	// ErrJobExists is returned when adding a job under a name already in
	// use. Remove the old job first.
	ErrJobExists = errors.New("job already registered")
	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")

	errEmptyJobName = errors.New("job name must not be empty")
	errNilJob       = errors.New("job must not be nil")
)

// Job is one scheduled unit of work. The context is cancelled when the
// scheduler stops; long jobs must honor it.
type Job func(ctx context.Context)

// Recurring runs named jobs on cron schedules. Specs use the standard
// five-field form or the six-field form with a leading seconds field.
type Recurring struct {
	log  logger.Logger
	cron *cron.Cron

	mu       sync.Mutex
	entries  map[string]cron.EntryID
	ctx      context.Context
	cancelFn context.CancelFunc
	started  bool
}

// Option configures a Recurring scheduler.
type Option func(*Recurring)

// WithLogger sets the scheduler's logger.
func WithLogger(log logger.Logger) Option {
	return func(r *Recurring) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRecurring creates a stopped scheduler with no jobs.
func NewRecurring(opts ...Option) *Recurring {
	r := &Recurring{
		log:     logger.NewNop(),
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logger.String("component", "schedule"))
	return r
}

// Add registers a named job. Jobs may be added before or after Start.
func (r *Recurring) Add(name, spec string, job Job) error {
	if name == "" {
		return errs.Wrap(errs.KindValidation, "schedule.add", errEmptyJobName)
	}
	if job == nil {
		return errs.Wrap(errs.KindValidation, "schedule.add", errNilJob)
	}
	normalized, err := normalizeSpec(spec)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "schedule.add", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%q: %w", name, ErrJobExists)
	}

	jobName := name
	entryID, err := r.cron.AddFunc(normalized, func() {
		r.log.Info("Job triggered", logger.String("job", jobName))
		job(r.jobContext())
	})
	if err != nil {
		return errs.Wrap(errs.KindValidation, "schedule.add", err)
	}
	r.entries[name] = entryID

	r.log.Info("Job scheduled",
		logger.String("job", name),
		logger.String("spec", normalized),
	)
	return nil
}

// Remove unschedules a named job, reporting whether it existed.
func (r *Recurring) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entryID, exists := r.entries[name]
	if !exists {
		return false
	}
	r.cron.Remove(entryID)
	delete(r.entries, name)
	r.log.Info("Job removed", logger.String("job", name))
	return true
}

// Jobs returns the registered job names.
func (r *Recurring) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// NextRun returns when a named job fires next. The zero time means the job
// is unknown or the scheduler has not started.
func (r *Recurring) NextRun(name string) (time.Time, bool) {
	r.mu.Lock()
	entryID, exists := r.entries[name]
	r.mu.Unlock()
	if !exists {
		return time.Time{}, false
	}
	return r.cron.Entry(entryID).Next, true
}

// Start begins firing jobs. The given context parents every job context.
func (r *Recurring) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	r.ctx, r.cancelFn = context.WithCancel(ctx)
	r.started = true
	r.cron.Start()
	r.log.Info("Scheduler started", logger.Int("jobs", len(r.entries)))
	return nil
}

// Stop cancels job contexts and waits for running jobs to return. The
// scheduler may be started again.
func (r *Recurring) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancelFn
	r.cancelFn = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-r.cron.Stop().Done()
	r.log.Info("Scheduler stopped")
}

func (r *Recurring) jobContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

// normalizeSpec accepts five-field cron specs by prepending a seconds field,
// so operators can paste standard crontab lines. Descriptors like @daily
// pass through.
func normalizeSpec(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if strings.HasPrefix(spec, "@") {
		if _, err := cron.ParseStandard(spec); err != nil {
			return "", fmt.Errorf("invalid cron spec: %w", err)
		}
		return spec, nil
	}
	fields := strings.Fields(spec)

	switch len(fields) {
	case 5:
		if _, err := cron.ParseStandard(spec); err != nil {
			return "", fmt.Errorf("invalid cron spec: %w", err)
		}
		return "0 " + spec, nil
	case 6:
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(spec); err != nil {
			return "", fmt.Errorf("invalid cron spec: %w", err)
		}
		return spec, nil
	default:
		return "", fmt.Errorf("invalid cron spec: expected 5 or 6 fields, got %d", len(fields))
	}
}
