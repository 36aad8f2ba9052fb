package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
	"github.com/ZhiquAI/zhiyue3.0-sub004/retry"
)

// Default option values.
const (
	DefaultMaxChunkSize      = 10
	DefaultMaxConcurrency    = 3
	DefaultRetryLimit        = 3
	DefaultMaxInterChunkWait = 2 * time.Second
	DefaultSpeedInterval     = 5 * time.Second
)

var (
	errChunkSize      = errors.New("max chunk size must be positive")
	errConcurrency    = errors.New("max concurrency must be positive")
	errRetryLimit     = errors.New("retry limit must be positive")
	errInterChunkWait = errors.New("max inter-chunk wait must not be negative")
	errSpeedInterval  = errors.New("speed interval must be positive")
)

// Options configures one batch run. The zero value of a field selects its
// default; out-of-range values fail Submit instead of being clamped.
type Options struct {
	// MaxChunkSize is the number of items per chunk.
	MaxChunkSize int
	// MaxConcurrency bounds in-flight items within a chunk.
	MaxConcurrency int
	// AutoRetry enables per-item retries on retryable failures.
	AutoRetry bool
	// RetryLimit is the total attempt budget per item, including the first.
	RetryLimit int
	// Priority orders items before chunking. It returns a positive value
	// when a should run before b. Nil keeps submission order.
	Priority func(a, b Item) int
	// Retry controls backoff between attempts. Zero value takes defaults
	// with MaxAttempts bound to RetryLimit.
	Retry retry.Policy
	// MaxInterChunkWait caps the adaptive delay inserted between chunks.
	// The actual wait scales with the rolling error rate and is skipped
	// entirely while the error rate is zero.
	MaxInterChunkWait time.Duration
	// SpeedInterval is the sampling period for throughput estimation.
	SpeedInterval time.Duration
}

// DefaultOptions returns options with default values.
func DefaultOptions() Options {
	return Options{
		MaxChunkSize:      DefaultMaxChunkSize,
		MaxConcurrency:    DefaultMaxConcurrency,
		RetryLimit:        DefaultRetryLimit,
		MaxInterChunkWait: DefaultMaxInterChunkWait,
		SpeedInterval:     DefaultSpeedInterval,
	}
}

// withDefaults fills unset fields.
func (o Options) withDefaults() Options {
	if o.MaxChunkSize == 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.MaxConcurrency == 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.RetryLimit == 0 {
		o.RetryLimit = DefaultRetryLimit
	}
	if o.MaxInterChunkWait == 0 {
		o.MaxInterChunkWait = DefaultMaxInterChunkWait
	}
	if o.SpeedInterval == 0 {
		o.SpeedInterval = DefaultSpeedInterval
	}
	if o.Retry == (retry.Policy{}) {
		o.Retry = retry.DefaultPolicy()
	}
	o.Retry.MaxAttempts = o.RetryLimit
	return o
}

// Validate checks the options for invalid values.
func (o Options) Validate() error {
	if o.MaxChunkSize < 1 {
		return errChunkSize
	}
	if o.MaxConcurrency < 1 {
		return errConcurrency
	}
	if o.RetryLimit < 1 {
		return errRetryLimit
	}
	if o.MaxInterChunkWait < 0 {
		return errInterChunkWait
	}
	if o.SpeedInterval <= 0 {
		return errSpeedInterval
	}
	if err := o.Retry.Validate(); err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	return nil
}

// WithMaxChunkSize returns a copy with the given chunk size.
func (o Options) WithMaxChunkSize(n int) Options {
	o.MaxChunkSize = n
	return o
}

// WithMaxConcurrency returns a copy with the given concurrency bound.
func (o Options) WithMaxConcurrency(n int) Options {
	o.MaxConcurrency = n
	return o
}

// WithAutoRetry returns a copy with retries enabled and the given budget.
func (o Options) WithAutoRetry(limit int) Options {
	o.AutoRetry = true
	o.RetryLimit = limit
	return o
}

// WithPriority returns a copy ordering items by the comparator.
func (o Options) WithPriority(cmp func(a, b Item) int) Options {
	o.Priority = cmp
	return o
}

// validateOptions normalizes and validates submit options.
func validateOptions(o Options) (Options, error) {
	// Negative values are checked before defaulting so a caller error is
	// reported rather than silently corrected.
	if o.MaxChunkSize < 0 {
		return o, errs.Wrap(errs.KindValidation, "batch.submit", errChunkSize)
	}
	if o.MaxConcurrency < 0 {
		return o, errs.Wrap(errs.KindValidation, "batch.submit", errConcurrency)
	}
	if o.RetryLimit < 0 {
		return o, errs.Wrap(errs.KindValidation, "batch.submit", errRetryLimit)
	}

	o = o.withDefaults()
	if err := o.Validate(); err != nil {
		return o, errs.Wrap(errs.KindValidation, "batch.submit", err)
	}
	return o, nil
}
