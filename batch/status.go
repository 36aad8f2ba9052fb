package batch

import "fmt"

// Status is the lifecycle state of a batch run.
type Status string

const (
	// StatusPending means the run is created but not yet started.
	StatusPending Status = "pending"
	// StatusRunning means chunks are being processed.
	StatusRunning Status = "running"
	// StatusPaused means no new chunk will start until resumed.
	StatusPaused Status = "paused"
	// StatusCompleted means every item settled and the run finished.
	// Per-item failures do not prevent completion.
	StatusCompleted Status = "completed"
	// StatusFailed means the run itself aborted before finishing.
	StatusFailed Status = "failed"
	// StatusCancelled means the caller aborted the run.
	StatusCancelled Status = "cancelled"
)

// validTransitions defines the allowed status transitions.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled, StatusFailed},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// ValidTransition reports whether a run may move from one status to another.
func ValidTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanPause reports whether a run in this status accepts Pause.
func (s Status) CanPause() bool {
	return s == StatusRunning
}

// CanResume reports whether a run in this status accepts Resume.
func (s Status) CanResume() bool {
	return s == StatusPaused
}

// CanCancel reports whether a run in this status accepts Cancel.
func (s Status) CanCancel() bool {
	return s == StatusPending || s == StatusRunning || s == StatusPaused
}

// String returns the status name.
func (s Status) String() string {
	return string(s)
}

// PercentFor derives the progress percentage from settled counts.
// It is 0 before anything settles and reaches exactly 100 only once the run
// is completed; a run that is still draining, was cancelled, or aborted tops
// out at 99 no matter how many items settled.
func PercentFor(processed, total int, status Status) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	pct := int(float64(processed)/float64(total)*100 + 0.5)
	if pct > 100 {
		pct = 100
	}
	if pct == 100 && status != StatusCompleted {
		return 99
	}
	return pct
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
