// Package batch processes grading work items in ordered chunks with bounded
// concurrency, per-item retries, pause/resume and cancellation.
package batch

import "time"

// Item is one unit of grading work. The payload is opaque to the scheduler;
// only the injected ProcessFunc interprets it.
type Item struct {
	ID      string
	Payload any
}

// Attempt records a single execution of an item.
type Attempt struct {
	Number    int
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// ItemResult is the terminal outcome of one item.
type ItemResult struct {
	ItemID string
	// Output is the processor's result when the item succeeded.
	Output any
	// Err is the final error when the item failed.
	Err error
	// Skipped marks items that never finished because the run was
	// cancelled or aborted.
	Skipped  bool
	Attempts []Attempt
}

// Succeeded reports whether the item settled successfully.
func (r ItemResult) Succeeded() bool {
	return !r.Skipped && r.Err == nil
}

// Summary is the terminal result of a run. Counts always account for every
// item: Succeeded + Failed + Skipped == Total.
type Summary struct {
	RunID      string
	Status     Status
	Total      int
	Succeeded  int
	Failed     int
	Skipped    int
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []ItemResult
}

// SucceededResults returns the results of items that succeeded.
func (s Summary) SucceededResults() []ItemResult {
	out := make([]ItemResult, 0, s.Succeeded)
	for _, r := range s.Results {
		if r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// FailedResults returns the results of items that failed.
func (s Summary) FailedResults() []ItemResult {
	out := make([]ItemResult, 0, s.Failed)
	for _, r := range s.Results {
		if !r.Skipped && r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot is a point-in-time view of a run's progress.
// Processed = Succeeded + Failed + Skipped, counting settled items only.
type Snapshot struct {
	RunID         string
	Status        Status
	Total         int
	Succeeded     int
	Failed        int
	Skipped       int
	Processed     int
	Percent       int
	RatePerMinute float64
	ETAMinutes    float64
	UpdatedAt     time.Time
}
