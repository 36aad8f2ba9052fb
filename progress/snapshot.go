package progress

import (
	"time"

	"github.com/ZhiquAI/zhiyue3.0-sub004/batch"
)

// Source identifies which side produced a snapshot.
type Source string

// Snapshot sources.
const (
	// SourceLocal marks progress measured by the in-process scheduler.
	SourceLocal Source = "local"
	// SourceRemote marks progress pushed by the backend over the realtime
	// channel.
	SourceRemote Source = "remote"
)

// Snapshot is the merged, UI-facing progress view for one run. Processed and
// OverallPercent are always derived from the counts, never carried through
// from a payload.
type Snapshot struct {
	RunID          string
	Status         string
	OverallPercent int
	Processed      int
	Total          int
	Succeeded      int
	Failed         int
	Skipped        int
	RatePerMinute  float64
	ETAMinutes     float64
	Source         Source
	UpdatedAt      time.Time
}

// normalize recomputes the derived fields from the counts. The percent
// follows the scheduler's rule: exactly 100 only once a run completed, so a
// cancelled run with every leftover item skipped still reads 99.
func (s *Snapshot) normalize() {
	s.Processed = s.Succeeded + s.Failed + s.Skipped
	s.OverallPercent = batch.PercentFor(s.Processed, s.Total, batch.Status(s.Status))
}

// fromBatchSnapshot converts a scheduler snapshot into the merged view.
func fromBatchSnapshot(snap batch.Snapshot) Snapshot {
	s := Snapshot{
		RunID:         snap.RunID,
		Status:        snap.Status.String(),
		Total:         snap.Total,
		Succeeded:     snap.Succeeded,
		Failed:        snap.Failed,
		Skipped:       snap.Skipped,
		RatePerMinute: snap.RatePerMinute,
		ETAMinutes:    snap.ETAMinutes,
		Source:        SourceLocal,
		UpdatedAt:     snap.UpdatedAt,
	}
	s.normalize()
	return s
}

// fromBatchSummary converts a terminal run summary into the merged view.
func fromBatchSummary(sum batch.Summary) Snapshot {
	s := Snapshot{
		RunID:     sum.RunID,
		Status:    sum.Status.String(),
		Total:     sum.Total,
		Succeeded: sum.Succeeded,
		Failed:    sum.Failed,
		Skipped:   sum.Skipped,
		Source:    SourceLocal,
		UpdatedAt: sum.FinishedAt,
	}
	s.normalize()
	return s
}
