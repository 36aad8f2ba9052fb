// Package export renders terminal run results as the downloadable JSON
// bundle and delivers it to file and HTTP sinks.
package export

import (
	"time"

	"github.com/ZhiquAI/zhiyue3.0-sub004/batch"
)

// Record statuses. Every item renders exactly one of the three.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Record is one item's outcome in the bundle.
type Record struct {
	ItemID   string `json:"itemId"`
	Status   string `json:"status"`
	Output   any    `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

// Bundle is the downloadable results artifact. The envelope shape is a
// contract with the dashboard; the record outputs inside are caller-defined.
type Bundle struct {
	Timestamp  time.Time `json:"timestamp"`
	TotalCount int       `json:"totalCount"`
	Results    []Record  `json:"results"`
}

// Build flattens a terminal run summary into the export bundle. Records
// keep the submission order of the summary.
func Build(sum batch.Summary) Bundle {
	results := make([]Record, 0, len(sum.Results))
	for _, r := range sum.Results {
		rec := Record{
			ItemID:   r.ItemID,
			Attempts: len(r.Attempts),
		}
		switch {
		case r.Skipped:
			rec.Status = StatusSkipped
		case r.Err != nil:
			rec.Status = StatusFailed
			rec.Error = r.Err.Error()
		default:
			rec.Status = StatusSucceeded
			rec.Output = r.Output
		}
		results = append(results, rec)
	}

	ts := sum.FinishedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return Bundle{
		Timestamp:  ts,
		TotalCount: sum.Total,
		Results:    results,
	}
}
