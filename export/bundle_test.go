package export_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZhiquAI/zhiyue3.0-sub004/batch"
	"github.com/ZhiquAI/zhiyue3.0-sub004/export"
)

func sampleSummary() batch.Summary {
	finished := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return batch.Summary{
		RunID:      "run-1",
		Status:     batch.StatusCompleted,
		Total:      3,
		Succeeded:  1,
		Failed:     1,
		Skipped:    1,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
		Results: []batch.ItemResult{
			{
				ItemID:   "essay-01",
				Output:   map[string]any{"score": 87},
				Attempts: []batch.Attempt{{Number: 1}},
			},
			{
				ItemID:   "essay-02",
				Err:      errors.New("ocr failed"),
				Attempts: []batch.Attempt{{Number: 1}, {Number: 2}, {Number: 3}},
			},
			{
				ItemID:  "essay-03",
				Skipped: true,
			},
		},
	}
}

func TestBuildClassifiesOutcomes(t *testing.T) {
	sum := sampleSummary()
	bundle := export.Build(sum)

	assert.Equal(t, sum.FinishedAt, bundle.Timestamp)
	assert.Equal(t, 3, bundle.TotalCount)
	require.Len(t, bundle.Results, 3)

	succeeded := bundle.Results[0]
	assert.Equal(t, "essay-01", succeeded.ItemID)
	assert.Equal(t, export.StatusSucceeded, succeeded.Status)
	assert.NotNil(t, succeeded.Output)
	assert.Empty(t, succeeded.Error)
	assert.Equal(t, 1, succeeded.Attempts)

	failed := bundle.Results[1]
	assert.Equal(t, export.StatusFailed, failed.Status)
	assert.Equal(t, "ocr failed", failed.Error)
	assert.Nil(t, failed.Output)
	assert.Equal(t, 3, failed.Attempts)

	skipped := bundle.Results[2]
	assert.Equal(t, export.StatusSkipped, skipped.Status)
	assert.Zero(t, skipped.Attempts)
}

func TestBuildStampsMissingTimestamp(t *testing.T) {
	sum := sampleSummary()
	sum.FinishedAt = time.Time{}

	before := time.Now().UTC()
	bundle := export.Build(sum)

	assert.False(t, bundle.Timestamp.Before(before))
}

func TestBundleWireShape(t *testing.T) {
	bundle := export.Build(sampleSummary())

	data, err := json.Marshal(bundle)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	// The envelope field names are a contract with the dashboard.
	assert.Contains(t, decoded, "timestamp")
	assert.Contains(t, decoded, "totalCount")
	assert.Contains(t, decoded, "results")

	results, ok := decoded["results"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, results)

	first, ok := results[0].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, first, "itemId")
	assert.Contains(t, first, "status")
	assert.Contains(t, first, "attempts")
}
