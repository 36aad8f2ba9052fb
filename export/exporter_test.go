package export_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
	"github.com/ZhiquAI/zhiyue3.0-sub004/export"
)

type stubSink struct {
	delivered []export.Bundle
	fail      error
}

func (s *stubSink) Deliver(ctx context.Context, bundle export.Bundle) error {
	if s.fail != nil {
		return s.fail
	}
	s.delivered = append(s.delivered, bundle)
	return nil
}

func TestExporterFansOut(t *testing.T) {
	first := &stubSink{}
	second := &stubSink{}
	exp := export.NewExporter(nil, first, second)

	bundle := export.Build(sampleSummary())
	require.NoError(t, exp.Export(context.Background(), bundle))

	assert.Len(t, first.delivered, 1)
	assert.Len(t, second.delivered, 1)
}

func TestExporterFailingSinkDoesNotStopOthers(t *testing.T) {
	broken := &stubSink{fail: errors.New("disk full")}
	working := &stubSink{}
	exp := export.NewExporter(nil, broken, working)

	err := exp.Export(context.Background(), export.Build(sampleSummary()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, working.delivered, 1)
}

func TestFileSinkWritesBundle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports", "nested")
	sink := export.NewFileSink(dir)

	bundle := export.Build(sampleSummary())
	require.NoError(t, sink.Deliver(context.Background(), bundle))

	matches, err := filepath.Glob(filepath.Join(dir, "results_*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)

	var decoded export.Bundle
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, bundle.TotalCount, decoded.TotalCount)
	require.Len(t, decoded.Results, len(bundle.Results))
	assert.Equal(t, "essay-01", decoded.Results[0].ItemID)
	assert.True(t, bundle.Timestamp.Equal(decoded.Timestamp))
}

func TestFileSinkCancelledContext(t *testing.T) {
	dir := t.TempDir()
	sink := export.NewFileSink(dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sink.Deliver(ctx, export.Build(sampleSummary()))
	require.Error(t, err)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))

	matches, globErr := filepath.Glob(filepath.Join(dir, "results_*.json"))
	require.NoError(t, globErr)
	assert.Empty(t, matches)
}
