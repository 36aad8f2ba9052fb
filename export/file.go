package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
)

// FileSink writes each bundle as a timestamped JSON file under Dir.
type FileSink struct {
	dir string
}

// NewFileSink creates a sink writing into dir. The directory is created on
// first delivery.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Deliver implements Sink.
func (s *FileSink) Deliver(ctx context.Context, bundle Bundle) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindCancelled, "export.file", err)
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}

	ts := bundle.Timestamp.UTC()
	name := fmt.Sprintf("results_%s_%09d.json", ts.Format("20060102T150405"), ts.Nanosecond())
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}
