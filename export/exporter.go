package export

import (
	"context"
	"errors"

	"github.com/ZhiquAI/zhiyue3.0-sub004/logger"
)

// Sink delivers one bundle somewhere.
type Sink interface {
	Deliver(ctx context.Context, bundle Bundle) error
}

// Exporter fans a bundle out to every configured sink. A failing sink does
// not stop the others.
type Exporter struct {
	log   logger.Logger
	sinks []Sink
}

// NewExporter creates an exporter over the given sinks.
func NewExporter(log logger.Logger, sinks ...Sink) *Exporter {
	if log == nil {
		log = logger.NewNop()
	}
	return &Exporter{
		log:   log.With(logger.String("component", "export")),
		sinks: sinks,
	}
}

// Export builds nothing itself; it delivers the bundle to every sink and
// joins their failures.
func (e *Exporter) Export(ctx context.Context, bundle Bundle) error {
	var errsJoined []error
	for _, sink := range e.sinks {
		if err := sink.Deliver(ctx, bundle); err != nil {
			e.log.Error("Sink delivery failed",
				logger.Int("records", len(bundle.Results)),
				logger.Error(err),
			)
			errsJoined = append(errsJoined, err)
			continue
		}
	}
	if len(errsJoined) > 0 {
		return errors.Join(errsJoined...)
	}
	e.log.Info("Bundle exported",
		logger.Int("records", len(bundle.Results)),
		logger.Int("sinks", len(e.sinks)),
	)
	return nil
}
