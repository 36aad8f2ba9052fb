package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ZhiquAI/zhiyue3.0-sub004/logger"
	"github.com/ZhiquAI/zhiyue3.0-sub004/protocol"
)

// RegisterHandlers installs the aggregator's remote ingestion on the router.
func (a *Aggregator) RegisterHandlers(r *protocol.Router) error {
	handlers := map[protocol.Kind]protocol.Handler{
		protocol.KindProgressUpdate: a.HandleProgressUpdate,
		protocol.KindTaskProgress:   a.HandleTaskProgress,
		protocol.KindBatchCompleted: a.HandleBatchCompleted,
		protocol.KindQualityAlert:   a.HandleQualityAlert,
		protocol.KindAlertResolved:  a.HandleAlertResolved,
	}
	for kind, h := range handlers {
		if err := r.Register(kind, h); err != nil {
			return fmt.Errorf("register progress handlers: %w", err)
		}
	}
	return nil
}

// HandleProgressUpdate ingests a progress_update pushed by the backend.
func (a *Aggregator) HandleProgressUpdate(ctx context.Context, env protocol.Envelope) error {
	var p protocol.ProgressUpdatePayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	a.accept(Snapshot{
		RunID:         p.RunID,
		Status:        p.Status,
		Total:         p.Total,
		Succeeded:     p.Succeeded,
		Failed:        p.Failed,
		Skipped:       p.Skipped,
		RatePerMinute: p.RatePerMinute,
		ETAMinutes:    p.ETAMinutes,
		Source:        SourceRemote,
		UpdatedAt:     orTime(p.UpdatedAt, env.Timestamp),
	}, false)
	return nil
}

// HandleTaskProgress ingests the server-side task_progress shape. Task ids
// name the same runs the scheduler drives.
func (a *Aggregator) HandleTaskProgress(ctx context.Context, env protocol.Envelope) error {
	var p protocol.TaskProgressPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	a.accept(Snapshot{
		RunID:     p.TaskID,
		Status:    p.Status,
		Total:     p.Total,
		Succeeded: p.Succeeded,
		Failed:    p.Failed,
		Skipped:   p.Skipped,
		Source:    SourceRemote,
		UpdatedAt: orTime(p.UpdatedAt, env.Timestamp),
	}, false)
	return nil
}

// HandleBatchCompleted ingests a terminal batch_completed event.
func (a *Aggregator) HandleBatchCompleted(ctx context.Context, env protocol.Envelope) error {
	var p protocol.BatchCompletedPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	a.accept(Snapshot{
		RunID:     p.RunID,
		Status:    p.Status,
		Total:     p.Total,
		Succeeded: p.Succeeded,
		Failed:    p.Failed,
		Skipped:   p.Skipped,
		Source:    SourceRemote,
		UpdatedAt: orTime(p.FinishedAt, env.Timestamp),
	}, false)
	return nil
}

// HandleQualityAlert ingests an alert raised by the backend. Ingestion is
// idempotent on the alert id and on the run+metric pair, and the alert is
// never forwarded back upstream.
func (a *Aggregator) HandleQualityAlert(ctx context.Context, env protocol.Envelope) error {
	var p protocol.QualityAlertPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	severity := Severity(p.Severity)
	if severity == "" {
		severity = SeverityInfo
	}
	id := p.AlertID
	if id == "" {
		id = uuid.NewString()
	}

	a.mu.Lock()
	for _, alert := range a.alerts {
		if alert.ID == id {
			a.mu.Unlock()
			return nil
		}
	}
	key := alertKey{runID: p.RunID, metric: p.Metric}
	if a.unresolved[key] != nil {
		a.mu.Unlock()
		return nil
	}
	alert := &Alert{
		ID:          id,
		RunID:       p.RunID,
		Metric:      p.Metric,
		Severity:    severity,
		Threshold:   p.Threshold,
		ActualValue: p.ActualValue,
		Timestamp:   orTime(p.At, env.Timestamp),
	}
	a.alerts = append(a.alerts, alert)
	a.unresolved[key] = alert
	copied := *alert
	a.mu.Unlock()

	a.log.Warn("Alert received",
		logger.String("alert_id", copied.ID),
		logger.String("run_id", copied.RunID),
		logger.String("metric", copied.Metric),
		logger.String("severity", copied.Severity.String()),
	)
	a.publishAlert(copied)
	return nil
}

// HandleAlertResolved clears an alert the backend resolved. Resolutions for
// alerts this side never saw are dropped.
func (a *Aggregator) HandleAlertResolved(ctx context.Context, env protocol.Envelope) error {
	var p protocol.AlertResolvedPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	if err := a.resolveByID(p.AlertID, false); err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			a.log.Debug("Resolution for unknown alert", logger.String("alert_id", p.AlertID))
			return nil
		}
		return err
	}
	return nil
}

func orTime(primary, fallback time.Time) time.Time {
	if primary.IsZero() {
		return fallback
	}
	return primary
}
