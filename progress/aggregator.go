// Package progress merges scheduler-local progress with progress pushed by
// the backend into one coherent per-run view, raises threshold alerts
// against it, and fans both out to UI subscribers.
package progress

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZhiquAI/zhiyue3.0-sub004/batch"
	"github.com/ZhiquAI/zhiyue3.0-sub004/logger"
	"github.com/ZhiquAI/zhiyue3.0-sub004/protocol"
)

// subscriberBuffer bounds each subscription channel. Publishes never block:
// a full subscriber just misses snapshots, which the next update supersedes.
const subscriberBuffer = 32

// ErrAlertNotFound is returned when resolving an alert id that was never
// raised.
var ErrAlertNotFound = errors.New("alert not found")

// Publisher sends one message upstream. The realtime connection manager
// satisfies it.
type Publisher interface {
	Send(kind protocol.Kind, payload any) error
}

type alertKey struct {
	runID  string
	metric string
}

// Aggregator is the single merge point for run progress. It implements
// batch.Observer for the local scheduler and exposes protocol handlers for
// the remote side. All methods are safe for concurrent use.
type Aggregator struct {
	log   logger.Logger
	rules []Rule
	fwd   Publisher

	mu         sync.RWMutex
	snaps      map[string]Snapshot
	alerts     []*Alert
	unresolved map[alertKey]*Alert

	subMu     sync.Mutex
	snapSubs  map[int]chan Snapshot
	alertSubs map[int]chan Alert
	nextSubID int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the aggregator's logger.
func WithLogger(log logger.Logger) Option {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}

// WithRules sets the threshold rules evaluated against every accepted
// snapshot.
func WithRules(rules ...Rule) Option {
	return func(a *Aggregator) {
		a.rules = rules
	}
}

// WithForwarder reports locally produced progress, completions and alerts
// upstream. Remote-sourced data is never forwarded back.
func WithForwarder(p Publisher) Option {
	return func(a *Aggregator) {
		a.fwd = p
	}
}

// NewAggregator creates an aggregator with no snapshots and no alerts.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		log:        logger.NewNop(),
		snaps:      make(map[string]Snapshot),
		unresolved: make(map[alertKey]*Alert),
		snapSubs:   make(map[int]chan Snapshot),
		alertSubs:  make(map[int]chan Alert),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(logger.String("component", "progress"))
	return a
}

// Snapshot returns the merged view for one run.
func (a *Aggregator) Snapshot(runID string) (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap, ok := a.snaps[runID]
	return snap, ok
}

// Snapshots returns the merged view of every known run, ordered by run id.
func (a *Aggregator) Snapshots() []Snapshot {
	a.mu.RLock()
	out := make([]Snapshot, 0, len(a.snaps))
	for _, snap := range a.snaps {
		out = append(out, snap)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// Subscribe delivers every accepted snapshot. The channel is buffered and
// publishes never block; a slow subscriber misses intermediate snapshots.
// The cleanup function releases the subscription.
func (a *Aggregator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)

	a.subMu.Lock()
	a.nextSubID++
	id := a.nextSubID
	a.snapSubs[id] = ch
	a.subMu.Unlock()

	cleanup := func() {
		a.subMu.Lock()
		if sub, ok := a.snapSubs[id]; ok {
			delete(a.snapSubs, id)
			close(sub)
		}
		a.subMu.Unlock()
	}
	return ch, cleanup
}

// SubscribeAlerts delivers every raised and resolved alert.
func (a *Aggregator) SubscribeAlerts() (<-chan Alert, func()) {
	ch := make(chan Alert, subscriberBuffer)

	a.subMu.Lock()
	a.nextSubID++
	id := a.nextSubID
	a.alertSubs[id] = ch
	a.subMu.Unlock()

	cleanup := func() {
		a.subMu.Lock()
		if sub, ok := a.alertSubs[id]; ok {
			delete(a.alertSubs, id)
			close(sub)
		}
		a.subMu.Unlock()
	}
	return ch, cleanup
}

// OnSnapshot implements batch.Observer for the local scheduler.
func (a *Aggregator) OnSnapshot(snap batch.Snapshot) {
	a.accept(fromBatchSnapshot(snap), true)
}

// OnItemDone implements batch.Observer.
func (a *Aggregator) OnItemDone(runID string, result batch.ItemResult) {
	if result.Err != nil && !result.Skipped {
		a.log.Debug("Item failed",
			logger.String("run_id", runID),
			logger.String("item_id", result.ItemID),
			logger.Error(result.Err),
		)
	}
}

// OnRunDone implements batch.Observer. The completion is always reported
// upstream; the merge rule only governs the stored view.
func (a *Aggregator) OnRunDone(sum batch.Summary) {
	a.forwardSummary(sum)
	a.accept(fromBatchSummary(sum), false)
}

// accept applies the merge rule and, when the snapshot wins, stores it,
// re-evaluates the threshold rules and fans the update out. Locally raised
// and recovered alerts are always reported upstream; the snapshot itself
// only when forward is set.
//
// Merge rule: per run id the latest UpdatedAt wins; on an exact tie the
// local scheduler is authoritative for work it drives itself.
func (a *Aggregator) accept(snap Snapshot, forward bool) bool {
	snap.normalize()

	a.mu.Lock()
	cur, exists := a.snaps[snap.RunID]
	if exists {
		if snap.UpdatedAt.Before(cur.UpdatedAt) {
			a.mu.Unlock()
			return false
		}
		if snap.UpdatedAt.Equal(cur.UpdatedAt) &&
			cur.Source == SourceLocal && snap.Source == SourceRemote {
			a.mu.Unlock()
			return false
		}
	}
	a.snaps[snap.RunID] = snap
	raised, resolved := a.evaluateLocked(snap)
	a.mu.Unlock()

	a.publishSnapshot(snap)
	if forward {
		a.forwardSnapshot(snap)
	}
	for _, alert := range raised {
		a.log.Warn("Alert raised",
			logger.String("run_id", alert.RunID),
			logger.String("metric", alert.Metric),
			logger.String("severity", alert.Severity.String()),
			logger.Float64("threshold", alert.Threshold),
			logger.Float64("actual", alert.ActualValue),
		)
		a.publishAlert(alert)
		a.forwardAlert(alert)
	}
	for _, alert := range resolved {
		a.log.Info("Alert recovered",
			logger.String("run_id", alert.RunID),
			logger.String("metric", alert.Metric),
		)
		a.publishAlert(alert)
		a.forwardResolved(alert)
	}
	return true
}

// evaluateLocked runs the threshold rules against an accepted snapshot.
// Raising is idempotent per run and metric: while an unresolved alert
// exists, further breaches of the same metric are absorbed. A value back in
// range resolves it. Caller holds mu.
func (a *Aggregator) evaluateLocked(snap Snapshot) (raised, resolved []Alert) {
	for _, rule := range a.rules {
		value, ok := metricValue(snap, rule.Metric)
		if !ok {
			continue
		}

		key := alertKey{runID: snap.RunID, metric: rule.Metric}
		active := a.unresolved[key]

		if rule.breached(value) {
			if active != nil {
				continue
			}
			alert := &Alert{
				ID:          uuid.NewString(),
				RunID:       snap.RunID,
				Metric:      rule.Metric,
				Severity:    rule.Severity,
				Threshold:   rule.Threshold,
				ActualValue: value,
				Timestamp:   snap.UpdatedAt,
			}
			a.alerts = append(a.alerts, alert)
			a.unresolved[key] = alert
			raised = append(raised, *alert)
			continue
		}

		if active != nil {
			active.Resolved = true
			delete(a.unresolved, key)
			resolved = append(resolved, *active)
		}
	}
	return raised, resolved
}

// Alerts returns raised alerts, newest last. Resolved alerts are included
// only when asked for.
func (a *Aggregator) Alerts(includeResolved bool) []Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Alert, 0, len(a.alerts))
	for _, alert := range a.alerts {
		if alert.Resolved && !includeResolved {
			continue
		}
		out = append(out, *alert)
	}
	return out
}

// ResolveAlert flips one alert to resolved by id.
func (a *Aggregator) ResolveAlert(id string) error {
	return a.resolveByID(id, true)
}

func (a *Aggregator) resolveByID(id string, forward bool) error {
	a.mu.Lock()
	var match *Alert
	for _, alert := range a.alerts {
		if alert.ID == id {
			match = alert
			break
		}
	}
	if match == nil {
		a.mu.Unlock()
		return ErrAlertNotFound
	}
	if match.Resolved {
		a.mu.Unlock()
		return nil
	}
	match.Resolved = true
	delete(a.unresolved, alertKey{runID: match.RunID, metric: match.Metric})
	copied := *match
	a.mu.Unlock()

	a.publishAlert(copied)
	if forward {
		a.forwardResolved(copied)
	}
	return nil
}

// ClearResolved drops resolved alerts in bulk, returning how many were
// cleared.
func (a *Aggregator) ClearResolved() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.alerts[:0]
	cleared := 0
	for _, alert := range a.alerts {
		if alert.Resolved {
			cleared++
			continue
		}
		kept = append(kept, alert)
	}
	a.alerts = kept
	return cleared
}

func (a *Aggregator) publishSnapshot(snap Snapshot) {
	a.subMu.Lock()
	for _, sub := range a.snapSubs {
		select {
		case sub <- snap:
		default:
		}
	}
	a.subMu.Unlock()
}

func (a *Aggregator) publishAlert(alert Alert) {
	a.subMu.Lock()
	for _, sub := range a.alertSubs {
		select {
		case sub <- alert:
		default:
		}
	}
	a.subMu.Unlock()
}

func (a *Aggregator) forwardSnapshot(snap Snapshot) {
	if a.fwd == nil {
		return
	}
	err := a.fwd.Send(protocol.KindProgressUpdate, protocol.ProgressUpdatePayload{
		RunID:         snap.RunID,
		Status:        snap.Status,
		Percent:       snap.OverallPercent,
		Processed:     snap.Processed,
		Total:         snap.Total,
		Succeeded:     snap.Succeeded,
		Failed:        snap.Failed,
		Skipped:       snap.Skipped,
		RatePerMinute: snap.RatePerMinute,
		ETAMinutes:    snap.ETAMinutes,
		UpdatedAt:     snap.UpdatedAt,
	})
	if err != nil {
		a.log.Warn("Failed to forward progress", logger.String("run_id", snap.RunID), logger.Error(err))
	}
}

func (a *Aggregator) forwardSummary(sum batch.Summary) {
	if a.fwd == nil {
		return
	}
	err := a.fwd.Send(protocol.KindBatchCompleted, protocol.BatchCompletedPayload{
		RunID:      sum.RunID,
		Status:     sum.Status.String(),
		Total:      sum.Total,
		Succeeded:  sum.Succeeded,
		Failed:     sum.Failed,
		Skipped:    sum.Skipped,
		FinishedAt: sum.FinishedAt,
	})
	if err != nil {
		a.log.Warn("Failed to forward completion", logger.String("run_id", sum.RunID), logger.Error(err))
	}
}

func (a *Aggregator) forwardAlert(alert Alert) {
	if a.fwd == nil {
		return
	}
	err := a.fwd.Send(protocol.KindQualityAlert, protocol.QualityAlertPayload{
		AlertID:     alert.ID,
		RunID:       alert.RunID,
		Metric:      alert.Metric,
		Severity:    alert.Severity.String(),
		Threshold:   alert.Threshold,
		ActualValue: alert.ActualValue,
		At:          alert.Timestamp,
	})
	if err != nil {
		a.log.Warn("Failed to forward alert", logger.String("alert_id", alert.ID), logger.Error(err))
	}
}

func (a *Aggregator) forwardResolved(alert Alert) {
	if a.fwd == nil {
		return
	}
	err := a.fwd.Send(protocol.KindAlertResolved, protocol.AlertResolvedPayload{
		AlertID:    alert.ID,
		ResolvedAt: time.Now().UTC(),
	})
	if err != nil {
		a.log.Warn("Failed to forward alert resolution", logger.String("alert_id", alert.ID), logger.Error(err))
	}
}
