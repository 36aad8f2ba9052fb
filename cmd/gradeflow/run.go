package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ZhiquAI/zhiyue3.0-sub004/batch"
	"github.com/ZhiquAI/zhiyue3.0-sub004/export"
	"github.com/ZhiquAI/zhiyue3.0-sub004/kvstore"
	"github.com/ZhiquAI/zhiyue3.0-sub004/logger"
	"github.com/ZhiquAI/zhiyue3.0-sub004/metrics"
	"github.com/ZhiquAI/zhiyue3.0-sub004/progress"
	"github.com/ZhiquAI/zhiyue3.0-sub004/protocol"
	"github.com/ZhiquAI/zhiyue3.0-sub004/realtime"
	"github.com/ZhiquAI/zhiyue3.0-sub004/schedule"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	scheduledJobName  = "grading-batch"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [manifest]",
		Short: "Submit grading work from a manifest",
		Long: `Run submits the work items listed in a YAML manifest as one batch,
streams progress snapshots to the log and exports a result bundle when the
run finishes. With schedule.spec configured the manifest is resubmitted on
the cron schedule until interrupted; the file is reread on every trigger.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runGrading(cmd.Context(), cfg, args[0])
		},
	}
}

// runGrading wires the components and executes the manifest once or on a
// schedule until the context is cancelled.
func runGrading(ctx context.Context, cfg *Config, manifestPath string) error {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	// Fail on an unreadable manifest before wiring anything up.
	items, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}
	log.Info("Manifest loaded",
		logger.String("path", manifestPath),
		logger.Int("items", len(items)),
	)

	reg := prometheus.NewRegistry()

	var stopMetrics func(context.Context) error
	if cfg.Metrics.Address != "" {
		stopMetrics = serveMetrics(log, reg, cfg.Metrics.Address)
	}

	pipe, err := buildPipeline(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer pipe.close(log)

	grader := newGradingClient(cfg.Grading)
	sched, err := batch.NewScheduler(grader.Process,
		batch.WithLogger(log),
		batch.WithMetrics(metrics.NewBatchMetrics(reg)),
		batch.WithObserver(pipe.agg),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	exporter, err := buildExporter(cfg.Export, log)
	if err != nil {
		return err
	}

	snaps, cancelSnaps := pipe.agg.Subscribe()
	defer cancelSnaps()
	go logSnapshots(log, snaps)

	var runErr error
	if cfg.Schedule.Spec == "" {
		runErr = executeManifest(ctx, log, sched, exporter, cfg.Batch.options(), items)
	} else {
		runErr = executeOnSchedule(ctx, log, sched, exporter, cfg, manifestPath)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Close(shutdownCtx); err != nil {
		log.Warn("Scheduler close", logger.Error(err))
	}
	if stopMetrics != nil {
		if err := stopMetrics(shutdownCtx); err != nil {
			log.Warn("Metrics server shutdown", logger.Error(err))
		}
	}
	return runErr
}

// pipeline holds the progress aggregator and, when an endpoint is
// configured, the realtime channel that carries progress upstream.
type pipeline struct {
	agg     *progress.Aggregator
	manager *realtime.Manager
	redis   *kvstore.Redis
}

// close tears the realtime channel and the spill store down.
func (p *pipeline) close(log logger.Logger) {
	if p.manager != nil {
		if err := p.manager.Close(); err != nil {
			log.Warn("Realtime close", logger.Error(err))
		}
	}
	if p.redis != nil {
		if err := p.redis.Close(); err != nil {
			log.Warn("Redis close", logger.Error(err))
		}
	}
}

// buildPipeline wires the aggregator, and the realtime manager when
// realtime.url is set. Remote progress and alert events arriving on the
// channel feed back into the aggregator through its protocol handlers.
func buildPipeline(ctx context.Context, cfg *Config, log logger.Logger, reg *prometheus.Registry) (*pipeline, error) {
	p := &pipeline{}

	aggOpts := []progress.Option{
		progress.WithLogger(log),
		progress.WithRules(cfg.Alerts.rules()...),
	}

	var router *protocol.Router
	if cfg.Realtime.URL != "" {
		router = protocol.NewRouter(log)

		store, redisStore, err := buildSpillStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		p.redis = redisStore

		manager, err := realtime.NewManager(
			cfg.Realtime,
			realtime.NewWebSocketTransport(cfg.Realtime.DialTimeout),
			router,
			realtime.WithLogger(log),
			realtime.WithMetrics(metrics.NewRealtimeMetrics(reg)),
			realtime.WithSpillStore(store),
		)
		if err != nil {
			p.close(log)
			return nil, fmt.Errorf("create realtime manager: %w", err)
		}
		p.manager = manager
		aggOpts = append(aggOpts, progress.WithForwarder(manager))
	}

	p.agg = progress.NewAggregator(aggOpts...)

	if router != nil {
		if err := p.agg.RegisterHandlers(router); err != nil {
			p.close(log)
			return nil, err
		}
		if err := p.manager.Connect(ctx); err != nil {
			// The manager keeps reconnecting in the background; queued
			// messages flush once the channel comes up.
			log.Warn("Realtime connect failed, retrying in background", logger.Error(err))
		}
	}

	return p, nil
}

// buildSpillStore picks the backing store for undelivered realtime
// messages: Redis when an address is configured, otherwise process memory.
func buildSpillStore(ctx context.Context, cfg kvstore.RedisConfig) (kvstore.Store, *kvstore.Redis, error) {
	if cfg.Address == "" {
		return kvstore.NewMemory(), nil, nil
	}

	redisStore, err := kvstore.NewRedis(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return redisStore, redisStore, nil
}

// buildExporter assembles the bundle sinks: the file sink always runs, the
// HTTP sink only when an upstream URL is configured.
func buildExporter(cfg ExportConfig, log logger.Logger) (*export.Exporter, error) {
	sinks := []export.Sink{export.NewFileSink(cfg.Dir)}
	if cfg.HTTP.URL != "" {
		httpSink, err := export.NewHTTPSink(cfg.HTTP)
		if err != nil {
			return nil, fmt.Errorf("create export HTTP sink: %w", err)
		}
		sinks = append(sinks, httpSink)
	}
	return export.NewExporter(log, sinks...), nil
}

// serveMetrics exposes the registry on addr and returns the shutdown func.
func serveMetrics(log logger.Logger, reg *prometheus.Registry, addr string) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		log.Info("Metrics listening", logger.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", logger.Error(err))
		}
	}()
	return srv.Shutdown
}

// logSnapshots streams accepted progress snapshots to the log until the
// subscription is cancelled.
func logSnapshots(log logger.Logger, snaps <-chan progress.Snapshot) {
	for snap := range snaps {
		log.Info("Progress",
			logger.String("run_id", snap.RunID),
			logger.String("status", snap.Status),
			logger.Int("percent", snap.OverallPercent),
			logger.Int("processed", snap.Processed),
			logger.Int("total", snap.Total),
			logger.Int("failed", snap.Failed),
			logger.Float64("items_per_minute", snap.RatePerMinute),
		)
	}
}

// executeManifest runs one batch to completion and exports the bundle. A
// cancelled context cancels the run; items already dispatched still settle
// before the summary is built.
func executeManifest(
	ctx context.Context,
	log logger.Logger,
	sched *batch.Scheduler,
	exporter *export.Exporter,
	opts batch.Options,
	items []batch.Item,
) error {
	run, err := sched.Submit(ctx, items, opts)
	if err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}

	select {
	case <-run.Done():
	case <-ctx.Done():
		log.Info("Shutdown signal received, cancelling run", logger.String("run_id", run.ID()))
		run.Cancel()
		<-run.Done()
	}

	sum, ok := run.Summary()
	if !ok {
		return fmt.Errorf("run %s finished without a summary", run.ID())
	}

	// Export with a fresh context so the bundle still lands after an
	// interrupt.
	exportCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := exporter.Export(exportCtx, export.Build(sum)); err != nil {
		log.Error("Export failed", logger.String("run_id", sum.RunID), logger.Error(err))
	}

	log.Info("Run finished",
		logger.String("run_id", sum.RunID),
		logger.String("status", sum.Status.String()),
		logger.Int("succeeded", sum.Succeeded),
		logger.Int("failed", sum.Failed),
		logger.Int("skipped", sum.Skipped),
	)

	if sum.Status != batch.StatusCompleted {
		return fmt.Errorf("run %s finished %s: %d failed, %d skipped",
			sum.RunID, sum.Status, sum.Failed, sum.Skipped)
	}
	return nil
}

// executeOnSchedule resubmits the manifest per the cron spec until the
// context is cancelled. The manifest is reread on every trigger so edits
// between runs are picked up.
func executeOnSchedule(
	ctx context.Context,
	log logger.Logger,
	sched *batch.Scheduler,
	exporter *export.Exporter,
	cfg *Config,
	manifestPath string,
) error {
	rec := schedule.NewRecurring(schedule.WithLogger(log))

	job := func(jobCtx context.Context) {
		items, err := loadManifest(manifestPath)
		if err != nil {
			log.Error("Manifest reload failed",
				logger.String("path", manifestPath),
				logger.Error(err),
			)
			return
		}
		if err := executeManifest(jobCtx, log, sched, exporter, cfg.Batch.options(), items); err != nil {
			log.Error("Scheduled run failed", logger.Error(err))
		}
	}
	if err := rec.Add(scheduledJobName, cfg.Schedule.Spec, job); err != nil {
		return fmt.Errorf("add schedule: %w", err)
	}
	if err := rec.Start(ctx); err != nil {
		return err
	}

	log.Info("Schedule active", logger.String("spec", cfg.Schedule.Spec))

	<-ctx.Done()
	log.Info("Shutdown signal received, stopping schedule")
	rec.Stop()
	return nil
}
