package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ChannelArchiver/internal/config"
	"ChannelArchiver/internal/infrastructure/export"
	"ChannelArchiver/internal/infrastructure/scheduler"
	"ChannelArchiver/internal/infrastructure/source"
	"ChannelArchiver/internal/infrastructure/status"
	"ChannelArchiver/internal/infrastructure/storage"
	"ChannelArchiver/internal/infrastructure/telegram"
	"ChannelArchiver/internal/logging"
	"ChannelArchiver/internal/ports"
	"ChannelArchiver/internal/upstream"
	"ChannelArchiver/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	indexes   *storage.IndexStore
	archiver  *usecase.Archiver
	scheduler *usecase.Scheduler
	catalog   *storage.SQLCatalog
	status    *status.Server
}

// Options replace collaborators that are otherwise built from config.
type Options struct {
	Source     ports.MessageSource
	HTTPClient *http.Client
}

// New builds the application. The catalog is opened here so a bad DSN
// fails at startup.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger, opts Options) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	msgSource := opts.Source
	if msgSource == nil {
		msgSource = newStrategySource(cfg, baseLogger, opts.HTTPClient)
	}

	indexes := storage.NewIndexStore(cfg.Archive.DataDir, baseLogger.With("component", "index_store"))
	shards := storage.NewShardStore(cfg.Archive.DataDir, baseLogger.With("component", "shard_store"))

	var (
		catalog       *storage.SQLCatalog
		portCatalog   ports.Catalog
		catalogReader ports.CatalogReader
	)
	if cfg.Catalog.DSN != "" {
		c, err := storage.OpenCatalog(ctx, cfg.Catalog.DSN)
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		catalog, portCatalog, catalogReader = c, c, c
	}

	archiver := usecase.NewArchiver(usecase.ArchiverDeps{
		Indexes:           indexes,
		Shards:            shards,
		Fetcher:           usecase.NewBatchFetcher(msgSource, baseLogger.With("component", "fetcher")),
		Gaps:              usecase.NewGapDetector(cfg.Archive.MaxGapSpan, baseLogger.With("component", "gaps")),
		Catalog:           portCatalog,
		Logger:            baseLogger.With("component", "archiver"),
		Location:          cfg.Archive.Location(),
		InitialFetchLimit: cfg.Archive.InitialFetchLimit,
		BackfillLimit:     cfg.Archive.BackfillLimit,
		GapCheckInterval:  cfg.Archive.GapCheckInterval,
	})

	sched := usecase.NewScheduler(usecase.SchedulerDeps{
		Archiver: archiver,
		Sources:  cfg.Archive.Sources,
		Monitor:  scheduler.NewIntervalScheduler(cfg.Archive.MonitorInterval),
		Backfill: scheduler.NewIntervalScheduler(cfg.Archive.BackfillInterval),
		Logger:   baseLogger.With("component", "scheduler"),
	})

	var statusServer *status.Server
	if cfg.Status.Addr != "" {
		statusServer = status.NewServer(cfg.Status.Addr, indexes, catalogReader, cfg.Archive.Sources, baseLogger.With("component", "status"))
	}

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		indexes:   indexes,
		archiver:  archiver,
		scheduler: sched,
		catalog:   catalog,
		status:    statusServer,
	}, nil
}

func newStrategySource(cfg config.Config, baseLogger *slog.Logger, client *http.Client) *source.StrategySource {
	if client == nil {
		client = &http.Client{Timeout: cfg.Upstream.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.Upstream.RequestsPerSecond > 0 {
		burst := cfg.Upstream.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Upstream.RequestsPerSecond), burst)
	}

	registry := upstream.NewRegistry()
	registry.Register(telegram.NewPreviewClient(telegram.PreviewOptions{
		BaseURL:   cfg.Upstream.BaseURL,
		UserAgent: cfg.Upstream.UserAgent,
		Client:    client,
		Limiter:   limiter,
		Logger:    baseLogger.With("component", "upstream.preview"),
	}))
	if cfg.Upstream.ExportDir != "" {
		registry.Register(export.NewDesktopExport(cfg.Upstream.ExportDir, baseLogger.With("component", "upstream.export")))
	}

	baseLogger.Info("upstreams registered", "kinds", registry.Names(), "default", cfg.Upstream.Kind)

	return source.NewStrategySource(registry, cfg.Upstream.Kind, cfg.Upstream.Sources, baseLogger.With("component", "source"))
}

// Run starts the monitor and backfill loops (and the status server when
// configured) and blocks until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	a.logger.Info("archiver starting", "sources", a.cfg.Archive.Sources, "data_dir", a.cfg.Archive.DataDir,
		"monitor_interval", a.cfg.Archive.MonitorInterval, "backfill_interval", a.cfg.Archive.BackfillInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	if a.status != nil {
		g.Go(func() error {
			return a.status.Run(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce runs one monitor and one backfill cycle per source.
func (a *Application) RunOnce(ctx context.Context) error {
	reports, err := a.scheduler.RunOnce(ctx)
	for _, r := range reports {
		a.logger.Info("cycle report", "source", r.Source, "loop", r.Kind, "noop", r.Noop,
			"fetched", r.Fetched, "archived", r.Archived, "total", r.Total, "highest_id", r.HighestID)
	}
	return err
}

// Reindex rebuilds the index of every configured source from its shards.
func (a *Application) Reindex(ctx context.Context) error {
	var errs []error
	for _, src := range a.cfg.Archive.Sources {
		if _, err := a.archiver.Reindex(ctx, src); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the catalog connection.
func (a *Application) Close() error {
	if a.catalog == nil {
		return nil
	}
	return a.catalog.Close()
}
