package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"BookRanker/internal/cache"
	"BookRanker/internal/config"
	"BookRanker/internal/domain"
	"BookRanker/internal/extractor"
	"BookRanker/internal/infrastructure/metadata"
	"BookRanker/internal/infrastructure/parser"
	"BookRanker/internal/infrastructure/scheduler"
	"BookRanker/internal/infrastructure/storage"
	"BookRanker/internal/infrastructure/telegram"
	"BookRanker/internal/logging"
	"BookRanker/internal/metrics"
	"BookRanker/internal/ports"
	"BookRanker/internal/ranking"
	"BookRanker/internal/scanner"
	"BookRanker/internal/usecase"
	"BookRanker/migrations"
)

// Application wires configs to use cases and lifecycle orchestration. Every component
// is constructed once here and injected; nothing is held in package state.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *sql.DB
	registry  *prometheus.Registry
	cache     *cache.Cache
	ranking   *ranking.Engine
	ingestion *usecase.Ingestion
	collector *usecase.Collector
	scheduler *usecase.Scheduler
}

// New builds the application for cfg. The caller must Close it.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if baseLogger == nil {
		baseLogger = logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	}

	a := &Application{
		cfg:      cfg,
		logger:   baseLogger,
		registry: prometheus.NewRegistry(),
	}

	repo, err := a.openRepository(ctx)
	if err != nil {
		return nil, err
	}

	m, err := metrics.New(a.registry, cfg.Metrics.Namespace)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.cache = cache.New()
	if err := metrics.RegisterRuntime(a.registry, cfg.Metrics.Namespace, a.cache.Stats, a.db); err != nil {
		a.Close()
		return nil, fmt.Errorf("register runtime metrics: %w", err)
	}

	catalog, err := metadata.LoadCatalog(cfg.Metadata.CatalogPath)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ranking = ranking.NewEngine(ranking.Deps{
		Repository: repo,
		Cache:      a.cache,
		Metrics:    m,
		Logger:     baseLogger.With("component", "ranking"),
		Options: ranking.Options{
			DefaultFormula: domain.Formula(cfg.Ranking.Formula),
			DefaultLimit:   cfg.Ranking.DefaultLimit,
			MaxLimit:       cfg.Ranking.MaxLimit,
			TopArticles:    cfg.Ranking.TopArticles,
			NewBookWindow:  cfg.Ranking.NewBookWindow,
			Location:       cfg.Scheduler.Location(),
		},
	})

	retrier := usecase.NewRetrier(usecase.RetryPolicy{
		MaxAttempts:     cfg.Ingestion.MaxAttempts,
		InitialBackoff:  cfg.Ingestion.InitialBackoff,
		MaxBackoff:      cfg.Ingestion.MaxBackoff,
		BreakerFailures: cfg.Ingestion.BreakerFailures,
		BreakerTimeout:  cfg.Ingestion.BreakerTimeout,
	}, baseLogger.With("component", "retry"), m)

	a.ingestion = usecase.NewIngestion(usecase.IngestionDeps{
		Repository: repo,
		Extractor:  extractor.MustNew(nil),
		Metadata:   catalog,
		Retrier:    retrier,
		Affiliate:  domain.Affiliate{BaseURL: cfg.Affiliate.BaseURL, Tag: cfg.Affiliate.Tag},
		Metrics:    m,
		Logger:     baseLogger.With("component", "ingestion"),
	})

	registry := scanner.NewRegistry()
	registry.Register(parser.NewQiitaScanner(nil, parser.QiitaOptions{
		BaseURL:         cfg.Qiita.BaseURL,
		Token:           cfg.Qiita.Token,
		RequestInterval: cfg.Qiita.RequestInterval,
		PerPage:         cfg.Qiita.PerPage,
		MaxPages:        cfg.Qiita.MaxPages,
	}))
	registry.Register(parser.NewJSONFileScanner())
	source := parser.NewStrategySource(registry, cfg.Sources, baseLogger.With("component", "source"))

	var notifier ports.Notifier
	if tg := telegram.NewNotifier(cfg.Notifications.Telegram.APIURL, cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID); tg.Configured() {
		notifier = tg
	}

	a.collector = usecase.NewCollector(usecase.CollectorDeps{
		Source:      source,
		Ingestion:   a.ingestion,
		Invalidator: a.ranking,
		Digest:      usecase.NewDigest(a.ranking, notifier, cfg.Digest.SiteURL, baseLogger.With("component", "digest")),
		Lookback:    cfg.Scheduler.Lookback,
		Logger:      baseLogger.With("component", "collector"),
	})
	a.scheduler = usecase.NewScheduler(
		scheduler.NewIntervalScheduler(cfg.Scheduler.Interval),
		a.collector,
		baseLogger.With("component", "scheduler"),
	)

	return a, nil
}

func (a *Application) openRepository(ctx context.Context) (ports.Repository, error) {
	loc := a.cfg.Scheduler.Location()
	switch a.cfg.Database.Driver {
	case config.DriverMemory:
		a.logger.Warn("using in-memory storage, data is lost on exit")
		return storage.NewMemoryRepository(loc), nil
	default:
		db, err := storage.OpenPostgres(ctx, a.cfg.Database.DSN,
			a.cfg.Database.MaxOpenConns, a.cfg.Database.MaxIdleConns, a.cfg.Database.ConnMaxLifetime)
		if err != nil {
			return nil, err
		}
		a.db = db
		return storage.NewPostgresRepository(db, loc), nil
	}
}

// Ranking exposes the ranking engine.
func (a *Application) Ranking() *ranking.Engine {
	return a.ranking
}

// Ingestion exposes the ingestion pipeline.
func (a *Application) Ingestion() *usecase.Ingestion {
	return a.ingestion
}

// Migrate applies the schema. It is a no-op for the memory driver.
func (a *Application) Migrate(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return migrations.Apply(ctx, a.db)
}

// IngestFile ingests a JSON array of raw articles and clears the ranking cache when
// anything changed.
func (a *Application) IngestFile(ctx context.Context, path string) (domain.IngestReport, error) {
	raws, err := parser.ReadArticlesFile(path)
	if err != nil {
		return domain.IngestReport{}, err
	}
	report, err := a.ingestion.IngestBatch(ctx, raws)
	if report.Changed() {
		a.ranking.ClearCache()
	}
	return report, err
}

// CollectOnce runs a single collection cycle ending now.
func (a *Application) CollectOnce(ctx context.Context) (domain.IngestReport, error) {
	return a.collector.Collect(ctx, time.Now().In(a.cfg.Scheduler.Location()))
}

// Run starts the scheduler, the cache janitor and the metrics endpoint, then blocks
// until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	go a.cache.RunJanitor(ctx, a.cfg.Cache.SweepInterval, func(removed int) {
		if removed > 0 {
			a.logger.Debug("cache sweep", "removed", removed)
		}
	})

	var srv *http.Server
	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			a.logger.Info("metrics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("collector scheduled", "interval", a.cfg.Scheduler.Interval, "lookback", a.cfg.Scheduler.Lookback)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	return nil
}

// Close releases the database pool.
func (a *Application) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
