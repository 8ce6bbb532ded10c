package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"BookRanker/internal/domain"
	"BookRanker/internal/ports"
)

// CollectorDeps wires the scheduled collection job.
type CollectorDeps struct {
	Source      ports.ArticleSource
	Ingestion   *Ingestion
	Invalidator ports.CacheInvalidator
	Digest      *Digest
	Lookback    time.Duration
	Logger      *slog.Logger
}

// Collector fetches recent articles, ingests them and refreshes read models.
type Collector struct {
	source      ports.ArticleSource
	ingestion   *Ingestion
	invalidator ports.CacheInvalidator
	digest      *Digest
	lookback    time.Duration
	logger      *slog.Logger
}

// NewCollector builds the job. A zero Lookback means one day.
func NewCollector(deps CollectorDeps) *Collector {
	lookback := deps.Lookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Collector{
		source:      deps.Source,
		ingestion:   deps.Ingestion,
		invalidator: deps.Invalidator,
		digest:      deps.Digest,
		lookback:    lookback,
		logger:      deps.Logger,
	}
}

// Collect runs one cycle for the window ending at now.
func (c *Collector) Collect(ctx context.Context, now time.Time) (domain.IngestReport, error) {
	if c.source == nil || c.ingestion == nil {
		return domain.IngestReport{}, fmt.Errorf("collector is not configured")
	}

	raws, err := c.source.FetchSince(ctx, now.Add(-c.lookback), now)
	if err != nil {
		return domain.IngestReport{}, fmt.Errorf("fetch articles: %w", err)
	}

	report, err := c.ingestion.IngestBatch(ctx, raws)
	if report.Changed() && c.invalidator != nil {
		c.invalidator.ClearCache()
	}
	if err != nil {
		return report, err
	}

	if c.digest != nil {
		if err := c.digest.Publish(ctx); err != nil && c.logger != nil {
			c.logger.Warn("daily digest failed", "error", err)
		}
	}
	return report, nil
}

// Scheduler wires the interval driver with the collection job.
type Scheduler struct {
	driver    ports.Scheduler
	collector *Collector
	logger    *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring jobs.
func NewScheduler(driver ports.Scheduler, collector *Collector, logger *slog.Logger) *Scheduler {
	return &Scheduler{driver: driver, collector: collector, logger: logger}
}

// Start registers the collector with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.collector == nil {
		return nil
	}

	job := func(trigger time.Time) {
		if _, err := s.collector.Collect(ctx, trigger); err != nil && s.logger != nil {
			s.logger.Error("scheduled collection failed", "trigger", trigger, "error", err)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
