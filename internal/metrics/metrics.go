// Package metrics exposes Prometheus instrumentation for ingestion, ranking and the cache.
package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"BookRanker/internal/cache"
	"BookRanker/internal/domain"
)

// Metrics groups the application collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	articles        *prometheus.CounterVec
	booksCreated    prometheus.Counter
	mentionsCreated prometheus.Counter
	retries         prometheus.Counter
	breakerState    prometheus.Gauge
	ingestDuration  prometheus.Histogram
	rankingDuration *prometheus.HistogramVec
}

// New builds and registers collectors on reg.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		articles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "articles_total",
			Help:      "Articles handled by ingestion, by outcome.",
		}, []string{"outcome"}),
		booksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "books_created_total",
			Help:      "Books created on first sighting of their identifier.",
		}),
		mentionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "mentions_created_total",
			Help:      "New book/article mention pairs.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "storage_retries_total",
			Help:      "Storage attempts retried after a transient failure.",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "breaker_state",
			Help:      "Storage circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one ingestion batch.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		rankingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ranking",
			Name:      "request_duration_seconds",
			Help:      "Ranking request latency by cache result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cache"}),
	}

	for _, c := range []prometheus.Collector{
		m.articles, m.booksCreated, m.mentionsCreated, m.retries,
		m.breakerState, m.ingestDuration, m.rankingDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveIngest records the outcome of one batch.
func (m *Metrics) ObserveIngest(report domain.IngestReport) {
	if m == nil {
		return
	}
	m.articles.WithLabelValues("processed").Add(float64(report.ArticlesProcessed))
	m.articles.WithLabelValues("failed").Add(float64(len(report.Failures)))
	m.booksCreated.Add(float64(report.BooksCreated))
	m.mentionsCreated.Add(float64(report.MentionsCreated))
	if !report.FinishedAt.IsZero() {
		m.ingestDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
}

// ObserveRetry counts one retried storage attempt.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// ObserveBreakerState publishes the breaker state as 0, 1 or 2.
func (m *Metrics) ObserveBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

// ObserveRanking records one ranking request.
func (m *Metrics) ObserveRanking(d time.Duration, cached bool) {
	if m == nil {
		return
	}
	label := "miss"
	if cached {
		label = "hit"
	}
	m.rankingDuration.WithLabelValues(label).Observe(d.Seconds())
}

// CacheStatsCollector reads cache counters on each scrape.
type CacheStatsCollector struct {
	stats func() cache.Stats

	entries *prometheus.Desc
	hits    *prometheus.Desc
	misses  *prometheus.Desc
	evicted *prometheus.Desc
}

// NewCacheStatsCollector creates a collector reading from stats.
func NewCacheStatsCollector(namespace string, stats func() cache.Stats) *CacheStatsCollector {
	return &CacheStatsCollector{
		stats: stats,
		entries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "entries"),
			"Entries currently held by the ranking cache",
			nil, nil,
		),
		hits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "hits_total"),
			"Ranking cache hits",
			nil, nil,
		),
		misses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "misses_total"),
			"Ranking cache misses",
			nil, nil,
		),
		evicted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "evictions_total"),
			"Expired entries removed from the ranking cache",
			nil, nil,
		),
	}
}

// Describe sends all metric descriptors to the channel.
func (c *CacheStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.hits
	ch <- c.misses
	ch <- c.evicted
}

// Collect gathers current cache statistics.
func (c *CacheStatsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.stats == nil {
		return
	}
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evicted, prometheus.CounterValue, float64(s.Evictions))
}

// RegisterRuntime adds the cache collector and, when db is non-nil, connection pool stats.
func RegisterRuntime(reg prometheus.Registerer, namespace string, stats func() cache.Stats, db *sql.DB) error {
	if err := reg.Register(NewCacheStatsCollector(namespace, stats)); err != nil {
		return err
	}
	if db != nil {
		if err := reg.Register(collectors.NewDBStatsCollector(db, namespace)); err != nil {
			return err
		}
	}
	return nil
}
