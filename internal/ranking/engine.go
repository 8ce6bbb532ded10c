// Package ranking computes quality-weighted book rankings over filtered mention sets
// and caches the results.
package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"BookRanker/internal/cache"
	"BookRanker/internal/domain"
	"BookRanker/internal/metrics"
	"BookRanker/internal/ports"
)

// TTLPolicy holds cache lifetimes per request class.
type TTLPolicy struct {
	Search  time.Duration
	AllTime time.Duration
	Recent  time.Duration
	Window  time.Duration
	Lookup  time.Duration
}

// Options tune the engine. Zero values fall back to DefaultOptions.
type Options struct {
	DefaultFormula domain.Formula
	DefaultLimit   int
	MaxLimit       int
	TopArticles    int
	NewBookWindow  time.Duration
	Location       *time.Location
	TTL            TTLPolicy
	// LoadTimeout bounds a shared computation, which outlives the caller that started it.
	LoadTimeout    time.Duration
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		DefaultFormula: domain.FormulaQuality,
		DefaultLimit:   50,
		MaxLimit:       100,
		TopArticles:    3,
		NewBookWindow:  30 * 24 * time.Hour,
		Location:       time.UTC,
		TTL: TTLPolicy{
			Search:  time.Minute,
			AllTime: 30 * time.Minute,
			Recent:  5 * time.Minute,
			Window:  10 * time.Minute,
			Lookup:  time.Hour,
		},
		LoadTimeout: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if !o.DefaultFormula.Valid() {
		o.DefaultFormula = def.DefaultFormula
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = def.MaxLimit
	}
	if o.DefaultLimit <= 0 || o.DefaultLimit > o.MaxLimit {
		o.DefaultLimit = min(def.DefaultLimit, o.MaxLimit)
	}
	if o.TopArticles <= 0 {
		o.TopArticles = def.TopArticles
	}
	if o.NewBookWindow <= 0 {
		o.NewBookWindow = def.NewBookWindow
	}
	if o.Location == nil {
		o.Location = def.Location
	}
	if o.TTL.Search <= 0 {
		o.TTL.Search = def.TTL.Search
	}
	if o.TTL.AllTime <= 0 {
		o.TTL.AllTime = def.TTL.AllTime
	}
	if o.TTL.Recent <= 0 {
		o.TTL.Recent = def.TTL.Recent
	}
	if o.TTL.Window <= 0 {
		o.TTL.Window = def.TTL.Window
	}
	if o.TTL.Lookup <= 0 {
		o.TTL.Lookup = def.TTL.Lookup
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = def.LoadTimeout
	}
	return o
}

// Deps wires the engine's collaborators.
type Deps struct {
	Repository ports.RankingRepository
	Cache      *cache.Cache
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Options    Options
	Now        func() time.Time
}

// Engine serves rankings, tag and year listings and book details. It is the only
// reader and writer of its cache and is safe for concurrent use. Returned values may
// be shared with other callers and must not be mutated.
type Engine struct {
	repo    ports.RankingRepository
	cache   *cache.Cache
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options
	now     func() time.Time

	// mu orders cache writes against ClearCache; generation counts clears.
	mu         sync.RWMutex
	generation uint64
}

var (
	_ ports.Ranker           = (*Engine)(nil)
	_ ports.CacheInvalidator = (*Engine)(nil)
)

// NewEngine constructs the engine. A nil cache gets a private one.
func NewEngine(deps Deps) *Engine {
	e := &Engine{
		repo:    deps.Repository,
		cache:   deps.Cache,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		opts:    deps.Options.withDefaults(),
		now:     deps.Now,
	}
	if e.cache == nil {
		e.cache = cache.New()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// GetRanking validates filter, then returns the cached page or computes it.
func (e *Engine) GetRanking(ctx context.Context, filter domain.RankingFilter) (domain.RankingResult, error) {
	start := time.Now()

	f, err := e.normalize(filter)
	if err != nil {
		return domain.RankingResult{}, err
	}

	key := cache.Key("rankings", f)
	if v, ok := e.cache.Get(key); ok {
		if res, ok := v.(domain.RankingResult); ok {
			e.metrics.ObserveRanking(time.Since(start), true)
			return res, nil
		}
	}

	v, err := e.load(ctx, key, e.ttlFor(f), func(ctx context.Context) (any, error) {
		return e.compute(ctx, f)
	})
	if err != nil {
		return domain.RankingResult{}, fmt.Errorf("ranking unavailable: %w", err)
	}

	e.metrics.ObserveRanking(time.Since(start), false)
	return v.(domain.RankingResult), nil
}

func (e *Engine) compute(ctx context.Context, f domain.RankingFilter) (domain.RankingResult, error) {
	if e.repo == nil {
		return domain.RankingResult{}, fmt.Errorf("ranking repository is not configured")
	}
	if e.logger != nil {
		e.logger.Debug("ranking cache miss", "tags", f.Tags, "date_range", f.DateRange, "search", f.SearchTerm,
			"limit", f.Limit, "offset", f.Offset, "formula", f.Formula)
	}

	q := e.statsQuery(f)
	aggs, err := e.repo.AggregateBookStats(ctx, q)
	if err != nil {
		return domain.RankingResult{}, fmt.Errorf("aggregate book stats: %w", err)
	}

	now := e.now()
	items := make([]domain.RankingItem, 0, len(aggs))
	for _, agg := range aggs {
		stats := StatsFromAggregate(agg)
		items = append(items, domain.RankingItem{
			Book:        agg.Book,
			Stats:       stats,
			Score:       Score(f.Formula, stats),
			IsNew:       e.isNew(agg.Book, now),
			TopArticles: []domain.ArticleSummary{},
		})
	}
	sortItems(items)

	result := domain.RankingResult{
		Rankings: []domain.RankingItem{},
		Total:    len(items),
		Limit:    f.Limit,
		Offset:   f.Offset,
		Formula:  f.Formula,
	}
	if f.Offset >= len(items) {
		return result, nil
	}
	page := items[f.Offset:min(f.Offset+f.Limit, len(items))]
	for i := range page {
		page[i].Rank = f.Offset + i + 1
	}

	ids := make([]int64, len(page))
	for i, item := range page {
		ids[i] = item.Book.ID
	}
	top, err := e.repo.TopArticlesForBooks(ctx, ids, q, e.opts.TopArticles)
	if err != nil {
		return domain.RankingResult{}, fmt.Errorf("load top articles: %w", err)
	}
	for i := range page {
		if articles, ok := top[page[i].Book.ID]; ok {
			page[i].TopArticles = articles
		}
	}

	result.Rankings = append(result.Rankings, page...)
	return result, nil
}

func (e *Engine) isNew(book domain.Book, now time.Time) bool {
	if book.FirstMentionedAt == nil {
		return false
	}
	return now.Sub(*book.FirstMentionedAt) <= e.opts.NewBookWindow
}

// GetAllTags lists article tags with the number of distinct books they mention.
func (e *Engine) GetAllTags(ctx context.Context) ([]domain.TagCount, error) {
	v, err := e.cachedLookup(ctx, cache.Key("tags", nil), e.opts.TTL.Lookup, func(ctx context.Context) (any, error) {
		return e.repo.ListTags(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return v.([]domain.TagCount), nil
}

// GetAvailableYears lists calendar years with at least one mention, newest first.
func (e *Engine) GetAvailableYears(ctx context.Context) ([]int, error) {
	v, err := e.cachedLookup(ctx, cache.Key("years", nil), e.opts.TTL.Lookup, func(ctx context.Context) (any, error) {
		return e.repo.ListYears(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list years: %w", err)
	}
	return v.([]int), nil
}

// GetBookDetail returns a book with every article that mentions it.
func (e *Engine) GetBookDetail(ctx context.Context, identifier string) (domain.BookDetail, error) {
	v, err := e.cachedLookup(ctx, cache.Key("book", identifier), e.opts.TTL.AllTime, func(ctx context.Context) (any, error) {
		return e.repo.GetBookDetail(ctx, identifier)
	})
	if err != nil {
		return domain.BookDetail{}, fmt.Errorf("book detail %s: %w", identifier, err)
	}
	return v.(domain.BookDetail), nil
}

func (e *Engine) cachedLookup(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (any, error)) (any, error) {
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}
	if e.repo == nil {
		return nil, fmt.Errorf("ranking repository is not configured")
	}
	return e.load(ctx, key, ttl, fetch)
}

// load shares one fetch per key and cache generation between concurrent callers.
// fetch ignores the caller's cancellation and is bounded by LoadTimeout instead; each
// caller stops waiting when its own ctx is done. A result that straddles ClearCache is
// returned but never cached.
func (e *Engine) load(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (any, error)) (any, error) {
	e.mu.RLock()
	gen := e.generation
	e.mu.RUnlock()

	ch := e.group.DoChan(key+"@"+strconv.FormatUint(gen, 10), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.LoadTimeout)
		defer cancel()

		v, err := fetch(loadCtx)
		if err != nil {
			return nil, err
		}
		e.store(key, v, ttl, gen)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (e *Engine) store(key string, v any, ttl time.Duration, gen uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if gen != e.generation {
		if e.logger != nil {
			e.logger.Debug("dropping result computed before cache clear", "key", key)
		}
		return
	}
	e.cache.Set(key, v, ttl)
}

// GetCacheStats reports cache counters.
func (e *Engine) GetCacheStats() cache.Stats {
	return e.cache.Stats()
}

// ClearCache drops every cached read model.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	e.generation++
	n := e.cache.Clear()
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.Info("ranking cache cleared", "entries", n)
	}
}

// CleanupExpiredCache removes expired entries and returns how many were reclaimed.
func (e *Engine) CleanupExpiredCache() int {
	return e.cache.CleanupExpired()
}
