package ports

import (
	"context"
	"time"

	"BookRanker/internal/domain"
	"BookRanker/internal/extractor"
)

// ArticleSource pulls raw articles from upstream content providers.
type ArticleSource interface {
	FetchSince(ctx context.Context, since, until time.Time) ([]domain.RawArticle, error)
}

// IngestionTx is the unit of work the pipeline runs per article. Everything done
// through one IngestionTx is committed together or not at all.
type IngestionTx interface {
	UpsertArticle(ctx context.Context, article domain.Article) (domain.Article, error)
	EnsureBook(ctx context.Context, draft domain.Book) (book domain.Book, created bool, err error)
	InsertMention(ctx context.Context, mention domain.Mention) (created bool, err error)
	RecomputeBookStats(ctx context.Context, bookIDs []int64) error
}

// IngestionRepository persists articles, books and mentions for the pipeline.
type IngestionRepository interface {
	FindBooksByIdentifiers(ctx context.Context, identifiers []string) (map[string]domain.Book, error)
	WithinTx(ctx context.Context, fn func(tx IngestionTx) error) error
	RecomputeStatistics(ctx context.Context, bookIDs []int64) error
}

// RankingRepository serves the read side used by the ranking engine.
type RankingRepository interface {
	AggregateBookStats(ctx context.Context, q domain.StatsQuery) ([]domain.BookAggregate, error)
	TopArticlesForBooks(ctx context.Context, bookIDs []int64, q domain.StatsQuery, perBook int) (map[int64][]domain.ArticleSummary, error)
	ListTags(ctx context.Context) ([]domain.TagCount, error)
	ListYears(ctx context.Context) ([]int, error)
	GetBookDetail(ctx context.Context, identifier string) (domain.BookDetail, error)
}

// Repository is the full storage contract.
type Repository interface {
	IngestionRepository
	RankingRepository
}

// IdentifierExtractor recognizes book identifiers in free text.
type IdentifierExtractor interface {
	Extract(text string) extractor.Result
}

// Ranker serves book rankings.
type Ranker interface {
	GetRanking(ctx context.Context, filter domain.RankingFilter) (domain.RankingResult, error)
}

// MetadataProvider looks up best-effort book metadata. ok=false means unavailable.
type MetadataProvider interface {
	LookupBookMetadata(ctx context.Context, identifier string) (domain.BookMetadata, bool)
}

// CacheInvalidator drops cached read models after data changes.
type CacheInvalidator interface {
	ClearCache()
}

// Notifier streams digests to Telegram or other channels.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// Scheduler controls when collection jobs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
