package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BookRanker/internal/domain"
	"BookRanker/internal/extractor"
	"BookRanker/internal/infrastructure/storage"
	"BookRanker/internal/ports"
)

var published = time.Date(2025, time.April, 1, 8, 0, 0, 0, time.UTC)

type stubMetadata struct {
	mu    sync.Mutex
	books map[string]domain.BookMetadata
	calls map[string]int
}

func (s *stubMetadata) LookupBookMetadata(_ context.Context, identifier string) (domain.BookMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[identifier]++
	meta, ok := s.books[identifier]
	return meta, ok
}

// flakyRepo fails the first n transactions with err before delegating.
type flakyRepo struct {
	ports.IngestionRepository
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyRepo) WithinTx(ctx context.Context, fn func(tx ports.IngestionTx) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.IngestionRepository.WithinTx(ctx, fn)
}

// selectiveRepo fails every transaction that upserts the given source id.
type selectiveRepo struct {
	ports.IngestionRepository
	sourceID string
	err      error
}

func (s *selectiveRepo) WithinTx(ctx context.Context, fn func(tx ports.IngestionTx) error) error {
	return s.IngestionRepository.WithinTx(ctx, func(tx ports.IngestionTx) error {
		return fn(&selectiveTx{IngestionTx: tx, sourceID: s.sourceID, err: s.err})
	})
}

type selectiveTx struct {
	ports.IngestionTx
	sourceID string
	err      error
}

func (s *selectiveTx) UpsertArticle(ctx context.Context, a domain.Article) (domain.Article, error) {
	if a.SourceID == s.sourceID {
		return domain.Article{}, s.err
	}
	return s.IngestionTx.UpsertArticle(ctx, a)
}

func newTestIngestion(repo ports.IngestionRepository, meta ports.MetadataProvider) *Ingestion {
	retrier := NewRetrier(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil, nil)
	retrier.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return NewIngestion(IngestionDeps{
		Repository: repo,
		Extractor:  extractor.MustNew(nil),
		Metadata:   meta,
		Retrier:    retrier,
		Affiliate:  domain.Affiliate{BaseURL: "https://www.amazon.co.jp", Tag: "books-22"},
	})
}

func raw(sourceID, author string, likes int, body string) domain.RawArticle {
	return domain.RawArticle{
		SourceID:    sourceID,
		Title:       "article " + sourceID,
		URL:         "https://qiita.com/" + author + "/items/" + sourceID,
		AuthorID:    author,
		Tags:        []string{"Go"},
		Likes:       likes,
		Body:        body,
		PublishedAt: published,
	}
}

func findBook(t *testing.T, repo ports.IngestionRepository, identifier string) domain.Book {
	t.Helper()
	books, err := repo.FindBooksByIdentifiers(context.Background(), []string{identifier})
	require.NoError(t, err)
	book, ok := books[identifier]
	require.True(t, ok, "book %s not found", identifier)
	return book
}

func TestIngestBatchCreatesBooksAndMentions(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository(nil)
	meta := &stubMetadata{books: map[string]domain.BookMetadata{
		"4873115655": {Title: "Readable Code", Author: "Dustin Boswell"},
	}}
	p := newTestIngestion(repo, meta)

	report, err := p.IngestBatch(context.Background(), []domain.RawArticle{
		raw("A1", "u1", 10, "see https://www.amazon.co.jp/dp/4873115655 and https://amazon.co.jp/dp/4297139642"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.ArticlesReceived)
	assert.Equal(t, 1, report.ArticlesProcessed)
	assert.Equal(t, 2, report.BooksCreated)
	assert.Equal(t, 2, report.MentionsCreated)
	assert.Len(t, report.TouchedBookIDs, 2)
	assert.Empty(t, report.Failures)
	assert.NotEqual(t, [16]byte{}, [16]byte(report.RunID))

	enriched := findBook(t, repo, "4873115655")
	assert.Equal(t, "Readable Code", enriched.Title)
	assert.Equal(t, "https://www.amazon.co.jp/dp/4873115655?tag=books-22", enriched.PurchaseURL)
	assert.Equal(t, 1, enriched.TotalMentions)

	placeholder := findBook(t, repo, "4297139642")
	assert.Equal(t, "ISBN 4297139642", placeholder.Title)
}

func TestIngestBatchIsIdempotent(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository(nil)
	p := newTestIngestion(repo, nil)
	batch := []domain.RawArticle{
		raw("A1", "u1", 10, "https://www.amazon.co.jp/dp/4873115655"),
		raw("A2", "u2", 0, "https://www.amazon.co.jp/gp/product/4873115655/"),
	}
	batch[1].PublishedAt = published.Add(time.Hour)

	first, err := p.IngestBatch(context.Background(), batch)
	require.NoError(t, err)
	before := findBook(t, repo, "4873115655")

	second, err := p.IngestBatch(context.Background(), batch)
	require.NoError(t, err)
	after := findBook(t, repo, "4873115655")

	assert.Equal(t, 2, first.MentionsCreated)
	assert.Equal(t, 0, second.MentionsCreated)
	assert.Equal(t, 0, second.BooksCreated)
	assert.Equal(t, 2, second.ArticlesProcessed)

	assert.Equal(t, 2, after.TotalMentions)
	assert.Equal(t, before.TotalMentions, after.TotalMentions)
	assert.True(t, before.FirstMentionedAt.Equal(*after.FirstMentionedAt))
	assert.True(t, before.LatestMentionAt.Equal(*after.LatestMentionAt))
	assert.True(t, after.FirstMentionedAt.Equal(published))
	assert.True(t, after.LatestMentionAt.Equal(published.Add(time.Hour)))
}

func TestIngestBatchDedupesSameBookWithinArticle(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository(nil)
	p := newTestIngestion(repo, nil)

	report, err := p.IngestBatch(context.Background(), []domain.RawArticle{
		raw("A1", "u1", 1, "https://www.amazon.co.jp/dp/4873115655 https://amzn.to/4873115655"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.MentionsCreated)

	report, err = p.IngestBatch(context.Background(), []domain.RawArticle{
		raw("A1", "u1", 1, "rewritten body, same link: https://amazon.co.jp/exec/obidos/ASIN/4873115655/"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.MentionsCreated)
	assert.Equal(t, 1, findBook(t, repo, "4873115655").TotalMentions)
}

func TestIngestBatchPersistsArticleWithoutIdentifiers(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository(nil)
	p := newTestIngestion(repo, nil)

	report, err := p.IngestBatch(context.Background(), []domain.RawArticle{
		raw("A1", "u1", 3, "no affiliate links here, only https://amzn.to/3xYzAbC"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ArticlesProcessed)
	assert.Zero(t, report.BooksCreated)
	assert.Empty(t, report.TouchedBookIDs)

	// The article row exists: a later mention by the same source id reuses it.
	report, err = p.IngestBatch(context.Background(), []domain.RawArticle{
		raw("A1", "u1", 5, "https://www.amazon.co.jp/dp/4873115655"),
	})
	require.NoError(t, err)
	detail, err := repo.GetBookDetail(context.Background(), "4873115655")
	require.NoError(t, err)
	require.Len(t, detail.Articles, 1)
	assert.Equal(t, 5, detail.Articles[0].Likes)
}

func TestIngestBatchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemoryRepository(nil)
	repo := &flakyRepo{
		IngestionRepository: mem,
		failures:            2,
		err:                 domain.Transient("begin tx", errors.New("connection reset")),
	}
	meta := &stubMetadata{}
	p := newTestIngestion(repo, meta)

	report, err := p.IngestBatch(context.Background(), []domain.RawArticle{
		raw("A1", "u1", 10, "https://www.amazon.co.jp/dp/4873115655"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ArticlesProcessed)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 3, repo.calls)
	assert.Equal(t, 1, meta.calls["4873115655"], "enrichment must not repeat across retries")
	assert.Equal(t, 1, findBook(t, mem, "4873115655").TotalMentions)
}

func TestIngestBatchRecordsExhaustedRetries(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemoryRepository(nil)
	repo := &flakyRepo{
		IngestionRepository: mem,
		failures:            3,
		err:                 domain.Transient("begin tx", errors.New("connection reset")),
	}
	p := newTestIngestion(repo, nil)

	report, err := p.IngestBatch(context.Background(), []domain.RawArticle{
		raw("A1", "u1", 10, "https://www.amazon.co.jp/dp/4873115655"),
		raw("A2", "u2", 0, "https://www.amazon.co.jp/dp/4297139642"),
	})
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	failure := report.Failures[0]
	assert.Equal(t, "A1", failure.SourceID)
	assert.Equal(t, domain.FailureTransientExhausted, failure.Kind)
	assert.Equal(t, 3, failure.Attempts)
	assert.ErrorIs(t, failure, domain.ErrPermanentItem)
	assert.ErrorIs(t, failure, domain.ErrTransientStorage)

	assert.Equal(t, 1, report.ArticlesProcessed)
	books, err := mem.FindBooksByIdentifiers(context.Background(), []string{"4873115655", "4297139642"})
	require.NoError(t, err)
	assert.NotContains(t, books, "4873115655")
	assert.Contains(t, books, "4297139642")
}

func TestIngestBatchPermanentFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemoryRepository(nil)
	repo := &selectiveRepo{IngestionRepository: mem, sourceID: "BAD", err: errors.New("value too long")}
	p := newTestIngestion(repo, nil)

	report, err := p.IngestBatch(context.Background(), []domain.RawArticle{
		raw("A1", "u1", 1, "https://www.amazon.co.jp/dp/4873115655"),
		raw("BAD", "u2", 1, "https://www.amazon.co.jp/dp/4297139642"),
		raw("", "u3", 1, "https://www.amazon.co.jp/dp/4774142042"),
		raw("A3", "u4", 1, "https://www.amazon.co.jp/dp/4873115655"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.ArticlesProcessed)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, "BAD", report.Failures[0].SourceID)
	assert.Equal(t, domain.FailurePermanent, report.Failures[0].Kind)
	assert.Equal(t, 1, report.Failures[0].Attempts)
	assert.Equal(t, "", report.Failures[1].SourceID)

	assert.Equal(t, 2, findBook(t, mem, "4873115655").TotalMentions)
	books, err := mem.FindBooksByIdentifiers(context.Background(), []string{"4297139642"})
	require.NoError(t, err)
	assert.Empty(t, books, "failed article must not leave partial book state")
}

func TestIngestBatchStopsOnCancellation(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository(nil)
	ctx, cancel := context.WithCancel(context.Background())

	meta := &cancellingMetadata{cancel: cancel, on: "4297139642"}
	p := newTestIngestion(repo, meta)

	report, err := p.IngestBatch(ctx, []domain.RawArticle{
		raw("A1", "u1", 1, "https://www.amazon.co.jp/dp/4873115655"),
		raw("A2", "u2", 1, "https://www.amazon.co.jp/dp/4297139642"),
		raw("A3", "u3", 1, "https://www.amazon.co.jp/dp/4774142042"),
	})
	require.ErrorIs(t, err, context.Canceled)

	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, report.ArticlesProcessed)
	assert.Empty(t, report.Failures)

	books, ferr := repo.FindBooksByIdentifiers(context.Background(), []string{"4873115655", "4297139642", "4774142042"})
	require.NoError(t, ferr)
	assert.Len(t, books, 1)
	assert.Contains(t, books, "4873115655")
}

// cancellingMetadata cancels the batch while the article mentioning on is in flight.
type cancellingMetadata struct {
	cancel context.CancelFunc
	on     string
}

func (c *cancellingMetadata) LookupBookMetadata(_ context.Context, identifier string) (domain.BookMetadata, bool) {
	if identifier == c.on {
		c.cancel()
	}
	return domain.BookMetadata{}, false
}

func TestRecomputeStatistics(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository(nil)
	p := newTestIngestion(repo, nil)

	report, err := p.IngestBatch(context.Background(), []domain.RawArticle{
		raw("A1", "u1", 1, "https://www.amazon.co.jp/dp/4873115655"),
	})
	require.NoError(t, err)

	require.NoError(t, p.RecomputeStatistics(context.Background(), report.TouchedBookIDs))
	require.NoError(t, p.RecomputeStatistics(context.Background(), nil))
	assert.Equal(t, 1, findBook(t, repo, "4873115655").TotalMentions)
}
