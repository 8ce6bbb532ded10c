package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BookRanker/internal/domain"
	"BookRanker/internal/infrastructure/storage"
)

type stubSource struct {
	articles     []domain.RawArticle
	err          error
	since, until time.Time
}

func (s *stubSource) FetchSince(_ context.Context, since, until time.Time) ([]domain.RawArticle, error) {
	s.since, s.until = since, until
	return s.articles, s.err
}

type countingInvalidator struct{ n int }

func (c *countingInvalidator) ClearCache() { c.n++ }

type stubRanker struct {
	result domain.RankingResult
	err    error
	filter domain.RankingFilter
}

func (s *stubRanker) GetRanking(_ context.Context, f domain.RankingFilter) (domain.RankingResult, error) {
	s.filter = f
	return s.result, s.err
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) PublishDigest(_ context.Context, digest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, digest)
	return nil
}

func topItem() domain.RankingItem {
	return domain.RankingItem{
		Rank:  1,
		Book:  domain.Book{Identifier: "4873115655", Title: "Readable Code", Author: "Dustin Boswell"},
		Stats: domain.BookStats{ArticleCount: 4, TotalLikes: 1530},
	}
}

func TestFormatCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "999", FormatCount(999))
	assert.Equal(t, "1.0K", FormatCount(1000))
	assert.Equal(t, "1.5K", FormatCount(1530))
	assert.Equal(t, "2.3M", FormatCount(2_300_000))
}

func TestDigestPublishesDailyTop(t *testing.T) {
	t.Parallel()

	ranker := &stubRanker{result: domain.RankingResult{Rankings: []domain.RankingItem{topItem()}}}
	notifier := &recordingNotifier{}
	d := NewDigest(ranker, notifier, "https://books.example.com/", nil)

	require.NoError(t, d.Publish(context.Background()))

	assert.Equal(t, 1, ranker.filter.DateRange.Days)
	assert.Equal(t, 1, ranker.filter.Limit)
	require.Len(t, notifier.messages, 1)
	msg := notifier.messages[0]
	assert.Contains(t, msg, "Readable Code")
	assert.Contains(t, msg, "Featured in 4 article(s)")
	assert.Contains(t, msg, "Total likes: 1.5K")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(msg), "https://books.example.com/books/4873115655"))
}

func TestDigestSkipsEmptyRanking(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	d := NewDigest(&stubRanker{}, notifier, "", nil)
	require.NoError(t, d.Publish(context.Background()))
	assert.Empty(t, notifier.messages)

	failing := NewDigest(&stubRanker{err: errors.New("db down")}, notifier, "", nil)
	assert.Error(t, failing.Publish(context.Background()))
}

func TestCollectorIngestsAndInvalidates(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository(nil)
	source := &stubSource{articles: []domain.RawArticle{
		raw("A1", "u1", 3, "https://www.amazon.co.jp/dp/4873115655"),
	}}
	invalidator := &countingInvalidator{}
	notifier := &recordingNotifier{}
	ranker := &stubRanker{result: domain.RankingResult{Rankings: []domain.RankingItem{topItem()}}}

	c := NewCollector(CollectorDeps{
		Source:      source,
		Ingestion:   newTestIngestion(repo, nil),
		Invalidator: invalidator,
		Digest:      NewDigest(ranker, notifier, "", nil),
		Lookback:    6 * time.Hour,
	})

	now := time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC)
	report, err := c.Collect(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, report.ArticlesProcessed)
	assert.Equal(t, now.Add(-6*time.Hour), source.since)
	assert.Equal(t, now, source.until)
	assert.Equal(t, 1, invalidator.n)
	assert.Len(t, notifier.messages, 1)

	source.articles = nil
	_, err = c.Collect(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, invalidator.n, "empty run must keep the cache")
}

func TestCollectorPropagatesFetchError(t *testing.T) {
	t.Parallel()

	c := NewCollector(CollectorDeps{
		Source:    &stubSource{err: errors.New("rate limited")},
		Ingestion: newTestIngestion(storage.NewMemoryRepository(nil), nil),
	})
	_, err := c.Collect(context.Background(), time.Now())
	assert.ErrorContains(t, err, "rate limited")
}

type manualDriver struct {
	job     func(time.Time)
	stopped bool
}

func (m *manualDriver) Start(_ context.Context, job func(time.Time)) error {
	m.job = job
	return nil
}

func (m *manualDriver) Stop(context.Context) error {
	m.stopped = true
	return nil
}

func TestSchedulerRunsCollector(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository(nil)
	source := &stubSource{articles: []domain.RawArticle{raw("A1", "u1", 1, "https://www.amazon.co.jp/dp/4873115655")}}
	driver := &manualDriver{}
	s := NewScheduler(driver, NewCollector(CollectorDeps{Source: source, Ingestion: newTestIngestion(repo, nil)}), nil)

	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, driver.job)
	driver.job(time.Now())

	books, err := repo.FindBooksByIdentifiers(context.Background(), []string{"4873115655"})
	require.NoError(t, err)
	assert.Len(t, books, 1)

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, driver.stopped)
}
