package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"BookRanker/internal/domain"
	"BookRanker/internal/ports"
)

type mentionKey struct {
	bookID    int64
	articleID int64
}

type memState struct {
	nextBookID    int64
	nextArticleID int64
	nextMentionID int64

	books          map[int64]domain.Book
	bookIDs        map[string]int64
	articles       map[int64]domain.Article
	articleIDs     map[string]int64
	mentions       map[int64]domain.Mention
	mentionsByPair map[mentionKey]int64
}

func newMemState() *memState {
	return &memState{
		books:          map[int64]domain.Book{},
		bookIDs:        map[string]int64{},
		articles:       map[int64]domain.Article{},
		articleIDs:     map[string]int64{},
		mentions:       map[int64]domain.Mention{},
		mentionsByPair: map[mentionKey]int64{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextBookID:     s.nextBookID,
		nextArticleID:  s.nextArticleID,
		nextMentionID:  s.nextMentionID,
		books:          make(map[int64]domain.Book, len(s.books)),
		bookIDs:        make(map[string]int64, len(s.bookIDs)),
		articles:       make(map[int64]domain.Article, len(s.articles)),
		articleIDs:     make(map[string]int64, len(s.articleIDs)),
		mentions:       make(map[int64]domain.Mention, len(s.mentions)),
		mentionsByPair: make(map[mentionKey]int64, len(s.mentionsByPair)),
	}
	for k, v := range s.books {
		c.books[k] = v
	}
	for k, v := range s.bookIDs {
		c.bookIDs[k] = v
	}
	for k, v := range s.articles {
		c.articles[k] = v
	}
	for k, v := range s.articleIDs {
		c.articleIDs[k] = v
	}
	for k, v := range s.mentions {
		c.mentions[k] = v
	}
	for k, v := range s.mentionsByPair {
		c.mentionsByPair[k] = v
	}
	return c
}

// MemoryRepository keeps books, articles and mentions in process memory with the
// same semantics as the Postgres adapter. Transactions work on a private copy that
// replaces the shared state on commit, so readers never observe partial writes.
type MemoryRepository struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *memState
	loc     *time.Location
}

var _ ports.Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty store. loc defines calendar years reported by
// ListYears; nil means UTC.
func NewMemoryRepository(loc *time.Location) *MemoryRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &MemoryRepository{state: newMemState(), loc: loc}
}

func (r *MemoryRepository) snapshot() *memState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// FindBooksByIdentifiers returns the books that already exist, keyed by identifier.
func (r *MemoryRepository) FindBooksByIdentifiers(ctx context.Context, identifiers []string) (map[string]domain.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.snapshot()
	out := make(map[string]domain.Book, len(identifiers))
	for _, id := range identifiers {
		if bookID, ok := s.bookIDs[id]; ok {
			out[id] = s.books[bookID]
		}
	}
	return out, nil
}

// WithinTx runs fn against a private copy of the store and publishes it only when
// fn succeeds. Writers are serialized.
func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx ports.IngestionTx) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := r.snapshot().clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = work
	r.mu.Unlock()
	return nil
}

// RecomputeStatistics rebuilds denormalized counters for bookIDs.
func (r *MemoryRepository) RecomputeStatistics(ctx context.Context, bookIDs []int64) error {
	return r.WithinTx(ctx, func(tx ports.IngestionTx) error {
		return tx.RecomputeBookStats(ctx, bookIDs)
	})
}

// AggregateBookStats groups the filtered mention set by book.
func (r *MemoryRepository) AggregateBookStats(ctx context.Context, q domain.StatsQuery) ([]domain.BookAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.snapshot()

	type acc struct {
		agg      domain.BookAggregate
		articles map[int64]struct{}
		authors  map[string]struct{}
	}
	byBook := map[int64]*acc{}

	for _, m := range s.mentions {
		article := s.articles[m.ArticleID]
		if !matchesArticle(article, q) {
			continue
		}
		book := s.books[m.BookID]
		if !matchesSearch(book, q.Search) {
			continue
		}

		a, ok := byBook[book.ID]
		if !ok {
			a = &acc{
				agg:      domain.BookAggregate{Book: book},
				articles: map[int64]struct{}{},
				authors:  map[string]struct{}{},
			}
			byBook[book.ID] = a
		}
		a.agg.MentionCount++
		a.agg.TotalLikes += article.Likes
		a.articles[article.ID] = struct{}{}
		a.authors[article.AuthorID] = struct{}{}
		if m.MentionedAt.After(a.agg.LatestMentionAt) {
			a.agg.LatestMentionAt = m.MentionedAt
		}
	}

	out := make([]domain.BookAggregate, 0, len(byBook))
	for _, a := range byBook {
		a.agg.ArticleCount = len(a.articles)
		a.agg.UniqueUserCount = len(a.authors)
		out = append(out, a.agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Book.ID < out[j].Book.ID })
	return out, nil
}

// TopArticlesForBooks returns up to perBook filtered articles per book, ranked by
// likes then recency.
func (r *MemoryRepository) TopArticlesForBooks(ctx context.Context, bookIDs []int64, q domain.StatsQuery, perBook int) (map[int64][]domain.ArticleSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := make(map[int64][]domain.ArticleSummary, len(bookIDs))
	if len(bookIDs) == 0 || perBook <= 0 {
		return result, nil
	}

	wanted := make(map[int64]struct{}, len(bookIDs))
	for _, id := range bookIDs {
		wanted[id] = struct{}{}
	}

	s := r.snapshot()
	candidates := map[int64][]domain.Article{}
	for _, m := range s.mentions {
		if _, ok := wanted[m.BookID]; !ok {
			continue
		}
		article := s.articles[m.ArticleID]
		if !matchesArticle(article, q) {
			continue
		}
		candidates[m.BookID] = append(candidates[m.BookID], article)
	}

	for bookID, articles := range candidates {
		sortByEngagement(articles)
		if len(articles) > perBook {
			articles = articles[:perBook]
		}
		summaries := make([]domain.ArticleSummary, 0, len(articles))
		for _, a := range articles {
			summaries = append(summaries, a.Summary())
		}
		result[bookID] = summaries
	}
	return result, nil
}

// ListTags counts distinct mentioned books per article tag.
func (r *MemoryRepository) ListTags(ctx context.Context) ([]domain.TagCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.snapshot()

	books := map[string]map[int64]struct{}{}
	for _, m := range s.mentions {
		for _, tag := range s.articles[m.ArticleID].Tags {
			if books[tag] == nil {
				books[tag] = map[int64]struct{}{}
			}
			books[tag][m.BookID] = struct{}{}
		}
	}

	out := make([]domain.TagCount, 0, len(books))
	for tag, ids := range books {
		out = append(out, domain.TagCount{Tag: tag, BookCount: len(ids)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BookCount != out[j].BookCount {
			return out[i].BookCount > out[j].BookCount
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}

// ListYears returns the calendar years that have at least one mention, newest first.
func (r *MemoryRepository) ListYears(ctx context.Context) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.snapshot()

	seen := map[int]struct{}{}
	for _, m := range s.mentions {
		seen[m.MentionedAt.In(r.loc).Year()] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for y := range seen {
		out = append(out, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out, nil
}

// GetBookDetail loads a book and every article mentioning it.
func (r *MemoryRepository) GetBookDetail(ctx context.Context, identifier string) (domain.BookDetail, error) {
	if err := ctx.Err(); err != nil {
		return domain.BookDetail{}, err
	}
	s := r.snapshot()

	bookID, ok := s.bookIDs[identifier]
	if !ok {
		return domain.BookDetail{}, fmt.Errorf("book %s: %w", identifier, domain.ErrNotFound)
	}

	var articles []domain.Article
	for _, m := range s.mentions {
		if m.BookID == bookID {
			articles = append(articles, s.articles[m.ArticleID])
		}
	}
	sortByEngagement(articles)

	detail := domain.BookDetail{Book: s.books[bookID], Articles: make([]domain.ArticleSummary, 0, len(articles))}
	for _, a := range articles {
		detail.Articles = append(detail.Articles, a.Summary())
	}
	return detail, nil
}

type memTx struct {
	state *memState
}

var _ ports.IngestionTx = (*memTx)(nil)

func (t *memTx) UpsertArticle(ctx context.Context, article domain.Article) (domain.Article, error) {
	s := t.state
	if id, ok := s.articleIDs[article.SourceID]; ok {
		stored := s.articles[id]
		stored.Likes = article.Likes
		stored.Comments = article.Comments
		stored.Stocks = article.Stocks
		s.articles[id] = stored
		return stored, nil
	}

	s.nextArticleID++
	article.ID = s.nextArticleID
	article.Tags = append([]string{}, article.Tags...)
	s.articles[article.ID] = article
	s.articleIDs[article.SourceID] = article.ID
	return article, nil
}

func (t *memTx) EnsureBook(ctx context.Context, draft domain.Book) (domain.Book, bool, error) {
	s := t.state
	if id, ok := s.bookIDs[draft.Identifier]; ok {
		return s.books[id], false, nil
	}

	s.nextBookID++
	book := draft
	book.ID = s.nextBookID
	book.TotalMentions = 0
	book.FirstMentionedAt = nil
	book.LatestMentionAt = nil
	s.books[book.ID] = book
	s.bookIDs[book.Identifier] = book.ID
	return book, true, nil
}

func (t *memTx) InsertMention(ctx context.Context, mention domain.Mention) (bool, error) {
	s := t.state
	if _, ok := s.books[mention.BookID]; !ok {
		return false, fmt.Errorf("insert mention: book %d: %w", mention.BookID, domain.ErrNotFound)
	}
	if _, ok := s.articles[mention.ArticleID]; !ok {
		return false, fmt.Errorf("insert mention: article %d: %w", mention.ArticleID, domain.ErrNotFound)
	}

	key := mentionKey{bookID: mention.BookID, articleID: mention.ArticleID}
	if _, ok := s.mentionsByPair[key]; ok {
		return false, nil
	}

	s.nextMentionID++
	mention.ID = s.nextMentionID
	s.mentions[mention.ID] = mention
	s.mentionsByPair[key] = mention.ID
	return true, nil
}

func (t *memTx) RecomputeBookStats(ctx context.Context, bookIDs []int64) error {
	s := t.state
	if len(bookIDs) == 0 {
		return nil
	}

	byBook := make(map[int64][]domain.Mention, len(bookIDs))
	for _, id := range bookIDs {
		byBook[id] = nil
	}
	for _, m := range s.mentions {
		if _, ok := byBook[m.BookID]; ok {
			byBook[m.BookID] = append(byBook[m.BookID], m)
		}
	}

	for id, mentions := range byBook {
		book, ok := s.books[id]
		if !ok {
			continue
		}
		stats := domain.ComputeMentionStats(id, mentions)
		book.TotalMentions = stats.TotalMentions
		book.FirstMentionedAt = stats.FirstMentionedAt
		book.LatestMentionAt = stats.LatestMentionAt
		s.books[id] = book
	}
	return nil
}

func matchesArticle(a domain.Article, q domain.StatsQuery) bool {
	if len(q.Tags) > 0 && !a.HasAnyTag(q.Tags) {
		return false
	}
	if q.From != nil && a.PublishedAt.Before(*q.From) {
		return false
	}
	if q.Until != nil && !a.PublishedAt.Before(*q.Until) {
		return false
	}
	return true
}

func matchesSearch(b domain.Book, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	for _, field := range []string{b.Title, b.Author, b.Publisher, b.Identifier} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

func sortByEngagement(articles []domain.Article) {
	sort.Slice(articles, func(i, j int) bool {
		if articles[i].Likes != articles[j].Likes {
			return articles[i].Likes > articles[j].Likes
		}
		if !articles[i].PublishedAt.Equal(articles[j].PublishedAt) {
			return articles[i].PublishedAt.After(articles[j].PublishedAt)
		}
		return articles[i].ID < articles[j].ID
	})
}
