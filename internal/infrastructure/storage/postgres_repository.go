package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"BookRanker/internal/domain"
	"BookRanker/internal/ports"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var bookColumns = []string{
	"b.id", "b.identifier", "b.title", "b.author", "b.publisher", "b.publication_date",
	"b.description", "b.thumbnail_url", "b.purchase_url",
	"b.total_mentions", "b.first_mentioned_at", "b.latest_mention_at",
}

var summaryColumns = []string{
	"a.id", "a.source_id", "a.title", "a.url", "a.author_id", "a.author_name", "a.tags", "a.likes", "a.published_at",
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresRepository persists books, articles and mentions into Postgres.
type PostgresRepository struct {
	db  *sql.DB
	loc *time.Location
}

var _ ports.Repository = (*PostgresRepository)(nil)

// NewPostgresRepository wires a sql.DB implementation. loc defines calendar years
// reported by ListYears; nil means UTC.
func NewPostgresRepository(db *sql.DB, loc *time.Location) *PostgresRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &PostgresRepository{db: db, loc: loc}
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("ping postgres", err)
	}
	return db, nil
}

// FindBooksByIdentifiers returns the books that already exist, keyed by identifier.
func (r *PostgresRepository) FindBooksByIdentifiers(ctx context.Context, identifiers []string) (map[string]domain.Book, error) {
	result := make(map[string]domain.Book, len(identifiers))
	if len(identifiers) == 0 {
		return result, nil
	}

	query, args, err := psql.Select(bookColumns...).
		From("books b").
		Where("b.identifier = ANY(?)", pq.Array(identifiers)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build books query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query books", err)
	}
	defer rows.Close()

	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, classify("scan book", err)
		}
		result[book.Identifier] = book
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate books", err)
	}
	return result, nil
}

// WithinTx runs fn inside one database transaction. The transaction is rolled back
// when fn fails and committed otherwise.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx ports.IngestionTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin tx", err)
	}

	if err := fn(&pgTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

// RecomputeStatistics rebuilds denormalized counters for bookIDs outside any batch.
func (r *PostgresRepository) RecomputeStatistics(ctx context.Context, bookIDs []int64) error {
	return (&pgTx{q: r.db}).RecomputeBookStats(ctx, bookIDs)
}

// AggregateBookStats groups the filtered mention set by book.
func (r *PostgresRepository) AggregateBookStats(ctx context.Context, q domain.StatsQuery) ([]domain.BookAggregate, error) {
	cols := append(append([]string{}, bookColumns...),
		"COUNT(m.id)",
		"COUNT(DISTINCT a.id)",
		"COUNT(DISTINCT a.author_id)",
		"COALESCE(SUM(a.likes), 0)",
		"MAX(m.mentioned_at)",
	)

	builder := psql.Select(cols...).
		From("books b").
		Join("mentions m ON m.book_id = b.id").
		Join("articles a ON a.id = m.article_id")
	builder = applyArticleFilter(builder, q)
	builder = applySearch(builder, q.Search)

	query, args, err := builder.GroupBy("b.id").OrderBy("b.id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build aggregate query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("aggregate book stats", err)
	}
	defer rows.Close()

	var out []domain.BookAggregate
	for rows.Next() {
		var agg domain.BookAggregate
		book, err := scanBook(rows,
			&agg.MentionCount, &agg.ArticleCount, &agg.UniqueUserCount, &agg.TotalLikes, &agg.LatestMentionAt)
		if err != nil {
			return nil, classify("scan aggregate", err)
		}
		agg.Book = book
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate aggregates", err)
	}
	return out, nil
}

// TopArticlesForBooks returns up to perBook articles per book, ranked by likes then
// recency, in a single query over the same filtered article set.
func (r *PostgresRepository) TopArticlesForBooks(ctx context.Context, bookIDs []int64, q domain.StatsQuery, perBook int) (map[int64][]domain.ArticleSummary, error) {
	result := make(map[int64][]domain.ArticleSummary, len(bookIDs))
	if len(bookIDs) == 0 || perBook <= 0 {
		return result, nil
	}

	innerCols := append([]string{"m.book_id"}, summaryColumns...)
	innerCols = append(innerCols,
		"ROW_NUMBER() OVER (PARTITION BY m.book_id ORDER BY a.likes DESC, a.published_at DESC, a.id ASC) AS rn")

	inner := psql.Select(innerCols...).
		From("mentions m").
		Join("articles a ON a.id = m.article_id").
		Where("m.book_id = ANY(?)", pq.Array(bookIDs))
	inner = applyArticleFilter(inner, q)

	query, args, err := psql.
		Select("book_id", "id", "source_id", "title", "url", "author_id", "author_name", "tags", "likes", "published_at").
		FromSelect(inner, "ranked").
		Where(sq.LtOrEq{"rn": perBook}).
		OrderBy("book_id", "rn").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build top articles query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query top articles", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bookID int64
		summary, err := scanSummary(rows, &bookID)
		if err != nil {
			return nil, classify("scan top article", err)
		}
		result[bookID] = append(result[bookID], summary)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate top articles", err)
	}
	return result, nil
}

const listTagsQuery = `SELECT t.tag, COUNT(DISTINCT m.book_id) AS book_count
FROM mentions m
JOIN articles a ON a.id = m.article_id
CROSS JOIN LATERAL unnest(a.tags) AS t(tag)
GROUP BY t.tag
ORDER BY book_count DESC, t.tag ASC`

// ListTags counts distinct mentioned books per article tag.
func (r *PostgresRepository) ListTags(ctx context.Context) ([]domain.TagCount, error) {
	rows, err := r.db.QueryContext(ctx, listTagsQuery)
	if err != nil {
		return nil, classify("query tags", err)
	}
	defer rows.Close()

	out := []domain.TagCount{}
	for rows.Next() {
		var tc domain.TagCount
		if err := rows.Scan(&tc.Tag, &tc.BookCount); err != nil {
			return nil, classify("scan tag", err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate tags", err)
	}
	return out, nil
}

const listYearsQuery = `SELECT DISTINCT EXTRACT(YEAR FROM m.mentioned_at AT TIME ZONE $1)::int AS year
FROM mentions m
ORDER BY year DESC`

// ListYears returns the calendar years that have at least one mention, newest first.
func (r *PostgresRepository) ListYears(ctx context.Context) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, listYearsQuery, r.loc.String())
	if err != nil {
		return nil, classify("query years", err)
	}
	defer rows.Close()

	out := []int{}
	for rows.Next() {
		var year int
		if err := rows.Scan(&year); err != nil {
			return nil, classify("scan year", err)
		}
		out = append(out, year)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate years", err)
	}
	return out, nil
}

// GetBookDetail loads a book and every article mentioning it.
func (r *PostgresRepository) GetBookDetail(ctx context.Context, identifier string) (domain.BookDetail, error) {
	query, args, err := psql.Select(bookColumns...).
		From("books b").
		Where(sq.Eq{"b.identifier": identifier}).
		ToSql()
	if err != nil {
		return domain.BookDetail{}, fmt.Errorf("build book query: %w", err)
	}

	book, err := scanBook(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BookDetail{}, fmt.Errorf("book %s: %w", identifier, domain.ErrNotFound)
	}
	if err != nil {
		return domain.BookDetail{}, classify("query book", err)
	}

	query, args, err = psql.Select(summaryColumns...).
		From("mentions m").
		Join("articles a ON a.id = m.article_id").
		Where(sq.Eq{"m.book_id": book.ID}).
		OrderBy("a.likes DESC", "a.published_at DESC", "a.id ASC").
		ToSql()
	if err != nil {
		return domain.BookDetail{}, fmt.Errorf("build book articles query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.BookDetail{}, classify("query book articles", err)
	}
	defer rows.Close()

	detail := domain.BookDetail{Book: book, Articles: []domain.ArticleSummary{}}
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return domain.BookDetail{}, classify("scan book article", err)
		}
		detail.Articles = append(detail.Articles, summary)
	}
	if err := rows.Err(); err != nil {
		return domain.BookDetail{}, classify("iterate book articles", err)
	}
	return detail, nil
}

// pgTx implements ports.IngestionTx over a transaction (or the pool for standalone
// recomputes).
type pgTx struct {
	q queryer
}

var _ ports.IngestionTx = (*pgTx)(nil)

const upsertArticleQuery = `INSERT INTO articles
    (source_id, title, url, author_id, author_name, tags, likes, comments, stocks, published_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (source_id) DO UPDATE
SET likes = EXCLUDED.likes,
    comments = EXCLUDED.comments,
    stocks = EXCLUDED.stocks,
    updated_at = NOW()
RETURNING id, source_id, title, url, author_id, author_name, tags, likes, comments, stocks, published_at`

func (t *pgTx) UpsertArticle(ctx context.Context, article domain.Article) (domain.Article, error) {
	tags := article.Tags
	if tags == nil {
		tags = []string{}
	}

	var stored domain.Article
	err := t.q.QueryRowContext(ctx, upsertArticleQuery,
		article.SourceID,
		article.Title,
		article.URL,
		article.AuthorID,
		article.AuthorName,
		pq.Array(tags),
		article.Likes,
		article.Comments,
		article.Stocks,
		article.PublishedAt,
	).Scan(
		&stored.ID,
		&stored.SourceID,
		&stored.Title,
		&stored.URL,
		&stored.AuthorID,
		&stored.AuthorName,
		pq.Array(&stored.Tags),
		&stored.Likes,
		&stored.Comments,
		&stored.Stocks,
		&stored.PublishedAt,
	)
	if err != nil {
		return domain.Article{}, classify("upsert article", err)
	}
	if stored.Tags == nil {
		stored.Tags = []string{}
	}
	return stored, nil
}

const insertBookQuery = `INSERT INTO books
    (identifier, title, author, publisher, publication_date, description, thumbnail_url, purchase_url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (identifier) DO NOTHING
RETURNING id, identifier, title, author, publisher, publication_date, description, thumbnail_url,
    purchase_url, total_mentions, first_mentioned_at, latest_mention_at`

func (t *pgTx) EnsureBook(ctx context.Context, draft domain.Book) (domain.Book, bool, error) {
	var pubDate any
	if draft.PublicationDate != nil {
		pubDate = *draft.PublicationDate
	}

	book, err := scanBook(t.q.QueryRowContext(ctx, insertBookQuery,
		draft.Identifier,
		draft.Title,
		draft.Author,
		draft.Publisher,
		pubDate,
		draft.Description,
		draft.ThumbnailURL,
		draft.PurchaseURL,
	))
	if err == nil {
		return book, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Book{}, false, classify("insert book", err)
	}

	query, args, err := psql.Select(bookColumns...).
		From("books b").
		Where(sq.Eq{"b.identifier": draft.Identifier}).
		ToSql()
	if err != nil {
		return domain.Book{}, false, fmt.Errorf("build book query: %w", err)
	}
	book, err = scanBook(t.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.Book{}, false, classify("load book", err)
	}
	return book, false, nil
}

const insertMentionQuery = `INSERT INTO mentions (book_id, article_id, mentioned_at, raw_identifier)
VALUES ($1, $2, $3, $4)
ON CONFLICT (book_id, article_id) DO NOTHING`

func (t *pgTx) InsertMention(ctx context.Context, mention domain.Mention) (bool, error) {
	res, err := t.q.ExecContext(ctx, insertMentionQuery,
		mention.BookID,
		mention.ArticleID,
		mention.MentionedAt,
		mention.RawIdentifier,
	)
	if err != nil {
		return false, classify("insert mention", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("mention rows affected", err)
	}
	return n == 1, nil
}

const recomputeStatsQuery = `UPDATE books b
SET total_mentions = s.total,
    first_mentioned_at = s.first_at,
    latest_mention_at = s.latest_at,
    updated_at = NOW()
FROM (
    SELECT bk.id AS book_id,
           COUNT(m.id) AS total,
           MIN(m.mentioned_at) AS first_at,
           MAX(m.mentioned_at) AS latest_at
    FROM books bk
    LEFT JOIN mentions m ON m.book_id = bk.id
    WHERE bk.id = ANY($1)
    GROUP BY bk.id
) s
WHERE b.id = s.book_id`

func (t *pgTx) RecomputeBookStats(ctx context.Context, bookIDs []int64) error {
	if len(bookIDs) == 0 {
		return nil
	}
	if _, err := t.q.ExecContext(ctx, recomputeStatsQuery, pq.Array(bookIDs)); err != nil {
		return classify("recompute book stats", err)
	}
	return nil
}

func applyArticleFilter(b sq.SelectBuilder, q domain.StatsQuery) sq.SelectBuilder {
	if len(q.Tags) > 0 {
		b = b.Where("a.tags && ?", pq.Array(q.Tags))
	}
	if q.From != nil {
		b = b.Where(sq.GtOrEq{"a.published_at": *q.From})
	}
	if q.Until != nil {
		b = b.Where(sq.Lt{"a.published_at": *q.Until})
	}
	return b
}

func applySearch(b sq.SelectBuilder, term string) sq.SelectBuilder {
	term = strings.TrimSpace(term)
	if term == "" {
		return b
	}
	pattern := "%" + escapeLike(term) + "%"
	return b.Where(sq.Or{
		sq.ILike{"b.title": pattern},
		sq.ILike{"b.author": pattern},
		sq.ILike{"b.publisher": pattern},
		sq.ILike{"b.identifier": pattern},
	})
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanBook(row rowScanner, extra ...any) (domain.Book, error) {
	var (
		book                   domain.Book
		pubDate, first, latest sql.NullTime
	)
	dest := []any{
		&book.ID,
		&book.Identifier,
		&book.Title,
		&book.Author,
		&book.Publisher,
		&pubDate,
		&book.Description,
		&book.ThumbnailURL,
		&book.PurchaseURL,
		&book.TotalMentions,
		&first,
		&latest,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.Book{}, err
	}
	book.PublicationDate = nullTime(pubDate)
	book.FirstMentionedAt = nullTime(first)
	book.LatestMentionAt = nullTime(latest)
	return book, nil
}

// scanSummary reads summaryColumns, optionally preceded by lead columns.
func scanSummary(row rowScanner, lead ...any) (domain.ArticleSummary, error) {
	var s domain.ArticleSummary
	dest := append(lead,
		&s.ID,
		&s.SourceID,
		&s.Title,
		&s.URL,
		&s.AuthorID,
		&s.AuthorName,
		pq.Array(&s.Tags),
		&s.Likes,
		&s.PublishedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return domain.ArticleSummary{}, err
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	return s, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
