package domain

import (
	"time"

	"github.com/google/uuid"
)

// Formula selects how a book's score is computed from its statistics.
type Formula string

const (
	FormulaQuality  Formula = "quality"
	FormulaSimple   Formula = "simple"
	FormulaWeighted Formula = "weighted"
)

// Valid reports whether f names a known formula.
func (f Formula) Valid() bool {
	switch f {
	case FormulaQuality, FormulaSimple, FormulaWeighted:
		return true
	}
	return false
}

// DateRange is either a rolling window (Days) or an absolute calendar window
// (Year with optional Month). The zero value means no date restriction.
type DateRange struct {
	Days  int `json:"days,omitempty"`
	Year  int `json:"year,omitempty"`
	Month int `json:"month,omitempty"`
}

// IsZero reports whether no date restriction is set.
func (d DateRange) IsZero() bool {
	return d.Days == 0 && d.Year == 0 && d.Month == 0
}

// RankingFilter narrows and paginates a ranking request.
type RankingFilter struct {
	Tags       []string  `json:"tags,omitempty"`
	DateRange  DateRange `json:"date_range"`
	SearchTerm string    `json:"search_term,omitempty"`
	Limit      int       `json:"limit"`
	Offset     int       `json:"offset"`
	Formula    Formula   `json:"formula,omitempty"`
}

// StatsQuery is the storage-level form of a ranking filter: resolved time bounds,
// normalized tags and the raw search term.
type StatsQuery struct {
	Tags   []string
	From   *time.Time
	Until  *time.Time
	Search string
}

// BookAggregate is one book with counters computed over the filtered mention set.
type BookAggregate struct {
	Book            Book
	MentionCount    int
	ArticleCount    int
	UniqueUserCount int
	TotalLikes      int
	LatestMentionAt time.Time
}

// BookStats are the per-book figures a score is computed from.
type BookStats struct {
	MentionCount    int       `json:"mention_count"`
	ArticleCount    int       `json:"article_count"`
	UniqueUserCount int       `json:"unique_user_count"`
	TotalLikes      int       `json:"total_likes"`
	AvgLikes        float64   `json:"avg_likes"`
	LatestMentionAt time.Time `json:"latest_mention_at"`
}

// RankingItem is one ranked book.
type RankingItem struct {
	Rank        int              `json:"rank"`
	Book        Book             `json:"book"`
	Stats       BookStats        `json:"stats"`
	Score       float64          `json:"score"`
	IsNew       bool             `json:"is_new"`
	TopArticles []ArticleSummary `json:"top_articles"`
}

// RankingResult is one page of a ranking plus the unpaginated total.
type RankingResult struct {
	Rankings []RankingItem `json:"rankings"`
	Total    int           `json:"total"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
	Formula  Formula       `json:"formula"`
}

// IngestReport summarizes one IngestBatch run.
type IngestReport struct {
	RunID             uuid.UUID     `json:"run_id"`
	ArticlesReceived  int           `json:"articles_received"`
	ArticlesProcessed int           `json:"articles_processed"`
	BooksCreated      int           `json:"books_created"`
	MentionsCreated   int           `json:"mentions_created"`
	TouchedBookIDs    []int64       `json:"touched_book_ids"`
	Failures          []ItemFailure `json:"failures"`
	Cancelled         bool          `json:"cancelled"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at"`
}

// Changed reports whether the run wrote anything that affects rankings.
func (r IngestReport) Changed() bool {
	return r.ArticlesProcessed > 0
}
