package ranking

import (
	"strings"
	"time"
	"unicode/utf8"

	"BookRanker/internal/domain"
)

const (
	maxRollingDays  = 3650
	minYear         = 2000
	maxSearchLength = 200
)

// normalize validates f and fills defaults. The result is the canonical form used
// for both querying and cache keys.
func (e *Engine) normalize(f domain.RankingFilter) (domain.RankingFilter, error) {
	now := e.now().In(e.opts.Location)

	if f.Limit < 0 || f.Limit > e.opts.MaxLimit {
		return f, domain.InvalidFilter("limit must be between 1 and %d, got %d", e.opts.MaxLimit, f.Limit)
	}
	if f.Limit == 0 {
		f.Limit = e.opts.DefaultLimit
	}
	if f.Offset < 0 {
		return f, domain.InvalidFilter("offset must not be negative, got %d", f.Offset)
	}

	dr := f.DateRange
	switch {
	case dr.Days < 0 || dr.Days > maxRollingDays:
		return f, domain.InvalidFilter("days must be between 1 and %d, got %d", maxRollingDays, dr.Days)
	case dr.Days > 0 && (dr.Year != 0 || dr.Month != 0):
		return f, domain.InvalidFilter("rolling days and calendar year/month are mutually exclusive")
	case dr.Month != 0 && dr.Year == 0:
		return f, domain.InvalidFilter("month requires a year")
	case dr.Month < 0 || dr.Month > 12:
		return f, domain.InvalidFilter("month must be between 1 and 12, got %d", dr.Month)
	case dr.Year != 0 && (dr.Year < minYear || dr.Year > now.Year()+1):
		return f, domain.InvalidFilter("year must be between %d and %d, got %d", minYear, now.Year()+1, dr.Year)
	}

	f.SearchTerm = strings.TrimSpace(f.SearchTerm)
	if utf8.RuneCountInString(f.SearchTerm) > maxSearchLength {
		return f, domain.InvalidFilter("search term longer than %d characters", maxSearchLength)
	}

	if f.Formula == "" {
		f.Formula = e.opts.DefaultFormula
	}
	if !f.Formula.Valid() {
		return f, domain.InvalidFilter("unknown formula %q", f.Formula)
	}

	f.Tags = domain.NormalizeTags(f.Tags)
	return f, nil
}

// statsQuery resolves the date range of a normalized filter against now. Rolling
// windows are [now-N days, now]; calendar windows are [start, end) in the configured
// location.
func (e *Engine) statsQuery(f domain.RankingFilter) domain.StatsQuery {
	q := domain.StatsQuery{Tags: f.Tags, Search: f.SearchTerm}

	dr := f.DateRange
	switch {
	case dr.Days > 0:
		from := e.now().Add(-time.Duration(dr.Days) * 24 * time.Hour)
		q.From = &from
	case dr.Year > 0:
		start := time.Date(dr.Year, time.January, 1, 0, 0, 0, 0, e.opts.Location)
		end := start.AddDate(1, 0, 0)
		if dr.Month > 0 {
			start = time.Date(dr.Year, time.Month(dr.Month), 1, 0, 0, 0, 0, e.opts.Location)
			end = start.AddDate(0, 1, 0)
		}
		q.From = &start
		q.Until = &end
	}
	return q
}

// ttlFor picks how long a ranking stays cached.
func (e *Engine) ttlFor(f domain.RankingFilter) time.Duration {
	switch {
	case f.SearchTerm != "":
		return e.opts.TTL.Search
	case f.DateRange.IsZero():
		return e.opts.TTL.AllTime
	case f.DateRange.Days > 0 && f.DateRange.Days <= 7:
		return e.opts.TTL.Recent
	default:
		return e.opts.TTL.Window
	}
}
