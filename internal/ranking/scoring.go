package ranking

import (
	"math"
	"sort"

	"BookRanker/internal/domain"
)

// AvgLikes is totalLikes/articleCount, or 0 when there are no articles.
func AvgLikes(totalLikes, articleCount int) float64 {
	if articleCount <= 0 {
		return 0
	}
	return float64(totalLikes) / float64(articleCount)
}

// StatsFromAggregate derives the scoring inputs of one aggregate.
func StatsFromAggregate(agg domain.BookAggregate) domain.BookStats {
	return domain.BookStats{
		MentionCount:    agg.MentionCount,
		ArticleCount:    agg.ArticleCount,
		UniqueUserCount: agg.UniqueUserCount,
		TotalLikes:      agg.TotalLikes,
		AvgLikes:        AvgLikes(agg.TotalLikes, agg.ArticleCount),
		LatestMentionAt: agg.LatestMentionAt,
	}
}

// Score applies formula to stats. Unknown formulas score as quality.
//
//	quality:  users * (1 + ln(avgLikes + 1))
//	simple:   users
//	weighted: users*10 + totalLikes*0.5 + avgLikes*3
func Score(formula domain.Formula, stats domain.BookStats) float64 {
	users := float64(stats.UniqueUserCount)
	avg := math.Max(stats.AvgLikes, 0)

	switch formula {
	case domain.FormulaSimple:
		return users
	case domain.FormulaWeighted:
		return users*10 + float64(stats.TotalLikes)*0.5 + avg*3
	default:
		return users * (1 + math.Log1p(avg))
	}
}

// sortItems orders by score desc, latest mention desc, identifier asc.
func sortItems(items []domain.RankingItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Stats.LatestMentionAt.Equal(b.Stats.LatestMentionAt) {
			return a.Stats.LatestMentionAt.After(b.Stats.LatestMentionAt)
		}
		return a.Book.Identifier < b.Book.Identifier
	})
}
