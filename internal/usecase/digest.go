package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"BookRanker/internal/domain"
	"BookRanker/internal/ports"
)

// Digest publishes the top book of the last 24 hours.
type Digest struct {
	ranker   ports.Ranker
	notifier ports.Notifier
	siteURL  string
	logger   *slog.Logger
}

// NewDigest wires the ranking source and the outbound channel. siteURL is the public
// base under which /books/<identifier> pages live.
func NewDigest(ranker ports.Ranker, notifier ports.Notifier, siteURL string, logger *slog.Logger) *Digest {
	return &Digest{
		ranker:   ranker,
		notifier: notifier,
		siteURL:  strings.TrimRight(siteURL, "/"),
		logger:   logger,
	}
}

// Publish sends the digest. It is a no-op when nothing was mentioned in the last day.
func (d *Digest) Publish(ctx context.Context) error {
	if d.ranker == nil || d.notifier == nil {
		return nil
	}

	result, err := d.ranker.GetRanking(ctx, domain.RankingFilter{
		DateRange: domain.DateRange{Days: 1},
		Limit:     1,
	})
	if err != nil {
		return fmt.Errorf("load daily top: %w", err)
	}
	if len(result.Rankings) == 0 {
		if d.logger != nil {
			d.logger.Info("no books mentioned in the last 24h, digest skipped")
		}
		return nil
	}

	message := d.Format(result.Rankings[0])
	if err := d.notifier.PublishDigest(ctx, message); err != nil {
		return fmt.Errorf("publish digest: %w", err)
	}
	if d.logger != nil {
		d.logger.Info("daily digest published", "identifier", result.Rankings[0].Book.Identifier)
	}
	return nil
}

// Format renders one ranking item as a short announcement.
func (d *Digest) Format(item domain.RankingItem) string {
	link := d.siteURL
	if link != "" {
		link += "/books/" + item.Book.Identifier
	} else {
		link = item.Book.PurchaseURL
	}

	var b strings.Builder
	b.WriteString("Top book of the last 24 hours\n\n")
	fmt.Fprintf(&b, "%s\n", item.Book.Title)
	if item.Book.Author != "" {
		fmt.Fprintf(&b, "by %s\n", item.Book.Author)
	}
	fmt.Fprintf(&b, "\nFeatured in %d article(s)\n", item.Stats.ArticleCount)
	fmt.Fprintf(&b, "Total likes: %s\n", FormatCount(item.Stats.TotalLikes))
	if link != "" {
		fmt.Fprintf(&b, "\n%s\n", link)
	}
	return b.String()
}

// FormatCount abbreviates large counts: 1500 -> 1.5K, 2300000 -> 2.3M.
func FormatCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
