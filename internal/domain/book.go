package domain

import (
	"net/url"
	"strings"
	"time"
)

// Book is a distinct publication keyed by its normalized identifier.
type Book struct {
	ID               int64      `json:"id"`
	Identifier       string     `json:"identifier"`
	Title            string     `json:"title"`
	Author           string     `json:"author"`
	Publisher        string     `json:"publisher"`
	PublicationDate  *time.Time `json:"publication_date,omitempty"`
	Description      string     `json:"description"`
	ThumbnailURL     string     `json:"thumbnail_url"`
	PurchaseURL      string     `json:"purchase_url"`
	TotalMentions    int        `json:"total_mentions"`
	FirstMentionedAt *time.Time `json:"first_mentioned_at,omitempty"`
	LatestMentionAt  *time.Time `json:"latest_mention_at,omitempty"`
}

// BookMetadata is the best-effort data returned by the enrichment collaborator.
type BookMetadata struct {
	Title           string     `yaml:"title"`
	Author          string     `yaml:"author"`
	Publisher       string     `yaml:"publisher"`
	PublicationDate *time.Time `yaml:"publicationDate"`
	Description     string     `yaml:"description"`
	ThumbnailURL    string     `yaml:"thumbnailUrl"`
}

// PlaceholderTitle is used when no metadata could be found for an identifier.
func PlaceholderTitle(identifier string) string {
	return "ISBN " + identifier
}

// NewBook builds a book draft for a first-seen identifier. ok=false means enrichment
// was unavailable and placeholder fields are used.
func NewBook(identifier string, meta BookMetadata, ok bool, purchaseURL string) Book {
	book := Book{
		Identifier:  identifier,
		Title:       PlaceholderTitle(identifier),
		PurchaseURL: purchaseURL,
	}
	if !ok {
		return book
	}
	if meta.Title != "" {
		book.Title = meta.Title
	}
	book.Author = meta.Author
	book.Publisher = meta.Publisher
	book.PublicationDate = meta.PublicationDate
	book.Description = meta.Description
	book.ThumbnailURL = meta.ThumbnailURL
	return book
}

// Affiliate builds store purchase links for identifiers.
type Affiliate struct {
	BaseURL string
	Tag     string
}

// URL returns BaseURL/dp/<identifier>, with ?tag= when an associate tag is set.
// An empty BaseURL yields an empty link.
func (a Affiliate) URL(identifier string) string {
	base := strings.TrimRight(a.BaseURL, "/")
	if base == "" || identifier == "" {
		return ""
	}
	link := base + "/dp/" + identifier
	if a.Tag != "" {
		link += "?tag=" + url.QueryEscape(a.Tag)
	}
	return link
}

// Mention joins one book to one article.
type Mention struct {
	ID            int64
	BookID        int64
	ArticleID     int64
	MentionedAt   time.Time
	RawIdentifier string
}

// MentionStats is the recomputed denormalized state of a book.
type MentionStats struct {
	BookID           int64
	TotalMentions    int
	FirstMentionedAt *time.Time
	LatestMentionAt  *time.Time
}

// ComputeMentionStats scans a book's full mention set.
func ComputeMentionStats(bookID int64, mentions []Mention) MentionStats {
	stats := MentionStats{BookID: bookID}
	for _, m := range mentions {
		if m.BookID != bookID {
			continue
		}
		stats.TotalMentions++
		at := m.MentionedAt
		if stats.FirstMentionedAt == nil || at.Before(*stats.FirstMentionedAt) {
			first := at
			stats.FirstMentionedAt = &first
		}
		if stats.LatestMentionAt == nil || at.After(*stats.LatestMentionAt) {
			latest := at
			stats.LatestMentionAt = &latest
		}
	}
	return stats
}

// BookDetail is a book with every article that mentions it.
type BookDetail struct {
	Book     Book             `json:"book"`
	Articles []ArticleSummary `json:"articles"`
}

// TagCount is the number of distinct books mentioned by articles carrying Tag.
type TagCount struct {
	Tag       string `json:"tag"`
	BookCount int    `json:"book_count"`
}
