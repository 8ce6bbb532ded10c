package domain

import (
	"sort"
	"strings"
	"time"
)

// RawArticle is what a content source hands to the ingestion pipeline.
type RawArticle struct {
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	Tags        []string  `json:"tags"`
	Likes       int       `json:"likes"`
	Comments    int       `json:"comments"`
	Stocks      int       `json:"stocks"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
}

// Article is one externally authored piece of content persisted by the repository.
type Article struct {
	ID          int64
	SourceID    string
	Title       string
	URL         string
	AuthorID    string
	AuthorName  string
	Tags        []string
	Likes       int
	Comments    int
	Stocks      int
	PublishedAt time.Time
}

// ArticleFromRaw maps an incoming raw article onto the persisted shape.
func ArticleFromRaw(raw RawArticle) Article {
	return Article{
		SourceID:    strings.TrimSpace(raw.SourceID),
		Title:       raw.Title,
		URL:         raw.URL,
		AuthorID:    raw.AuthorID,
		AuthorName:  raw.AuthorName,
		Tags:        NormalizeTags(raw.Tags),
		Likes:       raw.Likes,
		Comments:    raw.Comments,
		Stocks:      raw.Stocks,
		PublishedAt: raw.PublishedAt,
	}
}

// ArticleSummary is the compact article view attached to ranking items and book details.
type ArticleSummary struct {
	ID          int64     `json:"id"`
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	Tags        []string  `json:"tags"`
	Likes       int       `json:"likes"`
	PublishedAt time.Time `json:"published_at"`
}

// Summary projects an article to its summary form.
func (a Article) Summary() ArticleSummary {
	return ArticleSummary{
		ID:          a.ID,
		SourceID:    a.SourceID,
		Title:       a.Title,
		URL:         a.URL,
		AuthorID:    a.AuthorID,
		AuthorName:  a.AuthorName,
		Tags:        append([]string(nil), a.Tags...),
		Likes:       a.Likes,
		PublishedAt: a.PublishedAt,
	}
}

// HasAnyTag reports whether the article carries at least one of tags.
func (a Article) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range a.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// NormalizeTags trims, drops empties and collapses duplicates. The result is sorted.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
