package parser

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"BookRanker/internal/domain"
	"BookRanker/internal/scanner"
)

// JSONFileScanner reads raw articles from a JSON array on disk. The path comes from
// the "path" option of the source.
type JSONFileScanner struct{}

// NewJSONFileScanner builds the file strategy.
func NewJSONFileScanner() *JSONFileScanner {
	return &JSONFileScanner{}
}

// Name identifies the strategy inside the registry.
func (j *JSONFileScanner) Name() string {
	return "jsonfile"
}

// Scan returns articles published within [req.Since, req.Until), optionally narrowed
// to those carrying one of req.Tags.
func (j *JSONFileScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.RawArticle, error) {
	path := req.Options["path"]
	if path == "" {
		return nil, fmt.Errorf("source %s: option path is required", req.SourceName)
	}

	all, err := ReadArticlesFile(path)
	if err != nil {
		return nil, err
	}

	tags := domain.NormalizeTags(req.Tags)
	results := make([]domain.RawArticle, 0, len(all))
	for _, raw := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !req.Since.IsZero() && raw.PublishedAt.Before(req.Since) {
			continue
		}
		if !req.Until.IsZero() && !raw.PublishedAt.Before(req.Until) {
			continue
		}
		if len(tags) > 0 && !domain.ArticleFromRaw(raw).HasAnyTag(tags) {
			continue
		}
		results = append(results, raw)
	}
	return results, nil
}

// ReadArticlesFile decodes a JSON array of raw articles.
func ReadArticlesFile(path string) ([]domain.RawArticle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read articles file: %w", err)
	}
	var raws []domain.RawArticle
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode articles file %s: %w", path, err)
	}
	return raws, nil
}
