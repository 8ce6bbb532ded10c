package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"BookRanker/internal/config"
	"BookRanker/internal/domain"
	"BookRanker/internal/ports"
	"BookRanker/internal/scanner"
)

// StrategySource implements ArticleSource via registered scanner strategies.
type StrategySource struct {
	registry *scanner.Registry
	sources  []config.SourceConfig
	logger   *slog.Logger
}

var _ ports.ArticleSource = (*StrategySource)(nil)

// NewStrategySource wires scanner registry with config-defined sources.
func NewStrategySource(reg *scanner.Registry, sources []config.SourceConfig, log *slog.Logger) *StrategySource {
	return &StrategySource{
		registry: reg,
		sources:  sources,
		logger:   log,
	}
}

// FetchSince iterates over configured sources and executes their scanners. Articles
// reported by more than one source are kept once, first source wins.
func (s *StrategySource) FetchSince(ctx context.Context, since, until time.Time) ([]domain.RawArticle, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("scanner registry is not configured")
	}

	s.debug("fetch since", "sources", len(s.sources), "since", since.Format(time.RFC3339), "until", until.Format(time.RFC3339))

	var aggregated []domain.RawArticle
	seen := map[string]struct{}{}
	for _, src := range s.sources {
		s.debug("process source", "source", src.Name, "scanner", src.Scanner, "tags", len(src.Tags))
		strategy, err := s.registry.Resolve(src.Scanner)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}

		req := scanner.Request{
			Since:      since,
			Until:      until,
			SourceName: src.Name,
			Tags:       src.Tags,
			Options:    src.Options,
		}

		results, err := strategy.Scan(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("scan source %s: %w", src.Name, err)
		}

		kept := 0
		for _, raw := range results {
			id := strings.TrimSpace(raw.SourceID)
			if _, ok := seen[id]; ok && id != "" {
				continue
			}
			seen[id] = struct{}{}
			aggregated = append(aggregated, raw)
			kept++
		}
		s.debug("source produced articles", "source", src.Name, "count", len(results), "kept", kept)
	}

	s.debug("strategy source done", "total_articles", len(aggregated))
	return aggregated, nil
}

func (s *StrategySource) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
