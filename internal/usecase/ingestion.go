package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"BookRanker/internal/domain"
	"BookRanker/internal/metrics"
	"BookRanker/internal/ports"
)

// IngestionDeps wires the driven adapters used by the ingestion pipeline.
type IngestionDeps struct {
	Repository ports.IngestionRepository
	Extractor  ports.IdentifierExtractor
	Metadata   ports.MetadataProvider
	Retrier    *Retrier
	Affiliate  domain.Affiliate
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Ingestion turns raw articles into persisted articles, books and mentions.
type Ingestion struct {
	repository ports.IngestionRepository
	extractor  ports.IdentifierExtractor
	metadata   ports.MetadataProvider
	retrier    *Retrier
	affiliate  domain.Affiliate
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewIngestion constructs the pipeline. A nil Retrier gets the default policy.
func NewIngestion(deps IngestionDeps) *Ingestion {
	p := &Ingestion{
		repository: deps.Repository,
		extractor:  deps.Extractor,
		metadata:   deps.Metadata,
		retrier:    deps.Retrier,
		affiliate:  deps.Affiliate,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        deps.Now,
	}
	if p.retrier == nil {
		p.retrier = NewRetrier(RetryPolicy{}, deps.Logger, deps.Metrics)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// articleResult holds what one committed article contributed to the batch.
type articleResult struct {
	booksCreated    int
	mentionsCreated int
	bookIDs         []int64
}

// IngestBatch processes raws sequentially. Each article is written atomically and
// retried on transient storage failures; an article that still fails is recorded in
// the report and the batch moves on. The returned error is non-nil only when ctx is
// cancelled, in which case the report covers the articles committed so far.
func (p *Ingestion) IngestBatch(ctx context.Context, raws []domain.RawArticle) (domain.IngestReport, error) {
	report := domain.IngestReport{
		RunID:            uuid.New(),
		ArticlesReceived: len(raws),
		TouchedBookIDs:   []int64{},
		Failures:         []domain.ItemFailure{},
		StartedAt:        p.now(),
	}
	if p.repository == nil {
		return report, fmt.Errorf("ingest batch: repository is not configured")
	}

	logger := p.logger
	if logger != nil {
		logger = logger.With("run_id", report.RunID.String())
		logger.Info("ingest batch started", "articles", len(raws))
	}

	touched := map[int64]struct{}{}
	drafts := map[string]domain.Book{}

	var runErr error
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			runErr = err
			break
		}

		res, outcome := p.ingestArticle(ctx, raw, drafts)
		if outcome.OK() {
			report.ArticlesProcessed++
			report.BooksCreated += res.booksCreated
			report.MentionsCreated += res.mentionsCreated
			for _, id := range res.bookIDs {
				touched[id] = struct{}{}
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			runErr = err
			break
		}

		failure := domain.ItemFailure{
			SourceID: raw.SourceID,
			Kind:     domain.FailurePermanent,
			Attempts: outcome.Attempts,
			Err:      outcome.Err,
		}
		if outcome.Kind == OutcomeTransientFailure {
			failure.Kind = domain.FailureTransientExhausted
		}
		if outcome.Err != nil {
			failure.Message = outcome.Err.Error()
		}
		report.Failures = append(report.Failures, failure)
		if logger != nil {
			logger.Error("article ingestion failed",
				"source_id", raw.SourceID, "kind", failure.Kind, "attempts", failure.Attempts, "error", outcome.Err)
		}
	}

	for id := range touched {
		report.TouchedBookIDs = append(report.TouchedBookIDs, id)
	}
	sort.Slice(report.TouchedBookIDs, func(i, j int) bool { return report.TouchedBookIDs[i] < report.TouchedBookIDs[j] })
	report.FinishedAt = p.now()

	p.metrics.ObserveIngest(report)
	if logger != nil {
		logger.Info("ingest batch finished",
			"received", report.ArticlesReceived,
			"processed", report.ArticlesProcessed,
			"books_created", report.BooksCreated,
			"mentions_created", report.MentionsCreated,
			"failed", len(report.Failures),
			"cancelled", report.Cancelled,
			"duration", report.FinishedAt.Sub(report.StartedAt),
		)
	}

	if runErr != nil {
		return report, fmt.Errorf("ingest batch cancelled: %w", runErr)
	}
	return report, nil
}

func (p *Ingestion) ingestArticle(ctx context.Context, raw domain.RawArticle, drafts map[string]domain.Book) (articleResult, Outcome) {
	article := domain.ArticleFromRaw(raw)
	if article.SourceID == "" {
		return articleResult{}, Outcome{
			Kind:     OutcomePermanentFailure,
			Attempts: 1,
			Err:      fmt.Errorf("article has no source id: %w", domain.ErrPermanentItem),
		}
	}

	var (
		identifiers []string
		rawByID     map[string]string
	)
	if p.extractor != nil {
		extracted := p.extractor.Extract(raw.Body)
		identifiers = extracted.Identifiers
		rawByID = extracted.Raw
	}

	var res articleResult
	outcome := p.retrier.Do(ctx, "ingest article "+article.SourceID, func(ctx context.Context) error {
		books, err := p.resolveBooks(ctx, identifiers, drafts)
		if err != nil {
			return err
		}

		return p.repository.WithinTx(ctx, func(tx ports.IngestionTx) error {
			res = articleResult{}

			stored, err := tx.UpsertArticle(ctx, article)
			if err != nil {
				return fmt.Errorf("upsert article: %w", err)
			}
			if len(identifiers) == 0 {
				return nil
			}

			for _, identifier := range identifiers {
				book, created, err := tx.EnsureBook(ctx, books[identifier])
				if err != nil {
					return fmt.Errorf("ensure book %s: %w", identifier, err)
				}
				if created {
					res.booksCreated++
				}

				rawID := rawByID[identifier]
				if rawID == "" {
					rawID = identifier
				}
				inserted, err := tx.InsertMention(ctx, domain.Mention{
					BookID:        book.ID,
					ArticleID:     stored.ID,
					MentionedAt:   stored.PublishedAt,
					RawIdentifier: rawID,
				})
				if err != nil {
					return fmt.Errorf("insert mention %s: %w", identifier, err)
				}
				if inserted {
					res.mentionsCreated++
				}
				res.bookIDs = append(res.bookIDs, book.ID)
			}

			if err := tx.RecomputeBookStats(ctx, res.bookIDs); err != nil {
				return fmt.Errorf("recompute book stats: %w", err)
			}
			return nil
		})
	})
	if !outcome.OK() {
		return articleResult{}, outcome
	}
	return res, outcome
}

// resolveBooks returns a book for every identifier: the stored one when it exists,
// otherwise an enriched draft. Drafts are memoized for the batch so retries and
// repeated identifiers never repeat enrichment.
func (p *Ingestion) resolveBooks(ctx context.Context, identifiers []string, drafts map[string]domain.Book) (map[string]domain.Book, error) {
	out := make(map[string]domain.Book, len(identifiers))
	if len(identifiers) == 0 {
		return out, nil
	}

	existing, err := p.repository.FindBooksByIdentifiers(ctx, identifiers)
	if err != nil {
		return nil, fmt.Errorf("find books: %w", err)
	}

	for _, identifier := range identifiers {
		if book, ok := existing[identifier]; ok {
			out[identifier] = book
			continue
		}
		out[identifier] = p.draft(ctx, identifier, drafts)
	}
	return out, nil
}

func (p *Ingestion) draft(ctx context.Context, identifier string, drafts map[string]domain.Book) domain.Book {
	if book, ok := drafts[identifier]; ok {
		return book
	}

	var (
		meta domain.BookMetadata
		ok   bool
	)
	if p.metadata != nil {
		meta, ok = p.metadata.LookupBookMetadata(ctx, identifier)
	}
	if !ok && p.logger != nil {
		p.logger.Debug("using placeholder metadata", "identifier", identifier, "reason", domain.ErrEnrichmentUnavailable)
	}

	book := domain.NewBook(identifier, meta, ok, p.affiliate.URL(identifier))
	drafts[identifier] = book
	return book
}

// RecomputeStatistics rebuilds denormalized counters for exactly bookIDs.
func (p *Ingestion) RecomputeStatistics(ctx context.Context, bookIDs []int64) error {
	if p.repository == nil {
		return fmt.Errorf("recompute statistics: repository is not configured")
	}
	if len(bookIDs) == 0 {
		return nil
	}

	outcome := p.retrier.Do(ctx, "recompute statistics", func(ctx context.Context) error {
		return p.repository.RecomputeStatistics(ctx, bookIDs)
	})
	if outcome.OK() {
		return nil
	}
	if outcome.Kind == OutcomeTransientFailure {
		return fmt.Errorf("recompute statistics after %d attempt(s): %w", outcome.Attempts, outcome.Err)
	}
	return fmt.Errorf("recompute statistics: %w", errors.Join(domain.ErrPermanentItem, outcome.Err))
}
