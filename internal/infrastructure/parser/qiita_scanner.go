package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"BookRanker/internal/domain"
	"BookRanker/internal/scanner"
)

const (
	qiitaBaseURL = "https://qiita.com/api/v2"
	// Authenticated clients get 1000 requests per hour.
	qiitaRequestInterval = 3600 * time.Millisecond
	qiitaMaxPerPage      = 100
	qiitaMaxPages        = 100
)

// QiitaOptions tune the Qiita strategy. Zero values take the API defaults.
type QiitaOptions struct {
	BaseURL         string
	Token           string
	RequestInterval time.Duration
	PerPage         int
	MaxPages        int
}

// QiitaScanner pulls items from the Qiita API v2, one search query per tag.
type QiitaScanner struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    QiitaOptions
}

// NewQiitaScanner wires an HTTP client and a request limiter.
func NewQiitaScanner(client *http.Client, opts QiitaOptions) *QiitaScanner {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = qiitaBaseURL
	}
	if opts.RequestInterval <= 0 {
		opts.RequestInterval = qiitaRequestInterval
	}
	if opts.PerPage <= 0 || opts.PerPage > qiitaMaxPerPage {
		opts.PerPage = qiitaMaxPerPage
	}
	if opts.MaxPages <= 0 || opts.MaxPages > qiitaMaxPages {
		opts.MaxPages = qiitaMaxPages
	}
	return &QiitaScanner{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(opts.RequestInterval), 1),
		opts:    opts,
	}
}

// Name identifies the strategy inside the registry.
func (q *QiitaScanner) Name() string {
	return "qiita"
}

type qiitaItem struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	URL           string     `json:"url"`
	Body          string     `json:"body"`
	RenderedBody  string     `json:"rendered_body"`
	CreatedAt     time.Time  `json:"created_at"`
	LikesCount    int        `json:"likes_count"`
	StocksCount   int        `json:"stocks_count"`
	CommentsCount int        `json:"comments_count"`
	User          qiitaUser  `json:"user"`
	Tags          []qiitaTag `json:"tags"`
}

type qiitaUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type qiitaTag struct {
	Name string `json:"name"`
}

// Scan queries every tag for items created within [req.Since, req.Until). Items that
// carry several requested tags are returned once.
func (q *QiitaScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.RawArticle, error) {
	if len(req.Tags) == 0 {
		return nil, fmt.Errorf("no tags provided for source %s", req.SourceName)
	}

	results := make([]domain.RawArticle, 0)
	seen := map[string]struct{}{}

	for _, tag := range req.Tags {
		for page := 1; page <= q.opts.MaxPages; page++ {
			items, err := q.fetchPage(ctx, searchQuery(tag, req.Since), page)
			if err != nil {
				return nil, fmt.Errorf("tag %s page %d: %w", tag, page, err)
			}

			for _, item := range items {
				if _, ok := seen[item.ID]; ok {
					continue
				}
				if item.CreatedAt.Before(req.Since) || (!req.Until.IsZero() && !item.CreatedAt.Before(req.Until)) {
					continue
				}
				seen[item.ID] = struct{}{}
				results = append(results, toRawArticle(item))
			}

			if len(items) < q.opts.PerPage {
				break
			}
		}
	}

	return results, nil
}

func searchQuery(tag string, since time.Time) string {
	query := "tag:" + tag
	if !since.IsZero() {
		query += " created:>=" + since.Format("2006-01-02")
	}
	return query
}

func (q *QiitaScanner) fetchPage(ctx context.Context, query string, page int) ([]qiitaItem, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limit: %w", err)
	}

	endpoint, err := url.Parse(strings.TrimSuffix(q.opts.BaseURL, "/") + "/items")
	if err != nil {
		return nil, fmt.Errorf("invalid base url %s: %w", q.opts.BaseURL, err)
	}
	params := endpoint.Query()
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(q.opts.PerPage))
	params.Set("query", query)
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "BookRanker/1.0")
	req.Header.Set("Accept", "application/json")
	if q.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+q.opts.Token)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request items: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qiita returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	var items []qiitaItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return items, nil
}

func toRawArticle(item qiitaItem) domain.RawArticle {
	tags := make([]string, 0, len(item.Tags))
	for _, tag := range item.Tags {
		tags = append(tags, tag.Name)
	}

	author := item.User.Name
	if author == "" {
		author = item.User.ID
	}

	body := item.Body
	if strings.TrimSpace(body) == "" {
		body = textFromHTML(item.RenderedBody)
	}

	return domain.RawArticle{
		SourceID:    item.ID,
		Title:       item.Title,
		URL:         item.URL,
		AuthorID:    item.User.ID,
		AuthorName:  author,
		Tags:        tags,
		Likes:       item.LikesCount,
		Comments:    item.CommentsCount,
		Stocks:      item.StocksCount,
		Body:        body,
		PublishedAt: item.CreatedAt,
	}
}

// textFromHTML flattens rendered HTML to its text followed by every anchor target,
// one per line, so that links hidden behind anchor text stay visible to extraction.
func textFromHTML(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(doc.Text()))
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok && href != "" {
			b.WriteString("\n")
			b.WriteString(href)
		}
	})
	return b.String()
}
