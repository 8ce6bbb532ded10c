package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BookRanker/internal/config"
	"BookRanker/internal/domain"
)

func testDeps(t *testing.T) (*commandDeps, *bytes.Buffer) {
	t.Helper()

	cfg, err := config.Parse([]byte("database:\n  driver: memory\nmetrics:\n  listenAddr: \"\"\n"))
	require.NoError(t, err)

	out := &bytes.Buffer{}
	return &commandDeps{
		LoadConfig: func(string) (config.Config, error) { return cfg, nil },
		NewLogger:  func(config.LoggingConfig) *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) },
		Out:        out,
	}, out
}

func execute(t *testing.T, deps *commandDeps, args ...string) error {
	t.Helper()
	cmd := newRootCommand(deps)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func TestIngestCommandPrintsReport(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "articles.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
  {"source_id":"A1","author_id":"u1","likes":10,"body":"https://www.amazon.co.jp/dp/4873115655","published_at":"2025-04-01T00:00:00Z"},
  {"source_id":"","author_id":"u2","body":"no id"}
]`), 0o600))

	deps, out := testDeps(t)
	require.NoError(t, execute(t, deps, "ingest", path, "-o", "json"))

	var report domain.IngestReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 2, report.ArticlesReceived)
	assert.Equal(t, 1, report.ArticlesProcessed)
	assert.Equal(t, 1, report.BooksCreated)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, domain.FailurePermanent, report.Failures[0].Kind)
}

func TestRankCommandOutputs(t *testing.T) {
	t.Parallel()

	deps, out := testDeps(t)
	require.NoError(t, execute(t, deps, "rank", "--tags", "Go,Python", "--days", "7"))
	assert.Contains(t, out.String(), "RANK")
	assert.Contains(t, out.String(), "0 of 0 books")

	out.Reset()
	require.NoError(t, execute(t, deps, "rank", "-o", "json", "--formula", "simple"))
	var res domain.RankingResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, domain.FormulaSimple, res.Formula)
	assert.NotNil(t, res.Rankings)
}

func TestRankCommandRejectsInvalidFilter(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	err := execute(t, deps, "rank", "--limit", "500")
	assert.ErrorIs(t, err, domain.ErrInvalidFilter)

	err = execute(t, deps, "rank", "--month", "4")
	assert.ErrorIs(t, err, domain.ErrInvalidFilter)
}

func TestLookupCommands(t *testing.T) {
	t.Parallel()

	deps, out := testDeps(t)
	require.NoError(t, execute(t, deps, "tags"))
	assert.Contains(t, out.String(), "TAG")

	out.Reset()
	require.NoError(t, execute(t, deps, "years", "-o", "json"))
	assert.JSONEq(t, "[]", out.String())

	err := execute(t, deps, "book", "4873115655")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, execute(t, deps, "migrate"))
	assert.Error(t, execute(t, deps, "recompute", "abc"))
	require.NoError(t, execute(t, deps, "recompute", "1"))
}

func TestConfigFlagIsPassedToLoader(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	base := deps.LoadConfig
	var got string
	deps.LoadConfig = func(path string) (config.Config, error) {
		got = path
		return base(path)
	}

	require.NoError(t, execute(t, deps, "years", "--config", "/etc/bookranker.yaml"))
	assert.Equal(t, "/etc/bookranker.yaml", got)
	assert.Empty(t, os.Getenv("BOOKRANKER_CONFIG"))
}

func TestLoadConfigReadsExplicitPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bookranker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: memory\nranking:\n  topArticles: 5\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Ranking.TopArticles)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "cannot read")
}
