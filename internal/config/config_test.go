package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
database:
  driver: memory
scheduler:
  interval: 6h
  timezone: Asia/Tokyo
  lookback: 12h
sources:
  - name: local
    scanner: jsonfile
    options:
      path: ./articles.json
ranking:
  formula: weighted
  topArticles: 5
cache:
  sweepInterval: 1m
affiliate:
  tag: books-22
`

func TestParseKeepsDefaultsForMissingKeys(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, 12*time.Hour, cfg.Scheduler.Lookback)
	assert.Equal(t, "weighted", cfg.Ranking.Formula)
	assert.Equal(t, 5, cfg.Ranking.TopArticles)
	assert.Equal(t, 50, cfg.Ranking.DefaultLimit)
	assert.Equal(t, time.Minute, cfg.Cache.SweepInterval)
	assert.Equal(t, "https://www.amazon.co.jp", cfg.Affiliate.BaseURL)
	assert.Equal(t, "books-22", cfg.Affiliate.Tag)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "./articles.json", cfg.Sources[0].Options["path"])
	require.NoError(t, cfg.Validate())
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("database: [driver"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "sqlite" }, errMsg: "unknown database.driver"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Database.DSN = "" }, errMsg: "dsn is required"},
		{name: "unknown formula", mutate: func(c *Config) { c.Ranking.Formula = "popular" }, errMsg: "unknown ranking.formula"},
		{name: "limits", mutate: func(c *Config) { c.Ranking.DefaultLimit = 500 }, errMsg: "exceeds"},
		{name: "no top articles", mutate: func(c *Config) { c.Ranking.TopArticles = 0 }, errMsg: "topArticles must be at least 1"},
		{name: "unnamed source", mutate: func(c *Config) { c.Sources = []SourceConfig{{Scanner: "qiita"}} }, errMsg: "name and scanner"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := defaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv(configPathEnv, path)
	t.Setenv(databaseDriverEnv, "POSTGRES")
	t.Setenv(databaseDSNEnv, "postgres://env/db")
	t.Setenv(qiitaTokenEnv, "qiita-token")
	t.Setenv(affiliateTagEnv, "env-22")
	t.Setenv(telegramTokenEnv, "bot")
	t.Setenv(telegramChatIDEnv, "chat")
	t.Setenv(logLevelEnv, "debug")

	cfg := Load()
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://env/db", cfg.Database.DSN)
	assert.Equal(t, "qiita-token", cfg.Qiita.Token)
	assert.Equal(t, "env-22", cfg.Affiliate.Tag)
	assert.Equal(t, "bot", cfg.Notifications.Telegram.BotToken)
	assert.Equal(t, "chat", cfg.Notifications.Telegram.ChatID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "jsonfile", cfg.Sources[0].Scanner)
}

func TestLoadFallsBackOnUnreadableFile(t *testing.T) {
	t.Setenv(configPathEnv, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg := Load()
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "qiita", cfg.Sources[0].Scanner)
	assert.Equal(t, time.UTC.String(), cfg.Scheduler.Location().String())
}

func TestLoadFileReportsErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "cannot read")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("database: [unterminated"), 0o600))
	_, err = LoadFile(bad)
	assert.ErrorContains(t, err, "cannot parse")

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(sampleYAML), 0o600))
	cfg, err := LoadFile(good)
	require.NoError(t, err)
	assert.Equal(t, "jsonfile", cfg.Sources[0].Scanner)
	assert.NotNil(t, cfg.Scheduler.Location())
}
