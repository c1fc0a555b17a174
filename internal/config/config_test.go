package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vizq/internal/archive"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/params"
)

// isolate keeps the user's home config and working directory out of the
// test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Source)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, "vizq.db", cfg.Store.DSN)
	assert.Equal(t, 10, cfg.Queue.ClaimLimit)
	assert.Equal(t, time.Hour, cfg.Queue.SweepTimeout)
	assert.Equal(t, 2*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 20, cfg.Engine.HistoryDepth)
	assert.Equal(t, 500*time.Millisecond, cfg.State.WatchInterval)
	assert.Equal(t, "default", cfg.Viz.DefaultTemplate)
	assert.Equal(t, ArchiveNone, cfg.Archive.Kind)
}

func TestLoad_FindsFileInWorkingDir(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, FileName), "[queue]\nowner = \"viewer-7\"\n")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "viewer-7", cfg.Queue.Owner)
	assert.Equal(t, FileName, filepath.Base(cfg.Source))
}

func TestLoad_ExplicitFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.toml")
	writeFile(t, path, `
[store]
driver = "sqlite"
dsn = "/var/lib/vizq/queue.db"

[engine]
poll_interval = "250ms"
host_mode = true

[viz.limits.gain]
min = 0.5
max = 4

[archive]
kind = "fs"
dir = "/var/lib/vizq/archive"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PollInterval)
	assert.True(t, cfg.Engine.HostMode)

	limits, err := cfg.Limits()
	require.NoError(t, err)
	assert.Equal(t, params.Range{Min: 0.5, Max: 4}, limits.Gain)
	assert.Equal(t, params.DefaultLimits().X, limits.X)

	sink, err := cfg.Sink(context.Background())
	require.NoError(t, err)
	assert.Equal(t, archive.FSSink{Dir: "/var/lib/vizq/archive"}, sink)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, FileName)
	writeFile(t, path, "[queue]\nowner = \"from-file\"\nclaim_limit = 3\n")
	t.Setenv("VIZQ_QUEUE_OWNER", "from-env")
	t.Setenv("VIZQ_ENGINE_POLL_INTERVAL", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Queue.Owner)
	assert.Equal(t, 3, cfg.Queue.ClaimLimit)
	assert.Equal(t, 5*time.Second, cfg.Engine.PollInterval)
}

func TestValidate(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"empty dsn", func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"empty owner", func(c *Config) { c.Queue.Owner = "" }, "queue.owner"},
		{"zero claim limit", func(c *Config) { c.Queue.ClaimLimit = 0 }, "queue.claim_limit"},
		{"zero poll interval", func(c *Config) { c.Engine.PollInterval = 0 }, "engine.poll_interval"},
		{"negative watch interval", func(c *Config) { c.State.WatchInterval = -time.Second }, "state.watch_interval"},
		{"backoff cap below base", func(c *Config) { c.Engine.ErrorBackoffMax = time.Second }, "engine.error_backoff_max"},
		{"unknown archive kind", func(c *Config) { c.Archive.Kind = "ftp" }, "archive.kind"},
		{"s3 without bucket", func(c *Config) { c.Archive.Kind = ArchiveS3 }, "archive.bucket"},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var verr *errors.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidate_BadLimits(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Viz.Limits = map[string]params.Range{"gain": {Min: 5, Max: 1}}
	assert.ErrorContains(t, cfg.Validate(), "viz.limits")

	cfg.Viz.Limits = map[string]params.Range{"warp": {Min: 0, Max: 1}}
	assert.ErrorContains(t, cfg.Validate(), "unknown limit")
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "etc", FileName)

	require.NoError(t, WriteDefault(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[engine]")
	assert.Regexp(t, `poll_interval = ['"]2s['"]`, string(data))

	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.Source = ""
	assert.Equal(t, Default(), cfg)

	err = WriteDefault(path)
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "remove it first")
}

func TestConversions(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Queue.Owner = "viewer-1"
	cfg.Store.RetryAttempts = 4

	ec := cfg.EngineConfig()
	assert.Equal(t, "viewer-1", ec.Owner)
	assert.Equal(t, cfg.Queue.ClaimLimit, ec.ClaimLimit)
	assert.Equal(t, cfg.Mailbox.MaxAge, ec.RequestMaxAge)
	assert.Equal(t, cfg.Queue.Retention, ec.Retention)

	r := cfg.Retry()
	assert.Equal(t, 4, r.MaxRetries)
	assert.Equal(t, cfg.Store.RetryBase, r.BaseDelay)

	sink, err := cfg.Sink(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sink)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestKeys_Sorted(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "store.dsn")
	assert.IsNonDecreasing(t, keys)
}
