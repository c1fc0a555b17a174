// Package config loads vizq settings from a TOML file, VIZQ_* environment
// variables and built-in defaults, in that order of precedence (env wins).
package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/roach88/vizq/internal/archive"
	"github.com/roach88/vizq/internal/engine"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/history"
	"github.com/roach88/vizq/internal/mailbox"
	"github.com/roach88/vizq/internal/params"
	"github.com/roach88/vizq/internal/queue"
	"github.com/roach88/vizq/internal/state"
	"github.com/roach88/vizq/internal/store"
	"github.com/roach88/vizq/internal/viz"
)

// EnvPrefix prefixes every environment override: store.dsn is VIZQ_STORE_DSN.
const EnvPrefix = "VIZQ"

// FileName is the config file looked up when no path is given.
const FileName = "vizq.toml"

// Archive sink kinds.
const (
	ArchiveNone = "none"
	ArchiveFS   = "fs"
	ArchiveS3   = "s3"
)

// Config is the complete vizq configuration.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Mailbox MailboxConfig `mapstructure:"mailbox"`
	Engine  EngineConfig  `mapstructure:"engine"`
	State   StateConfig   `mapstructure:"state"`
	Viz     VizConfig     `mapstructure:"viz"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`

	// Source is the file the config was read from, empty when none was found.
	Source string `mapstructure:"-"`
}

// StoreConfig selects the database.
type StoreConfig struct {
	Driver        string        `mapstructure:"driver"` // sqlite3, sqlite or pgx
	DSN           string        `mapstructure:"dsn"`
	RetryAttempts int           `mapstructure:"retry_attempts"` // retries after the first attempt
	RetryBase     time.Duration `mapstructure:"retry_base"`
}

// QueueConfig holds queue timing and the owner this process serves.
type QueueConfig struct {
	Owner        string        `mapstructure:"owner"`
	ClaimLimit   int           `mapstructure:"claim_limit"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	SweepTimeout time.Duration `mapstructure:"sweep_timeout"`
	Retention    time.Duration `mapstructure:"retention"`
}

// MailboxConfig holds request mailbox settings.
type MailboxConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

// EngineConfig holds executor loop settings.
type EngineConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	HeartbeatEvery   int           `mapstructure:"heartbeat_every"`
	MaintenanceEvery int           `mapstructure:"maintenance_every"`
	ErrorBackoff     time.Duration `mapstructure:"error_backoff"`
	ErrorBackoffMax  time.Duration `mapstructure:"error_backoff_max"`
	HostMode         bool          `mapstructure:"host_mode"`
	HistoryDepth     int           `mapstructure:"history_depth"`
}

// StateConfig holds producer-side state polling settings.
type StateConfig struct {
	WatchInterval time.Duration `mapstructure:"watch_interval"`
}

// VizConfig holds the visualization session settings.
type VizConfig struct {
	TemplatesDir    string                  `mapstructure:"templates_dir"`
	DefaultTemplate string                  `mapstructure:"default_template"`
	OutputPath      string                  `mapstructure:"output_path"` // empty disables the file binding
	Limits          map[string]params.Range `mapstructure:"limits"`
}

// ArchiveConfig selects where expired commands go before deletion.
type ArchiveConfig struct {
	Kind            string `mapstructure:"kind"`
	Dir             string `mapstructure:"dir"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the endpoint
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// defaults is the single source for viper defaults and the file written by
// WriteDefault. Durations are strings so the written file stays readable.
func defaults() map[string]any {
	return map[string]any{
		"store.driver":         store.DriverSQLite3,
		"store.dsn":            "vizq.db",
		"store.retry_attempts": errors.DefaultMaxRetries,
		"store.retry_base":     errors.DefaultBaseDelay.String(),

		"queue.owner":         "viewer",
		"queue.claim_limit":   queue.DefaultClaimLimit,
		"queue.stale_after":   queue.DefaultStaleAfter.String(),
		"queue.sweep_timeout": queue.DefaultSweepTimeout.String(),
		"queue.retention":     queue.DefaultRetention.String(),

		"mailbox.max_age": mailbox.DefaultMaxAge.String(),

		"engine.poll_interval":     engine.DefaultPollInterval.String(),
		"engine.heartbeat_every":   engine.DefaultHeartbeatEvery,
		"engine.maintenance_every": engine.DefaultMaintenanceEvery,
		"engine.error_backoff":     engine.DefaultErrorBackoff.String(),
		"engine.error_backoff_max": engine.DefaultErrorBackoffMax.String(),
		"engine.host_mode":         false,
		"engine.history_depth":     history.DefaultDepth,

		"state.watch_interval": state.DefaultWatchInterval.String(),

		"viz.templates_dir":    "templates",
		"viz.default_template": viz.DefaultTemplate,
		"viz.output_path":      "",

		"archive.kind":              ArchiveNone,
		"archive.dir":               "archive",
		"archive.bucket":            "",
		"archive.prefix":            "vizq",
		"archive.region":            "",
		"archive.endpoint":          "",
		"archive.path_style":        false,
		"archive.access_key_id":     "",
		"archive.secret_access_key": "",

		"metrics.listen": "",

		"log.level": "info",
	}
}

func setDefaults(v *viper.Viper) {
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
}

// Default returns the built-in defaults with environment overrides applied.
func Default() *Config {
	cfg, err := unmarshal(newViper())
	if err != nil {
		panic("config: built-in defaults do not decode: " + err.Error())
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. With an empty path it looks for vizq.toml
// in the working directory and then ~/.config/vizq; a missing file is not
// an error. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "vizq"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	cfg.Source = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return cfg, nil
}

// Validate rejects non-positive intervals and unknown enum values.
func (c *Config) Validate() error {
	if !contains(store.Drivers(), c.Store.Driver) {
		return errors.NewValidationError("store.driver",
			"unknown driver "+quote(c.Store.Driver)+", want one of "+strings.Join(store.Drivers(), ", "))
	}
	if c.Store.DSN == "" {
		return errors.NewValidationError("store.dsn", "required")
	}
	if c.Store.RetryAttempts < 0 {
		return errors.NewValidationError("store.retry_attempts", "must not be negative")
	}
	if c.Queue.Owner == "" {
		return errors.NewValidationError("queue.owner", "required")
	}

	positiveInts := []struct {
		field string
		v     int
	}{
		{"queue.claim_limit", c.Queue.ClaimLimit},
		{"engine.heartbeat_every", c.Engine.HeartbeatEvery},
		{"engine.maintenance_every", c.Engine.MaintenanceEvery},
		{"engine.history_depth", c.Engine.HistoryDepth},
	}
	for _, p := range positiveInts {
		if p.v <= 0 {
			return errors.NewValidationError(p.field, "must be positive")
		}
	}

	positiveDurations := []struct {
		field string
		d     time.Duration
	}{
		{"store.retry_base", c.Store.RetryBase},
		{"queue.stale_after", c.Queue.StaleAfter},
		{"queue.sweep_timeout", c.Queue.SweepTimeout},
		{"queue.retention", c.Queue.Retention},
		{"mailbox.max_age", c.Mailbox.MaxAge},
		{"engine.poll_interval", c.Engine.PollInterval},
		{"engine.error_backoff", c.Engine.ErrorBackoff},
		{"engine.error_backoff_max", c.Engine.ErrorBackoffMax},
		{"state.watch_interval", c.State.WatchInterval},
	}
	for _, p := range positiveDurations {
		if p.d <= 0 {
			return errors.NewValidationError(p.field, "must be a positive duration")
		}
	}
	if c.Engine.ErrorBackoffMax < c.Engine.ErrorBackoff {
		return errors.NewValidationError("engine.error_backoff_max", "must not be below engine.error_backoff")
	}

	if _, err := c.Limits(); err != nil {
		return errors.Wrap(err, "viz.limits")
	}

	switch c.Archive.Kind {
	case ArchiveNone:
	case ArchiveFS:
		if c.Archive.Dir == "" {
			return errors.NewValidationError("archive.dir", "required for the fs archive")
		}
	case ArchiveS3:
		if c.Archive.Bucket == "" {
			return errors.NewValidationError("archive.bucket", "required for the s3 archive")
		}
	default:
		return errors.NewValidationError("archive.kind",
			"unknown kind "+quote(c.Archive.Kind)+", want none, fs or s3")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Limits applies viz.limits to the default validator bounds.
func (c *Config) Limits() (params.Limits, error) {
	return params.DefaultLimits().Override(c.Viz.Limits)
}

// Retry is the store retry policy.
func (c *Config) Retry() errors.RetryConfig {
	r := errors.DefaultRetryConfig()
	r.MaxRetries = c.Store.RetryAttempts
	r.BaseDelay = c.Store.RetryBase
	return r
}

// EngineConfig maps the settings onto the executor loop config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Owner:            c.Queue.Owner,
		ClaimLimit:       c.Queue.ClaimLimit,
		PollInterval:     c.Engine.PollInterval,
		HeartbeatEvery:   c.Engine.HeartbeatEvery,
		MaintenanceEvery: c.Engine.MaintenanceEvery,
		ErrorBackoff:     c.Engine.ErrorBackoff,
		ErrorBackoffMax:  c.Engine.ErrorBackoffMax,
		SweepTimeout:     c.Queue.SweepTimeout,
		RequestMaxAge:    c.Mailbox.MaxAge,
		Retention:        c.Queue.Retention,
		HostMode:         c.Engine.HostMode,
	}
}

// Sink builds the archive sink. It returns nil when archiving is off.
func (c *Config) Sink(ctx context.Context) (archive.Sink, error) {
	switch c.Archive.Kind {
	case ArchiveFS:
		return archive.FSSink{Dir: c.Archive.Dir}, nil
	case ArchiveS3:
		sink, err := archive.NewS3Sink(ctx, archive.S3Config{
			Bucket:          c.Archive.Bucket,
			Region:          c.Archive.Region,
			Endpoint:        c.Archive.Endpoint,
			PathStyle:       c.Archive.PathStyle,
			AccessKeyID:     c.Archive.AccessKeyID,
			SecretAccessKey: c.Archive.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, nil
	}
}

// ParseLevel maps a log.level value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.NewValidationError("log.level",
			"unknown level "+quote(s)+", want debug, info, warn or error")
	}
}

// DefaultTOML renders the defaults as a TOML document, one table per
// section.
func DefaultTOML() ([]byte, error) {
	tables := map[string]map[string]any{}
	for key, val := range defaults() {
		section, name, _ := strings.Cut(key, ".")
		if tables[section] == nil {
			tables[section] = map[string]any{}
		}
		tables[section][name] = val
	}
	out, err := toml.Marshal(tables)
	if err != nil {
		return nil, errors.Wrap(err, "encode default config")
	}
	return out, nil
}

// WriteDefault writes the default configuration to path. An existing file
// is left alone and reported as an error.
func WriteDefault(path string) error {
	data, err := DefaultTOML()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errors.WithHint(errors.Newf("config file %s already exists", path),
				"remove it first or pass a different path")
		}
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}

// Keys lists every setting name, sorted.
func Keys() []string {
	d := defaults()
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func quote(s string) string { return `"` + s + `"` }
