package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/vizq/internal/archive"
	"github.com/roach88/vizq/internal/clock"
	"github.com/roach88/vizq/internal/config"
	"github.com/roach88/vizq/internal/metrics"
	"github.com/roach88/vizq/internal/producer"
	"github.com/roach88/vizq/internal/queue"
	"github.com/roach88/vizq/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Database   string // overrides store.dsn
	Driver     string // overrides store.driver
	Owner      string // overrides queue.owner
	Verbose    bool
	Format     string // "json" | "text"

	// Clock overrides the wall clock (for testing).
	Clock clock.Clock
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the vizq CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vizq",
		Short: "vizq - command queue for a 3D seismic viewer",
		Long: `vizq moves viewer commands from a producer to the executor that runs
inside the visualization host, through a shared database.

The producer side enqueues commands and reads the published viewer state.
The executor side ("vizq serve") claims commands, applies them to the
viewer and answers state requests.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "C", "", "config file (default ./vizq.toml or ~/.config/vizq/vizq.toml)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database DSN (overrides store.dsn)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", fmt.Sprintf("database driver %v (overrides store.driver)", store.Drivers()))
	cmd.PersistentFlags().StringVar(&opts.Owner, "owner", "", "queue owner (overrides queue.owner)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewUndoCommand(opts))
	cmd.AddCommand(NewRedoCommand(opts))
	cmd.AddCommand(NewResubmitCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRecentCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewRequestCommand(opts))
	cmd.AddCommand(NewHeartbeatCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// LoadConfig reads the config file and applies the global flag overrides.
func (o *RootOptions) LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.Store.DSN = o.Database
	}
	if o.Driver != "" {
		cfg.Store.Driver = o.Driver
	}
	if o.Owner != "" {
		cfg.Queue.Owner = o.Owner
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// Logger builds the process logger on w. --verbose forces debug; otherwise
// log.level applies. JSON output gets JSON logs.
func (o *RootOptions) Logger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Log.Level)
	if o.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if o.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// Formatter returns the output formatter for cmd.
func (o *RootOptions) Formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// OpenStore opens the configured database.
func (o *RootOptions) OpenStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Store.DSN,
		store.WithDriver(cfg.Store.Driver),
		store.WithRetry(cfg.Retry()),
		store.WithClock(clock.OrReal(o.Clock)),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// session bundles what a producer-side command needs.
type session struct {
	cfg    *config.Config
	store  *store.Store
	queue  *queue.Manager
	client *producer.Client
	logger *slog.Logger
	out    *OutputFormatter
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing database", "error", err)
	}
}

// openSession loads config, opens the store and builds a producer client
// for the configured owner.
func (o *RootOptions) openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := o.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := o.Logger(cmd.ErrOrStderr(), cfg)
	st, err := o.OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	q, err := o.buildQueue(cmd.Context(), st, cfg, logger, nil)
	if err != nil {
		st.Close()
		return nil, err
	}
	client, err := producer.New(st, cfg.Queue.Owner,
		producer.WithQueue(q),
		producer.WithClock(clock.OrReal(o.Clock)),
		producer.WithLogger(logger),
		producer.WithRetry(cfg.Retry()),
		producer.WithWatchInterval(cfg.State.WatchInterval),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create client", err)
	}
	logger.Debug("session ready", "dsn", cfg.Store.DSN, "driver", cfg.Store.Driver, "owner", cfg.Queue.Owner, "config", cfg.Source)
	return &session{cfg: cfg, store: st, queue: q, client: client, logger: logger, out: o.Formatter(cmd)}, nil
}

// buildQueue builds the queue manager with the configured stale window and,
// when archiving is on, the retention archiver.
func (o *RootOptions) buildQueue(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*queue.Manager, error) {
	c := clock.OrReal(o.Clock)
	qopts := []queue.Option{
		queue.WithClock(c),
		queue.WithLogger(logger),
		queue.WithStaleAfter(cfg.Queue.StaleAfter),
	}
	if m != nil {
		qopts = append(qopts, queue.WithMetrics(m))
	}
	sink, err := cfg.Sink(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure archive", err)
	}
	if sink != nil {
		qopts = append(qopts, queue.WithArchiver(archive.New(sink, cfg.Archive.Prefix, c)))
	}
	return queue.New(st, qopts...), nil
}
