package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/vizq/internal/clock"
	"github.com/roach88/vizq/internal/config"
	"github.com/roach88/vizq/internal/dispatch"
	"github.com/roach88/vizq/internal/engine"
	"github.com/roach88/vizq/internal/metrics"
	"github.com/roach88/vizq/internal/viz"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Templates string // overrides viz.templates_dir
	Template  string // overrides viz.default_template
	Output    string // overrides viz.output_path
	Metrics   string // overrides metrics.listen
	HostMode  bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the command executor",
		Long: `Run the executor loop for one owner.

The executor claims queued commands, validates and applies them to the
viewer, answers state and template requests, and writes a heartbeat.
Maintenance (stale sweep, request collection, retention) runs every
engine.maintenance_every iterations.

With --output the applied parameters are written to a JSON file after
every change; without it the executor keeps state in memory only.

Example:
  vizq serve --db ./vizq.db --templates ./templates
  vizq serve --output ./viewer.json --metrics :9464 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Templates, "templates", "", "template directory (overrides viz.templates_dir)")
	cmd.Flags().StringVar(&opts.Template, "template", "", "starting template (overrides viz.default_template)")
	cmd.Flags().StringVar(&opts.Output, "output", "", "write applied parameters to this file (overrides viz.output_path)")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "serve Prometheus metrics on this address (overrides metrics.listen)")
	cmd.Flags().BoolVar(&opts.HostMode, "host-mode", false, "ignore interrupt signals; the host owns the process")

	return cmd
}

func (o *ServeOptions) apply(cfg *config.Config) {
	if o.Templates != "" {
		cfg.Viz.TemplatesDir = o.Templates
	}
	if o.Template != "" {
		cfg.Viz.DefaultTemplate = o.Template
	}
	if o.Output != "" {
		cfg.Viz.OutputPath = o.Output
	}
	if o.Metrics != "" {
		cfg.Metrics.Listen = o.Metrics
	}
	if o.HostMode {
		cfg.Engine.HostMode = true
	}
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	opts.apply(cfg)

	logger := opts.Logger(cmd.ErrOrStderr(), cfg)
	limits, err := cfg.Limits()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid limits", err)
	}

	logger.Info("opening database", "dsn", cfg.Store.DSN, "driver", cfg.Store.Driver)
	st, err := opts.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	m := metrics.New()
	q, err := opts.buildQueue(cmd.Context(), st, cfg, logger, m)
	if err != nil {
		return err
	}

	var binding viz.Binding = viz.NopBinding{}
	if cfg.Viz.OutputPath != "" {
		binding = viz.NewFileBinding(cfg.Viz.OutputPath)
	}
	setup := func(ctx context.Context) (engine.Session, *dispatch.Registry, error) {
		s, reg, err := viz.Bootstrap(ctx, cfg.Viz.TemplatesDir, cfg.Viz.DefaultTemplate, cfg.Engine.HistoryDepth,
			viz.WithBinding(binding),
			viz.WithLimits(limits),
			viz.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("templates loaded", "dir", cfg.Viz.TemplatesDir, "templates", s.Templates())
		return s, reg, nil
	}

	eng := engine.New(st, setup,
		engine.WithConfig(cfg.EngineConfig()),
		engine.WithClock(clock.OrReal(opts.Clock)),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithQueue(q),
	)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	// In host mode the engine swallows signals itself.
	if !cfg.Engine.HostMode {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		go func() {
			select {
			case sig := <-sigChan:
				logger.Info("received signal, shutting down", "signal", sig)
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Listen, "error", err)
			}
		}()
	}

	out := cmd.OutOrStdout()
	if opts.Format != "json" {
		fmt.Fprintf(out, "Executor started for owner %s. Waiting for commands...\n", cfg.Queue.Owner)
		if !cfg.Engine.HostMode {
			fmt.Fprintln(out, "Press Ctrl-C to stop.")
		}
	}

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "executor failed", err)
	}

	logger.Info("executor stopped gracefully", "loops", eng.Loops())
	return nil
}
