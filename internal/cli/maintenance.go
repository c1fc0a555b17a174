package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vizq/internal/mailbox"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail commands stuck in processing",
		Long: `Fail every command that was claimed longer than --timeout ago and
never reached a terminal status. The executor runs the same sweep during
maintenance; this runs it once, now.

Example:
  vizq sweep --timeout 10m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			if timeout <= 0 {
				timeout = sess.cfg.Queue.SweepTimeout
			}
			ids, err := sess.queue.SweepStale(cmd.Context(), timeout)
			if err != nil {
				return WrapExitError(ExitCommandError, "sweep failed", err)
			}
			if ids == nil {
				ids = []string{}
			}
			return sess.out.Emit(map[string]any{"swept": ids, "timeout": timeout.String()},
				fmt.Sprintf("Swept %d stale command(s)", len(ids)))
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "processing time after which a command is stale (default queue.sweep_timeout)")
	return cmd
}

// cleanupView is the JSON shape of a cleanup pass.
type cleanupView struct {
	Archived  int    `json:"archived"`
	Deleted   int64  `json:"deleted"`
	Requests  int64  `json:"requests"`
	OlderThan string `json:"older_than"`
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old finished commands",
		Long: `Delete executed and failed commands last updated more than
--older-than ago, and drop mailbox requests older than mailbox.max_age.
With archive.kind set, each batch is archived before it is deleted.

Example:
  vizq cleanup --older-than 72h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			if olderThan <= 0 {
				olderThan = sess.cfg.Queue.Retention
			}
			ctx := cmd.Context()
			report, err := sess.queue.Cleanup(ctx, olderThan)
			if err != nil {
				return WrapExitError(ExitCommandError, "cleanup failed", err)
			}
			collected, err := mailbox.New(sess.store, sess.logger).Collect(ctx, sess.cfg.Mailbox.MaxAge)
			if err != nil {
				return WrapExitError(ExitCommandError, "request collection failed", err)
			}

			view := cleanupView{
				Archived:  report.Archived,
				Deleted:   report.Deleted,
				Requests:  collected,
				OlderThan: olderThan.String(),
			}
			text := fmt.Sprintf("Deleted %d command(s), archived %d, dropped %d request(s)",
				report.Deleted, report.Archived, collected)
			return sess.out.Emit(view, text)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age after which finished commands are deleted (default queue.retention)")
	return cmd
}
