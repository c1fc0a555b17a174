package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vizq/internal/mailbox"
	"github.com/roach88/vizq/internal/state"
)

// formatSnapshot renders a snapshot for terminals.
func formatSnapshot(s state.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s @ %s\n", s.Owner, stamp(s.Timestamp))
	b.WriteString(state.Format(s))
	if len(s.AvailableOptions) > 0 {
		fmt.Fprintf(&b, "\nTemplates: %s", strings.Join(s.AvailableOptions, ", "))
	}
	return b.String()
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the published viewer state",
		Long: `Show the viewer state the executor last published for the owner.

With --watch the command keeps polling (state.watch_interval) and prints
every new snapshot until interrupted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			if watch {
				return watchState(cmd.Context(), sess)
			}

			snap, found, err := sess.client.State(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read state", err)
			}
			if !found {
				_ = sess.out.Error(CodeNotFound, "no state published for "+sess.cfg.Queue.Owner, nil)
				return NewExitError(ExitCommandError, "no state published")
			}
			return sess.out.Emit(snap, formatSnapshot(snap))
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep printing new snapshots")
	return cmd
}

func watchState(parent context.Context, sess *session) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess.client.Subscribe(func(s state.Snapshot) {
		if err := sess.out.Emit(s, formatSnapshot(s)); err != nil {
			sess.logger.Warn("failed to print snapshot", "error", err)
		}
	})
	sess.out.VerboseLog("Watching state for %s every %s...", sess.cfg.Queue.Owner, sess.cfg.State.WatchInterval)
	sess.client.Watch(ctx)
	<-ctx.Done()
	return nil
}

// NewRequestCommand creates the request command.
func NewRequestCommand(rootOpts *RootOptions) *cobra.Command {
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "request state|templates",
		Short: "Ask the executor to republish state",
		Long: `Leave a request in the owner's mailbox. "state" asks for a fresh
snapshot; "templates" also rescans the template directory first. A newer
request replaces one the executor has not consumed yet.

With --wait the command blocks until a snapshot newer than the request
is published and prints it.`,
		Args:          cobra.ExactArgs(1),
		ValidArgs:     []string{"state", "templates"},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := mailbox.ParseType(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid request type", err)
			}
			sess, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx := cmd.Context()
			sent := sess.store.Now()
			if typ == mailbox.GetTemplates {
				err = sess.client.RequestTemplates(ctx)
			} else {
				err = sess.client.RequestState(ctx)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to send request", err)
			}
			if !wait {
				return sess.out.Emit(map[string]string{"type": string(typ), "owner": sess.cfg.Queue.Owner},
					"Requested "+string(typ)+" for "+sess.cfg.Queue.Owner)
			}

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			snap, err := awaitSnapshot(waitCtx, sess, sent)
			if err != nil {
				return WrapExitError(ExitFailure, "no fresh state published", err)
			}
			return sess.out.Emit(snap, formatSnapshot(snap))
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the answering snapshot")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long --wait waits")
	return cmd
}

// awaitSnapshot polls until a snapshot stamped at or after since appears.
func awaitSnapshot(ctx context.Context, sess *session, since time.Time) (state.Snapshot, error) {
	for {
		snap, found, err := sess.client.State(ctx)
		if err != nil {
			return state.Snapshot{}, err
		}
		if found && !snap.Timestamp.Before(since) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return state.Snapshot{}, ctx.Err()
		case <-time.After(sess.cfg.State.WatchInterval):
		}
	}
}
