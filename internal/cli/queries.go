package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vizq/internal/engine"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/queue"
	"github.com/roach88/vizq/internal/store"
)

// commandView is the JSON shape of a stored command.
type commandView struct {
	ID         string      `json:"id"`
	Owner      string      `json:"owner"`
	Method     string      `json:"method"`
	Params     payload.Map `json:"params,omitempty"`
	Status     string      `json:"status"`
	IssuedAt   string      `json:"issued_at"`
	UpdatedAt  string      `json:"updated_at"`
	ClaimedAt  string      `json:"claimed_at,omitempty"`
	Result     payload.Map `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorCode  int         `json:"error_code,omitempty"`
	RetryCount int         `json:"retry_count,omitempty"`
}

func newCommandView(c queue.Command) commandView {
	v := commandView{
		ID:         c.ID,
		Owner:      c.Owner,
		Method:     c.Method,
		Params:     c.Params,
		Status:     string(c.Status),
		IssuedAt:   stamp(c.IssuedAt),
		UpdatedAt:  stamp(c.UpdatedAt),
		Result:     c.Result,
		Error:      c.Error,
		ErrorCode:  c.ErrorCode,
		RetryCount: c.RetryCount,
	}
	if !c.ClaimedAt.IsZero() {
		v.ClaimedAt = stamp(c.ClaimedAt)
	}
	return v
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// formatCommand renders a command as a short block for terminals.
func formatCommand(c queue.Command) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s [%s]\n", c.ID, c.Method, c.Status)
	if len(c.Params) > 0 {
		data, _ := payload.MarshalMap(c.Params)
		fmt.Fprintf(&b, "  params: %s\n", data)
	}
	fmt.Fprintf(&b, "  issued: %s\n", stamp(c.IssuedAt))
	if msg, ok := payload.AsString(c.Result["message"]); ok {
		fmt.Fprintf(&b, "  result: %s\n", msg)
	}
	if c.Error != "" {
		fmt.Fprintf(&b, "  error: %s (code %d)\n", c.Error, c.ErrorCode)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// lookupCommand fetches id, reporting a missing command as exit 2.
func lookupCommand(ctx context.Context, sess *session, id string) (queue.Command, error) {
	c, err := sess.client.Command(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		_ = sess.out.Error(CodeNotFound, "command not found: "+id, nil)
		return queue.Command{}, NewExitError(ExitCommandError, "command not found: "+id)
	}
	if err != nil {
		return queue.Command{}, WrapExitError(ExitCommandError, "failed to read command", err)
	}
	return c, nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show one command",
		Long: `Show one command with its status, result and error.

Exit codes:
  0 - The command exists and has not failed
  1 - The command failed
  2 - The command does not exist`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			c, err := lookupCommand(cmd.Context(), sess, args[0])
			if err != nil {
				return err
			}
			if err := sess.out.Emit(newCommandView(c), formatCommand(c)); err != nil {
				return err
			}
			if c.Status == store.StatusFailed {
				return NewExitError(ExitFailure, "command "+c.ID+" failed")
			}
			return nil
		},
	}
}

// NewRecentCommand creates the recent command.
func NewRecentCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "recent",
		Short:         "List the owner's newest commands",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			sess, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			cmds, err := sess.client.Recent(cmd.Context(), limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list commands", err)
			}
			views := make([]commandView, 0, len(cmds))
			for _, c := range cmds {
				views = append(views, newCommandView(c))
			}
			return sess.out.Emit(views, formatRecent(cmds))
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of commands to show")
	return cmd
}

func formatRecent(cmds []queue.Command) string {
	if len(cmds) == 0 {
		return "No commands."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMETHOD\tSTATUS\tISSUED\tERROR")
	for _, c := range cmds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Method, c.Status, stamp(c.IssuedAt), c.Error)
	}
	_ = w.Flush()
	return strings.TrimSuffix(b.String(), "\n")
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Count the owner's commands by status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			st, err := sess.queue.Stats(cmd.Context(), sess.cfg.Queue.Owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to count commands", err)
			}
			text := fmt.Sprintf("queued=%d processing=%d executed=%d failed=%d total=%d",
				st.Queued, st.Processing, st.Executed, st.Failed, st.Total)
			return sess.out.Emit(st, text)
		},
	}
}

// heartbeatView is the JSON shape of the executor heartbeat.
type heartbeatView struct {
	Component string      `json:"component"`
	Status    string      `json:"status"`
	UpdatedAt string      `json:"updated_at"`
	Age       string      `json:"age"`
	Payload   payload.Map `json:"payload,omitempty"`
}

// NewHeartbeatCommand creates the heartbeat command.
func NewHeartbeatCommand(rootOpts *RootOptions) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Show the executor heartbeat",
		Long: `Show the executor's last heartbeat.

Exit codes:
  0 - The executor is online and the heartbeat is fresh
  1 - The executor is not online, or the heartbeat is older than --max-age
  2 - No heartbeat was ever written`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			hb, err := sess.store.GetComponentStatus(cmd.Context(), engine.Component)
			if errors.Is(err, store.ErrNotFound) {
				_ = sess.out.Error(CodeNotFound, "no heartbeat recorded", nil)
				return NewExitError(ExitCommandError, "no heartbeat recorded")
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read heartbeat", err)
			}

			age := sess.store.Now().Sub(hb.UpdatedAt).Truncate(time.Millisecond)
			view := heartbeatView{
				Component: hb.Component,
				Status:    hb.Status,
				UpdatedAt: stamp(hb.UpdatedAt),
				Age:       age.String(),
				Payload:   hb.Payload,
			}
			text := fmt.Sprintf("%s %s (updated %s, %s ago)", hb.Component, hb.Status, view.UpdatedAt, view.Age)
			if err := sess.out.Emit(view, text); err != nil {
				return err
			}
			if hb.Status != engine.StatusOnline {
				return NewExitError(ExitFailure, "executor is "+hb.Status)
			}
			if maxAge > 0 && age > maxAge {
				return NewExitError(ExitFailure, "heartbeat is stale")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "treat an older heartbeat as stale (0 disables)")
	return cmd
}
