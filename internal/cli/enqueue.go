package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/queue"
	"github.com/roach88/vizq/internal/store"
)

// paramsValue collects key=value pairs into a parameter map. Values are
// read as JSON when they parse (numbers, booleans, arrays, objects) and as
// plain strings otherwise, so x=150000 is a number and
// template=overview is a string.
type paramsValue struct {
	m payload.Map
}

var _ pflag.Value = (*paramsValue)(nil)

func newParamsValue() *paramsValue { return &paramsValue{m: payload.Map{}} }

func (p *paramsValue) String() string {
	if len(p.m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p.m))
	for k := range p.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		data, _ := payload.Marshal(p.m[k])
		parts = append(parts, k+"="+string(data))
	}
	return strings.Join(parts, ",")
}

func (p *paramsValue) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	p.m[key] = parseValue(raw)
	return nil
}

func (p *paramsValue) Type() string { return "key=value" }

func parseValue(raw string) any {
	m, err := payload.Decode([]byte(`{"v":` + raw + `}`))
	if err != nil {
		return raw
	}
	return m["v"]
}

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Params     *paramsValue
	ParamsFile string
	Wait       bool
	Timeout    time.Duration
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts, Params: newParamsValue()}

	cmd := &cobra.Command{
		Use:   "enqueue <method> [key=value...]",
		Short: "Submit a command to the executor",
		Long: `Submit one command for the configured owner.

Parameters come from a JSONC file (--params-file), then --set flags, then
positional key=value pairs; later sources win per key. Values that parse
as JSON keep their type; anything else is a string.

With --wait the command blocks until the executor reports a terminal
status and exits 1 if the command failed.

Examples:
  vizq enqueue update_position x=150000 y=112000 z=2500
  vizq enqueue update_colormap --set colormap_index=5 --wait
  vizq enqueue reload_template template=overview
  vizq enqueue update_visibility --params-file layers.jsonc --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd, args[0], args[1:])
		},
	}

	cmd.Flags().VarP(opts.Params, "set", "p", "parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.ParamsFile, "params-file", "", "JSONC file holding the parameter object")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait until the command is executed or failed")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long --wait waits")

	return cmd
}

// collect merges the parameter sources in precedence order.
func (o *EnqueueOptions) collect(args []string) (payload.Map, error) {
	merged := payload.Map{}
	if o.ParamsFile != "" {
		data, err := os.ReadFile(o.ParamsFile)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read params file", err)
		}
		fromFile, err := payload.Decode(jsonc.ToJSON(data))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "params file is not a JSON object", err)
		}
		for k, v := range fromFile {
			merged[k] = v
		}
	}
	for k, v := range o.Params.m {
		merged[k] = v
	}
	positional := newParamsValue()
	for _, a := range args {
		if err := positional.Set(a); err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid parameter", err)
		}
	}
	for k, v := range positional.m {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return merged, nil
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command, method string, args []string) error {
	p, err := opts.collect(args)
	if err != nil {
		return err
	}
	sess, err := opts.openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx := cmd.Context()
	receipt, err := sess.client.Submit(ctx, method, p)
	if err != nil {
		return submitError(sess, err)
	}
	return finishSubmit(ctx, sess, opts.Wait, opts.Timeout, method, receipt)
}

func submitError(sess *session, err error) error {
	code := CodeStore
	if errors.IsValidationError(err) {
		code = CodeUsage
	}
	_ = sess.out.Error(code, err.Error(), nil)
	return WrapExitError(ExitCommandError, "enqueue rejected", err)
}

// receiptView is the JSON shape of an accepted submission.
type receiptView struct {
	ID        string       `json:"id"`
	Method    string       `json:"method"`
	Duplicate bool         `json:"duplicate"`
	Command   *commandView `json:"command,omitempty"`
}

// finishSubmit reports a receipt and, with wait, the terminal command.
func finishSubmit(ctx context.Context, sess *session, wait bool, timeout time.Duration, method string, r queue.Receipt) error {
	view := receiptView{ID: r.ID, Method: method, Duplicate: r.Duplicate}
	if !wait {
		text := "Queued " + r.ID
		if r.Duplicate {
			text = "Already queued " + r.ID
		}
		return sess.out.Emit(view, text)
	}

	sess.out.VerboseLog("Waiting for %s...", r.ID)
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd, err := sess.client.Wait(waitCtx, r.ID, 0)
	if err != nil {
		return WrapExitError(ExitFailure, "command did not finish", err)
	}

	cv := newCommandView(cmd)
	view.Command = &cv
	if err := sess.out.Emit(view, formatCommand(cmd)); err != nil {
		return err
	}
	if cmd.Status == store.StatusFailed {
		return NewExitError(ExitFailure, fmt.Sprintf("command %s failed: %s", cmd.ID, cmd.Error))
	}
	return nil
}

// NewUndoCommand creates the undo command.
func NewUndoCommand(rootOpts *RootOptions) *cobra.Command {
	return newHistoryCommand(rootOpts, "undo", "Step back one state in the viewer history")
}

// NewRedoCommand creates the redo command.
func NewRedoCommand(rootOpts *RootOptions) *cobra.Command {
	return newHistoryCommand(rootOpts, "redo", "Step forward one state in the viewer history")
}

func newHistoryCommand(rootOpts *RootOptions, name, short string) *cobra.Command {
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:           name,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			submit := sess.client.Undo
			if name == "redo" {
				submit = sess.client.Redo
			}
			r, err := submit(cmd.Context())
			if err != nil {
				return submitError(sess, err)
			}
			return finishSubmit(cmd.Context(), sess, wait, timeout, name, r)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the command is executed or failed")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long --wait waits")
	return cmd
}

// NewResubmitCommand creates the resubmit command.
func NewResubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Queue a fresh copy of a failed command",
		Long: `Queue a fresh copy of a failed command with the same method and
parameters. The copy gets a new id; the failed command is left as is.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			orig, err := lookupCommand(cmd.Context(), sess, args[0])
			if err != nil {
				return err
			}
			r, err := sess.client.Resubmit(cmd.Context(), orig)
			if err != nil {
				return submitError(sess, err)
			}
			return finishSubmit(cmd.Context(), sess, wait, timeout, orig.Method, r)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the copy is executed or failed")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long --wait waits")
	return cmd
}
