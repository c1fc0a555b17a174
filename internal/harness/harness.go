package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/roach88/vizq/internal/dispatch"
	"github.com/roach88/vizq/internal/engine"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/mailbox"
	"github.com/roach88/vizq/internal/params"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/queue"
	"github.com/roach88/vizq/internal/state"
	"github.com/roach88/vizq/internal/store"
	"github.com/roach88/vizq/internal/testutil"
	"github.com/roach88/vizq/internal/viz"
)

// commandLimit bounds how many commands a run reads back.
const commandLimit = 10000

// Harness is one scenario run in progress.
type Harness struct {
	scenario *Scenario
	owner    string
	store    *store.Store
	clock    *testutil.FakeClock
	queue    *queue.Manager
	mailbox  *mailbox.Mailbox
	channel  *state.Channel
	binding  *viz.RecordingBinding
	engine   *engine.Engine
}

// Run executes the scenario in a fresh temporary directory and evaluates
// its assertions.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "vizq-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)
	return RunIn(ctx, scenario, dir)
}

// RunIn is Run with a caller-owned working directory.
func RunIn(ctx context.Context, scenario *Scenario, dir string) (*Result, error) {
	h, err := newHarness(ctx, scenario, dir)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	result := NewResult()
	result.Defaults = params.Defaults().ToMap()

	if err := h.engine.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	for i, step := range scenario.Steps {
		if err := h.step(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Kind(), err)
		}
	}
	if err := h.collect(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario, dir string) (*Harness, error) {
	owner := scenario.Owner
	if owner == "" {
		owner = DefaultOwner
	}

	templatesDir := filepath.Join(dir, "templates")
	if err := writeTemplates(templatesDir, scenario.Templates); err != nil {
		return nil, err
	}

	clk := testutil.NewFakeClock(time.Time{})
	st, err := store.Open(filepath.Join(dir, "harness.db"),
		store.WithClock(clk),
		store.WithRetry(errors.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &Harness{
		scenario: scenario,
		owner:    owner,
		store:    st,
		clock:    clk,
		queue:    queue.New(st, queue.WithClock(clk), queue.WithIDGenerator(testutil.NewSequenceIDs("cmd")), queue.WithLogger(logger)),
		mailbox:  mailbox.New(st, logger),
		channel:  state.NewChannel(st, clk),
		binding:  &viz.RecordingBinding{},
	}

	cfg, err := engineConfig(owner, scenario.Engine)
	if err != nil {
		st.Close()
		return nil, err
	}
	setup := func(ctx context.Context) (engine.Session, *dispatch.Registry, error) {
		s, reg, err := viz.Bootstrap(ctx, templatesDir, scenario.Template, scenario.Engine.HistoryDepth,
			viz.WithBinding(h.binding), viz.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, reg, nil
	}
	h.engine = engine.New(st, setup,
		engine.WithConfig(cfg),
		engine.WithClock(clk),
		engine.WithLogger(logger),
		engine.WithQueue(h.queue),
	)
	return h, nil
}

func engineConfig(owner string, s EngineSettings) (engine.Config, error) {
	cfg := engine.Config{
		Owner:            owner,
		ClaimLimit:       s.ClaimLimit,
		HeartbeatEvery:   s.HeartbeatEvery,
		MaintenanceEvery: s.MaintenanceEvery,
	}
	var err error
	if s.SweepTimeout != "" {
		if cfg.SweepTimeout, err = time.ParseDuration(s.SweepTimeout); err != nil {
			return cfg, fmt.Errorf("engine.sweep_timeout: %w", err)
		}
	}
	if s.Retention != "" {
		if cfg.Retention, err = time.ParseDuration(s.Retention); err != nil {
			return cfg, fmt.Errorf("engine.retention: %w", err)
		}
	}
	return cfg, nil
}

func writeTemplates(dir string, templates map[string]TemplateSpec) error {
	if len(templates) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create template directory: %w", err)
	}
	for name, tmpl := range templates {
		overrides, err := normalize(tmpl.Parameters)
		if err != nil {
			return fmt.Errorf("template %s: %w", name, err)
		}
		data, err := payload.MarshalMap(payload.Map{"description": tmpl.Description, "parameters": overrides})
		if err != nil {
			return fmt.Errorf("template %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name+viz.TemplateExt), data, 0o644); err != nil {
			return fmt.Errorf("failed to write template %s: %w", name, err)
		}
	}
	return nil
}

// normalize routes YAML-decoded values through the canonical encoder so
// they reach the queue in the same shape a producer would write.
func normalize(m map[string]any) (payload.Map, error) {
	if m == nil {
		return nil, nil
	}
	data, err := payload.MarshalMap(m)
	if err != nil {
		return nil, err
	}
	return payload.Decode(data)
}

func (h *Harness) step(ctx context.Context, i int, step Step, result *Result) error {
	switch step.Kind() {
	case StepEnqueue:
		p, err := normalize(step.Params)
		if err != nil {
			return err
		}
		h.clock.Advance(time.Millisecond)
		r, err := h.queue.Enqueue(ctx, queue.Submission{
			Owner:    h.owner,
			Method:   step.Enqueue,
			Params:   p,
			IssuedAt: h.clock.Now(),
		})
		if err != nil {
			return err
		}
		result.trace(i, StepEnqueue, "%s -> %s", step.Enqueue, r.ID)

	case StepRequest:
		typ, err := mailbox.ParseType(step.Request)
		if err != nil {
			return err
		}
		if err := h.mailbox.Request(ctx, h.owner, typ, nil); err != nil {
			return err
		}
		result.trace(i, StepRequest, "%s", typ)

	case StepIterate:
		var sum engine.Report
		errCount := 0
		for n := 0; n < step.Iterate; n++ {
			report, err := h.engine.Step(ctx)
			result.Reports = append(result.Reports, report)
			if err != nil {
				errCount++
				if step.Expect == nil || step.Expect.Errors == nil {
					result.AddError(fmt.Sprintf("steps[%d]: iteration %d failed: %v", i, report.Loop, err))
				}
			}
			sum.Executed += report.Executed
			sum.Failed += report.Failed
			sum.Swept = append(sum.Swept, report.Swept...)
			if report.Request != "" {
				sum.Request = report.Request
			}
		}
		result.trace(i, StepIterate, "x%d executed=%d failed=%d swept=%d", step.Iterate, sum.Executed, sum.Failed, len(sum.Swept))
		if step.Expect != nil {
			checkIteration(i, *step.Expect, sum, errCount, result)
		}

	case StepClaim:
		claimed, err := h.queue.ClaimNext(ctx, h.owner, step.Claim)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(claimed))
		for _, cmd := range claimed {
			if _, err := h.queue.Start(ctx, cmd.ID); err != nil {
				return err
			}
			ids = append(ids, cmd.ID)
		}
		result.trace(i, StepClaim, "%v", ids)

	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		result.trace(i, StepAdvance, "%s", d)

	case StepFailBinding:
		h.binding.FailWith(errors.New(step.FailBinding))
		result.trace(i, StepFailBinding, "%q", step.FailBinding)

	case StepRestoreBinding:
		h.binding.FailWith(nil)
		result.trace(i, StepRestoreBinding, "")

	default:
		return fmt.Errorf("exactly one action is required")
	}
	return nil
}

func checkIteration(i int, want StepExpect, got engine.Report, errCount int, result *Result) {
	check := func(name string, want *int, got int) {
		if want != nil && *want != got {
			result.AddError(fmt.Sprintf("steps[%d]: expected %s=%d, got %d", i, name, *want, got))
		}
	}
	check("executed", want.Executed, got.Executed)
	check("failed", want.Failed, got.Failed)
	check("swept", want.Swept, len(got.Swept))
	check("errors", want.Errors, errCount)
	if want.Request != nil && *want.Request != (got.Request != "") {
		result.AddError(fmt.Sprintf("steps[%d]: expected request answered=%t, got %q", i, *want.Request, got.Request))
	}
}

func (h *Harness) collect(ctx context.Context, result *Result) error {
	cmds, err := h.queue.Recent(ctx, h.owner, commandLimit)
	if err != nil {
		return err
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].ID < cmds[j].ID })
	result.Commands = cmds

	snap, found, err := h.channel.Read(ctx, h.owner)
	if err != nil {
		return err
	}
	result.Snapshot = snap
	result.Published = found

	if result.Stats, err = h.queue.Stats(ctx, h.owner); err != nil {
		return err
	}

	hb, err := h.store.GetComponentStatus(ctx, engine.Component)
	switch {
	case err == nil:
		result.Heartbeat = hb
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	result.Applied = len(h.binding.Applied())
	return nil
}
