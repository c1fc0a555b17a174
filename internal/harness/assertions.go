package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/vizq/internal/payload"
)

// AssertionError is returned when an assertion fails. It carries the step
// trace so the failure can be read without rerunning the scenario.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and returns
// the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(r *Result, a Assertion) error {
	switch a.Type {
	case AssertCommand:
		return assertCommand(r, a)
	case AssertParameter:
		return assertParameter(r, a)
	case AssertUndoRedo:
		return assertUndoRedo(r, a)
	case AssertStats:
		return assertStats(r, a)
	case AssertHeartbeat:
		if r.Heartbeat.Status != a.Status {
			return r.fail(a.Type, "executor status "+a.Status, "status "+quoteOrNone(r.Heartbeat.Status))
		}
		return nil
	case AssertTemplate:
		if r.Snapshot.Template != a.Template {
			return r.fail(a.Type, "template "+a.Template, "template "+quoteOrNone(r.Snapshot.Template))
		}
		return nil
	case AssertApplied:
		if r.Applied != *a.Count {
			return r.fail(a.Type, fmt.Sprintf("%d bundles applied", *a.Count), fmt.Sprintf("%d applied", r.Applied))
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (r *Result) fail(typ, expected, actual string) error {
	return &AssertionError{Type: typ, Expected: expected, Actual: actual, Trace: r.Trace}
}

func assertCommand(r *Result, a Assertion) error {
	cmd, ok := r.Command(a.Command)
	if !ok {
		return r.fail(a.Type, "command "+a.Command, "not found")
	}
	if a.Status != "" && string(cmd.Status) != a.Status {
		return r.fail(a.Type,
			fmt.Sprintf("%s status %s", cmd.ID, a.Status),
			fmt.Sprintf("status %s (error %q)", cmd.Status, cmd.Error))
	}
	if a.ErrorCode != nil && cmd.ErrorCode != *a.ErrorCode {
		return r.fail(a.Type,
			fmt.Sprintf("%s error code %d", cmd.ID, *a.ErrorCode),
			fmt.Sprintf("error code %d (error %q)", cmd.ErrorCode, cmd.Error))
	}
	if a.ErrorContains != "" && !strings.Contains(cmd.Error, a.ErrorContains) {
		return r.fail(a.Type,
			fmt.Sprintf("%s error containing %q", cmd.ID, a.ErrorContains),
			fmt.Sprintf("error %q", cmd.Error))
	}
	return nil
}

func assertParameter(r *Result, a Assertion) error {
	if !r.Published {
		return r.fail(a.Type, "a published snapshot", "nothing published")
	}
	got, ok := r.Snapshot.Parameters[a.Param]
	if !ok {
		return r.fail(a.Type, fmt.Sprintf("parameter %s = %v", a.Param, a.Equals), "parameter missing")
	}
	want, err := normalize(map[string]any{"v": a.Equals})
	if err != nil {
		return err
	}
	if !sameValue(want["v"], got) {
		return r.fail(a.Type, fmt.Sprintf("parameter %s = %v", a.Param, a.Equals), fmt.Sprintf("%v", got))
	}
	return nil
}

func assertUndoRedo(r *Result, a Assertion) error {
	ur := r.Snapshot.UndoRedo
	var diffs []string
	if a.CanUndo != nil && *a.CanUndo != ur.CanUndo {
		diffs = append(diffs, fmt.Sprintf("can_undo=%t", ur.CanUndo))
	}
	if a.CanRedo != nil && *a.CanRedo != ur.CanRedo {
		diffs = append(diffs, fmt.Sprintf("can_redo=%t", ur.CanRedo))
	}
	if a.UndoCount != nil && *a.UndoCount != ur.UndoCount {
		diffs = append(diffs, fmt.Sprintf("undo_count=%d", ur.UndoCount))
	}
	if a.RedoCount != nil && *a.RedoCount != ur.RedoCount {
		diffs = append(diffs, fmt.Sprintf("redo_count=%d", ur.RedoCount))
	}
	if len(diffs) > 0 {
		return r.fail(a.Type, "undo/redo counters as listed", strings.Join(diffs, " "))
	}
	return nil
}

func assertStats(r *Result, a Assertion) error {
	got := map[string]int{
		"queued":     r.Stats.Queued,
		"processing": r.Stats.Processing,
		"executed":   r.Stats.Executed,
		"failed":     r.Stats.Failed,
		"total":      r.Stats.Total,
	}
	var diffs []string
	for name, want := range a.Counts {
		if got[name] != want {
			diffs = append(diffs, fmt.Sprintf("%s=%d (want %d)", name, got[name], want))
		}
	}
	if len(diffs) > 0 {
		return r.fail(a.Type, fmt.Sprintf("counts %v", a.Counts), strings.Join(diffs, " "))
	}
	return nil
}

// sameValue compares decoded payload values, treating int64 and float64 of
// the same magnitude as equal.
func sameValue(want, got any) bool {
	if wf, ok := payload.AsFloat(want); ok {
		gf, ok := payload.AsFloat(got)
		return ok && wf == gf
	}
	switch w := want.(type) {
	case []any:
		g, ok := got.([]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !sameValue(w[i], g[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for k, v := range w {
			if !sameValue(v, g[k]) {
				return false
			}
		}
		return true
	default:
		return want == got
	}
}

func quoteOrNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return fmt.Sprintf("%q", s)
}
