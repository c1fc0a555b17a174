package harness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/vizq/internal/payload"
)

// GoldenDir is the fixture directory used by RunWithGolden, relative to the
// test's package.
const GoldenDir = "testdata/golden"

// Snapshot renders the comparable outcome of a run as canonical JSON: the
// command log, the published parameters that differ from the factory
// defaults, the undo/redo counters, the template and the command counts.
// Timestamps are left out so the snapshot only changes when behavior does.
func Snapshot(name string, r *Result) ([]byte, error) {
	commands := make([]any, 0, len(r.Commands))
	for _, c := range r.Commands {
		entry := payload.Map{
			"id":     c.ID,
			"method": c.Method,
			"status": string(c.Status),
		}
		if c.ErrorCode != 0 {
			entry["error_code"] = int64(c.ErrorCode)
		}
		commands = append(commands, entry)
	}

	changed := payload.Map{}
	for k, v := range r.Snapshot.Parameters {
		if def, ok := r.Defaults[k]; ok && sameValue(def, v) {
			continue
		}
		changed[k] = v
	}

	ur := r.Snapshot.UndoRedo
	m := payload.Map{
		"scenario": name,
		"commands": commands,
		"changed":  changed,
		"template": r.Snapshot.Template,
		"undo_redo": payload.Map{
			"can_undo":   ur.CanUndo,
			"can_redo":   ur.CanRedo,
			"undo_count": int64(ur.UndoCount),
			"redo_count": int64(ur.RedoCount),
		},
		"stats": payload.Map{
			"queued":     int64(r.Stats.Queued),
			"processing": int64(r.Stats.Processing),
			"executed":   int64(r.Stats.Executed),
			"failed":     int64(r.Stats.Failed),
		},
	}
	data, err := payload.MarshalMap(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario, fails the test on any assertion error
// and compares its snapshot against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}
	for _, e := range result.Errors {
		t.Errorf("scenario %s: %s", scenario.Name, e)
	}

	data, err := Snapshot(scenario.Name, result)
	if err != nil {
		t.Fatalf("scenario %s: snapshot: %v", scenario.Name, err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return result
}

// GoldenPath is where the CLI keeps the golden file of a scenario file:
// golden/<name>.golden next to it.
func GoldenPath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

// CompareGolden reports whether the golden file at path holds data. A
// missing file is reported through os.ErrNotExist.
func CompareGolden(path string, data []byte) (bool, error) {
	want, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return bytes.Equal(want, data), nil
}

// WriteGolden replaces the golden file at path.
func WriteGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}
