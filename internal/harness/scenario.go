package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/vizq/internal/mailbox"
)

// DefaultOwner is used when a scenario names no owner.
const DefaultOwner = "viewer-1"

// Scenario is one executable test case.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	Owner    string `yaml:"owner,omitempty"`
	Template string `yaml:"template,omitempty"`

	// Templates are written to the session's template directory before
	// the engine starts.
	Templates map[string]TemplateSpec `yaml:"templates,omitempty"`

	Engine EngineSettings `yaml:"engine,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// TemplateSpec is a template file written for the scenario.
type TemplateSpec struct {
	Description string         `yaml:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters"`
}

// EngineSettings overrides executor knobs. Zero values keep the defaults.
type EngineSettings struct {
	ClaimLimit       int    `yaml:"claim_limit,omitempty"`
	HeartbeatEvery   int    `yaml:"heartbeat_every,omitempty"`
	MaintenanceEvery int    `yaml:"maintenance_every,omitempty"`
	SweepTimeout     string `yaml:"sweep_timeout,omitempty"`
	Retention        string `yaml:"retention,omitempty"`
	HistoryDepth     int    `yaml:"history_depth,omitempty"`
}

// Step is one action. Exactly one of the action fields is set.
type Step struct {
	Enqueue string         `yaml:"enqueue,omitempty"`
	Params  map[string]any `yaml:"params,omitempty"`

	Request string `yaml:"request,omitempty"`

	Iterate int         `yaml:"iterate,omitempty"`
	Expect  *StepExpect `yaml:"expect,omitempty"`

	Claim   int    `yaml:"claim,omitempty"`
	Advance string `yaml:"advance,omitempty"`

	FailBinding    string `yaml:"fail_binding,omitempty"`
	RestoreBinding bool   `yaml:"restore_binding,omitempty"`
}

// StepExpect checks the iteration reports of an iterate step, summed over
// its iterations.
type StepExpect struct {
	Executed *int  `yaml:"executed,omitempty"`
	Failed   *int  `yaml:"failed,omitempty"`
	Swept    *int  `yaml:"swept,omitempty"`
	Request  *bool `yaml:"request,omitempty"`
	Errors   *int  `yaml:"errors,omitempty"`
}

// Step kinds, as reported in the trace.
const (
	StepEnqueue        = "enqueue"
	StepRequest        = "request"
	StepIterate        = "iterate"
	StepClaim          = "claim"
	StepAdvance        = "advance"
	StepFailBinding    = "fail_binding"
	StepRestoreBinding = "restore_binding"
)

// Kind names the action the step performs, or "" when none or several are
// set.
func (s Step) Kind() string {
	var kinds []string
	if s.Enqueue != "" {
		kinds = append(kinds, StepEnqueue)
	}
	if s.Request != "" {
		kinds = append(kinds, StepRequest)
	}
	if s.Iterate != 0 {
		kinds = append(kinds, StepIterate)
	}
	if s.Claim != 0 {
		kinds = append(kinds, StepClaim)
	}
	if s.Advance != "" {
		kinds = append(kinds, StepAdvance)
	}
	if s.FailBinding != "" {
		kinds = append(kinds, StepFailBinding)
	}
	if s.RestoreBinding {
		kinds = append(kinds, StepRestoreBinding)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Assertion validates the final state of a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// command
	Command       string `yaml:"command,omitempty"`
	Status        string `yaml:"status,omitempty"`
	ErrorCode     *int   `yaml:"error_code,omitempty"`
	ErrorContains string `yaml:"error_contains,omitempty"`

	// parameter
	Param  string `yaml:"param,omitempty"`
	Equals any    `yaml:"equals,omitempty"`

	// undo_redo
	CanUndo   *bool `yaml:"can_undo,omitempty"`
	CanRedo   *bool `yaml:"can_redo,omitempty"`
	UndoCount *int  `yaml:"undo_count,omitempty"`
	RedoCount *int  `yaml:"redo_count,omitempty"`

	// stats
	Counts map[string]int `yaml:"counts,omitempty"`

	// template
	Template string `yaml:"template,omitempty"`

	// applied
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertCommand   = "command"
	AssertParameter = "parameter"
	AssertUndoRedo  = "undo_redo"
	AssertStats     = "stats"
	AssertHeartbeat = "heartbeat"
	AssertTemplate  = "template"
	AssertApplied   = "applied"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios lists the .yaml and .yml files below dir, sorted. A
// non-empty filter is a glob matched against the file name without its
// extension.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files, err
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for field, d := range map[string]string{
		"engine.sweep_timeout": s.Engine.SweepTimeout,
		"engine.retention":     s.Engine.Retention,
	} {
		if d == "" {
			continue
		}
		if v, err := time.ParseDuration(d); err != nil || v <= 0 {
			return fmt.Errorf("%s: %q is not a positive duration", field, d)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	kind := step.Kind()
	if kind == "" {
		return fmt.Errorf("steps[%d]: exactly one action is required", index)
	}
	if step.Params != nil && kind != StepEnqueue {
		return fmt.Errorf("steps[%d]: params only apply to enqueue", index)
	}
	if step.Expect != nil && kind != StepIterate {
		return fmt.Errorf("steps[%d]: expect only applies to iterate", index)
	}
	switch kind {
	case StepRequest:
		if _, err := mailbox.ParseType(step.Request); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepIterate:
		if step.Iterate < 0 {
			return fmt.Errorf("steps[%d]: iterate must be positive", index)
		}
	case StepClaim:
		if step.Claim < 0 {
			return fmt.Errorf("steps[%d]: claim must be positive", index)
		}
	case StepAdvance:
		if d, err := time.ParseDuration(step.Advance); err != nil || d <= 0 {
			return fmt.Errorf("steps[%d]: advance %q is not a positive duration", index, step.Advance)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertCommand:
		if a.Command == "" {
			return fmt.Errorf("assertions[%d]: command is required for command", index)
		}
		if a.Status == "" && a.ErrorCode == nil && a.ErrorContains == "" {
			return fmt.Errorf("assertions[%d]: command needs status, error_code or error_contains", index)
		}
	case AssertParameter:
		if a.Param == "" {
			return fmt.Errorf("assertions[%d]: param is required for parameter", index)
		}
		if a.Equals == nil {
			return fmt.Errorf("assertions[%d]: equals is required for parameter", index)
		}
	case AssertUndoRedo:
		if a.CanUndo == nil && a.CanRedo == nil && a.UndoCount == nil && a.RedoCount == nil {
			return fmt.Errorf("assertions[%d]: undo_redo needs at least one counter", index)
		}
	case AssertStats:
		if len(a.Counts) == 0 {
			return fmt.Errorf("assertions[%d]: counts is required for stats", index)
		}
		for k := range a.Counts {
			if !knownCount(k) {
				return fmt.Errorf("assertions[%d]: unknown count %q", index, k)
			}
		}
	case AssertHeartbeat:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for heartbeat", index)
		}
	case AssertTemplate:
		if a.Template == "" {
			return fmt.Errorf("assertions[%d]: template is required for template", index)
		}
	case AssertApplied:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: a non-negative count is required for applied", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func knownCount(name string) bool {
	switch name {
	case "queued", "processing", "executed", "failed", "total":
		return true
	}
	return false
}
