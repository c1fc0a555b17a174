package harness

import (
	"fmt"

	"github.com/roach88/vizq/internal/engine"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/queue"
	"github.com/roach88/vizq/internal/state"
	"github.com/roach88/vizq/internal/store"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Step   int    `json:"step"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

func (e TraceEvent) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("[%d] %s", e.Step+1, e.Kind)
	}
	return fmt.Sprintf("[%d] %s %s", e.Step+1, e.Kind, e.Detail)
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Errors are the failed expectations, in order.
	Errors []string `json:"errors,omitempty"`

	Trace   []TraceEvent    `json:"trace"`
	Reports []engine.Report `json:"reports"`

	// Final state, read back from the store after the last step.
	Commands  []queue.Command       `json:"-"`
	Snapshot  state.Snapshot        `json:"-"`
	Published bool                  `json:"-"`
	Stats     queue.Stats           `json:"-"`
	Heartbeat store.ComponentStatus `json:"-"`
	Applied   int                   `json:"-"`
	Defaults  payload.Map           `json:"-"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) trace(step int, kind, format string, args ...any) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Kind: kind, Detail: fmt.Sprintf(format, args...)})
}

// Command returns the command with id.
func (r *Result) Command(id string) (queue.Command, bool) {
	for _, c := range r.Commands {
		if c.ID == id {
			return c, true
		}
	}
	return queue.Command{}, false
}
