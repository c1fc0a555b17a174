// Package dispatch maps method names to handlers and validates command
// arguments against each method's rule before the handler runs.
//
// The table is resolved ahead of time: a method either has an entry with a
// rule and a handler, or it is unknown. Nothing is looked up by reflection.
package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/params"
	"github.com/roach88/vizq/internal/payload"
)

// Outcome is what a handler produced.
type Outcome struct {
	// Result is stored on the command.
	Result payload.Map
	// Next, when set, is committed to the history under Template.
	Next     *params.Bundle
	Template string
}

// Handler runs one method with validated arguments.
type Handler func(ctx context.Context, args Args) (Outcome, error)

type entry struct {
	rule    Rule
	handler Handler
}

// Registry is the method table. Register everything before the executor
// starts; lookups are not synchronized with registration.
type Registry struct {
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a method. Registering a name twice is an error.
func (r *Registry) Register(method string, rule Rule, h Handler) error {
	if method == "" {
		return fmt.Errorf("register: empty method name")
	}
	if h == nil {
		return fmt.Errorf("register %s: nil handler", method)
	}
	if _, dup := r.entries[method]; dup {
		return fmt.Errorf("register %s: already registered", method)
	}
	r.entries[method] = entry{rule: rule, handler: h}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(method string, rule Rule, h Handler) {
	if err := r.Register(method, rule, h); err != nil {
		panic(err)
	}
}

// Has reports whether method is registered.
func (r *Registry) Has(method string) bool {
	_, ok := r.entries[method]
	return ok
}

// Rule returns the argument rule for method.
func (r *Registry) Rule(method string) (Rule, bool) {
	e, ok := r.entries[method]
	return e.rule, ok
}

// Methods lists registered methods in sorted order.
func (r *Registry) Methods() []string {
	out := make([]string, 0, len(r.entries))
	for m := range r.entries {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Validate checks params for method without running anything. Unknown
// methods fail with a method-not-found ValidationError.
func (r *Registry) Validate(method string, p payload.Map) (Args, error) {
	e, ok := r.entries[method]
	if !ok {
		return Args{}, errors.NewUnknownMethodError(method)
	}
	return e.rule.Validate(method, p)
}

// Dispatch validates params and runs the handler. Handler failures come
// back as HandlerError unless the handler already returned a typed error;
// a handler panic is converted to a HandlerError as well.
func (r *Registry) Dispatch(ctx context.Context, method string, p payload.Map) (out Outcome, err error) {
	args, err := r.Validate(method, p)
	if err != nil {
		return Outcome{}, err
	}
	h := r.entries[method].handler

	defer func() {
		if rec := recover(); rec != nil {
			out = Outcome{}
			err = errors.NewHandlerError(method, fmt.Sprintf("panic: %v", rec))
		}
	}()

	out, err = h(ctx, args)
	if err != nil {
		if errors.IsValidationError(err) || errors.IsHandlerError(err) {
			return Outcome{}, err
		}
		return Outcome{}, errors.NewHandlerErrorWithCause(method, err)
	}
	if out.Result == nil {
		out.Result = payload.Map{}
	}
	return out, nil
}
