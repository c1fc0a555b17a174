package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/params"
	"github.com/roach88/vizq/internal/payload"
)

// Kind is the JSON type an argument must have.
type Kind int

// Argument kinds.
const (
	Number Kind = iota
	Integer
	Bool
	String
)

func (k Kind) String() string {
	switch k {
	case Number:
		return "number"
	case Integer:
		return "integer"
	case Bool:
		return "boolean"
	case String:
		return "string"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Arg describes one named argument.
type Arg struct {
	Name     string
	Kind     Kind
	Required bool
	Range    *params.Range // numeric bound, nil for none
}

// Rule is the argument contract of a method.
type Rule struct {
	Args []Arg
	// AtLeastOne requires at least one of the (optional) arguments.
	AtLeastOne bool
}

// Required builds a required argument.
func Required(name string, kind Kind, r *params.Range) Arg {
	return Arg{Name: name, Kind: kind, Required: true, Range: r}
}

// Optional builds an optional argument.
func Optional(name string, kind Kind, r *params.Range) Arg {
	return Arg{Name: name, Kind: kind, Range: r}
}

// Validate checks p against the rule and returns the converted
// arguments. Unknown argument names are rejected.
func (r Rule) Validate(method string, p payload.Map) (Args, error) {
	known := make(map[string]Arg, len(r.Args))
	for _, a := range r.Args {
		known[a.Name] = a
	}

	var unknown []string
	for name := range p {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Args{}, errors.NewValidationError(unknown[0],
			fmt.Sprintf("unexpected argument for %s (accepted: %s)", method, r.names()))
	}

	values := make(payload.Map, len(p))
	present := 0
	for _, a := range r.Args {
		raw, ok := p[a.Name]
		if !ok || raw == nil {
			if a.Required {
				return Args{}, errors.NewValidationError(a.Name, "required")
			}
			continue
		}
		v, err := a.convert(raw)
		if err != nil {
			return Args{}, err
		}
		values[a.Name] = v
		present++
	}
	if r.AtLeastOne && present == 0 {
		return Args{}, errors.NewValidationError("params",
			fmt.Sprintf("%s needs at least one of: %s", method, r.names()))
	}
	return Args{method: method, values: values}, nil
}

func (r Rule) names() string {
	if len(r.Args) == 0 {
		return "none"
	}
	names := make([]string, len(r.Args))
	for i, a := range r.Args {
		names[i] = a.Name
	}
	return strings.Join(names, ", ")
}

func (a Arg) convert(raw any) (any, error) {
	switch a.Kind {
	case Number:
		f, ok := payload.AsFloat(raw)
		if !ok {
			return nil, a.typeError(raw)
		}
		return f, a.checkRange(f)
	case Integer:
		n, ok := payload.AsInt(raw)
		if !ok {
			return nil, a.typeError(raw)
		}
		return n, a.checkRange(float64(n))
	case Bool:
		b, ok := payload.AsBool(raw)
		if !ok {
			return nil, a.typeError(raw)
		}
		return b, nil
	case String:
		s, ok := payload.AsString(raw)
		if !ok {
			return nil, a.typeError(raw)
		}
		return s, nil
	}
	return nil, errors.NewValidationError(a.Name, "unsupported argument kind")
}

func (a Arg) typeError(raw any) error {
	return errors.NewValidationError(a.Name, fmt.Sprintf("expected %s, got %v", a.Kind, raw))
}

func (a Arg) checkRange(f float64) error {
	if a.Range != nil && !a.Range.Contains(f) {
		return errors.NewValidationError(a.Name, fmt.Sprintf("%g outside %s", f, a.Range))
	}
	return nil
}

// Args are validated, converted arguments. Numbers are float64, integers
// int, booleans bool.
type Args struct {
	method string
	values payload.Map
}

// NewArgs wraps already-converted values. Intended for tests and for
// handlers that call each other.
func NewArgs(method string, values payload.Map) Args {
	if values == nil {
		values = payload.Map{}
	}
	return Args{method: method, values: values}
}

// Method is the method the arguments were validated for.
func (a Args) Method() string { return a.method }

// Has reports whether name was supplied.
func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// Float returns a number argument, or 0 when absent.
func (a Args) Float(name string) float64 {
	f, _ := payload.AsFloat(a.values[name])
	return f
}

// Int returns an integer argument, or 0 when absent.
func (a Args) Int(name string) int {
	n, _ := payload.AsInt(a.values[name])
	return n
}

// Bool returns a boolean argument and whether it was supplied.
func (a Args) Bool(name string) (value, ok bool) {
	value, ok = a.values[name].(bool)
	return value, ok
}

// String returns a string argument, or "" when absent.
func (a Args) String(name string) string {
	s, _ := a.values[name].(string)
	return s
}

// Map returns a copy of the converted values.
func (a Args) Map() payload.Map {
	out := make(payload.Map, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}
