package params

import (
	"fmt"
	"sort"
	"strings"
)

// Range is an inclusive [Min, Max] bound.
type Range struct {
	Min float64 `mapstructure:"min" toml:"min" json:"min"`
	Max float64 `mapstructure:"max" toml:"max" json:"max"`
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g]", r.Min, r.Max)
}

// Limits are the validator bounds applied to handler arguments.
type Limits struct {
	X        Range
	Y        Range
	Z        Range
	Rotation Range
	Scale    Range
	Shift    Range
	Gain     Range
	Colormap Range
	Times    Range
}

// DefaultLimits returns the survey bounds.
func DefaultLimits() Limits {
	return Limits{
		X:        Range{100000, 200000},
		Y:        Range{100000, 150000},
		Z:        Range{1000, 6000},
		Rotation: Range{RotationMin, RotationMax},
		Scale:    Range{0.1, 3.0},
		Shift:    Range{-5000, 5000},
		Gain:     Range{0.1, 5.0},
		Colormap: Range{0, 15},
		Times:    Range{1, 10},
	}
}

func (l *Limits) fields() map[string]*Range {
	return map[string]*Range{
		"x":        &l.X,
		"y":        &l.Y,
		"z":        &l.Z,
		"rotation": &l.Rotation,
		"scale":    &l.Scale,
		"shift":    &l.Shift,
		"gain":     &l.Gain,
		"colormap": &l.Colormap,
		"times":    &l.Times,
	}
}

// Override returns l with the named ranges replaced. Names are the
// lower-case field names ("x", "rotation", "gain", ...).
func (l Limits) Override(overrides map[string]Range) (Limits, error) {
	out := l
	fields := out.fields()
	for name, r := range overrides {
		dst, ok := fields[strings.ToLower(name)]
		if !ok {
			return l, fmt.Errorf("unknown limit %q (want one of %s)", name, strings.Join(LimitNames(), ", "))
		}
		if r.Min > r.Max {
			return l, fmt.Errorf("limit %q: min %g exceeds max %g", name, r.Min, r.Max)
		}
		*dst = r
	}
	return out, nil
}

// LimitNames lists the names accepted by Override.
func LimitNames() []string {
	var l Limits
	names := make([]string, 0, 9)
	for n := range l.fields() {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
