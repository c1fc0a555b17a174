package state

import (
	"fmt"
	"math"
	"strings"

	"github.com/roach88/vizq/internal/payload"
)

// Format renders a one-line human-readable summary of the snapshot for
// prompt context and terminal output.
func Format(s Snapshot) string {
	p := s.Parameters
	if len(p) == 0 {
		return "Current state parameters not available"
	}

	var parts []string
	if _, ok := p["x_position"]; ok {
		parts = append(parts, fmt.Sprintf("Position: X=%s, Y=%s, Z=%s",
			num(p["x_position"]), num(p["y_position"]), num(p["z_position"])))
	}
	if _, ok := p["seismic_visible"]; ok {
		parts = append(parts, "Visible data: "+visible(p, [][2]string{
			{"seismic_visible", "seismic"},
			{"attribute_visible", "attributes"},
			{"horizon_visible", "horizons"},
			{"well_visible", "wells"},
		}))
	}
	if _, ok := p["x_visible"]; ok {
		parts = append(parts, "Visible slices: "+visible(p, [][2]string{
			{"x_visible", "X-slice"},
			{"y_visible", "Y-slice"},
			{"z_visible", "Z-slice"},
		}))
	}
	if v := floats(p["scale"]); len(v) >= 2 {
		parts = append(parts, fmt.Sprintf("Scale: %.3f x %.3f", v[0], v[1]))
	}
	if v := floats(p["orient"]); len(v) >= 3 {
		parts = append(parts, fmt.Sprintf("Rotation: %.1f°", v[2]*180/math.Pi))
	}
	if s.Template != "" {
		parts = append(parts, "Template: "+s.Template)
	}
	parts = append(parts, fmt.Sprintf("Undo: %d, Redo: %d", s.UndoRedo.UndoCount, s.UndoRedo.RedoCount))
	return strings.Join(parts, "; ")
}

func visible(p payload.Map, names [][2]string) string {
	var on []string
	for _, n := range names {
		if b, _ := payload.AsBool(p[n[0]]); b {
			on = append(on, n[1])
		}
	}
	if len(on) == 0 {
		return "none"
	}
	return strings.Join(on, ", ")
}

func num(v any) string {
	f, ok := payload.AsFloat(v)
	if !ok {
		return "Unknown"
	}
	return fmt.Sprintf("%g", f)
}

func floats(v any) []float64 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		f, ok := payload.AsFloat(item)
		if !ok {
			return nil
		}
		out = append(out, f)
	}
	return out
}
