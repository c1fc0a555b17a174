package viz

import (
	"context"
	"fmt"

	"github.com/roach88/vizq/internal/dispatch"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/params"
	"github.com/roach88/vizq/internal/payload"
)

// Method names.
const (
	MethodUpdatePosition        = "update_position"
	MethodUpdateOrientation     = "update_orientation"
	MethodUpdateScale           = "update_scale"
	MethodUpdateShift           = "update_shift"
	MethodUpdateVisibility      = "update_visibility"
	MethodUpdateSliceVisibility = "update_slice_visibility"
	MethodUpdateGain            = "update_gain"
	MethodUpdateColormap        = "update_colormap"
	MethodUpdateColorScale      = "update_color_scale"
	MethodIncreaseGain          = "increase_gain"
	MethodDecreaseGain          = "decrease_gain"
	MethodRotateLeft            = "rotate_left"
	MethodRotateRight           = "rotate_right"
	MethodZoomIn                = "zoom_in"
	MethodZoomOut               = "zoom_out"
	MethodZoomReset             = "zoom_reset"
	MethodUndo                  = "undo_action"
	MethodRedo                  = "redo_action"
	MethodResetParameters       = "reset_parameters"
	MethodReloadTemplate        = "reload_template"
	MethodGetState              = "get_state"
	MethodGetTemplates          = "get_templates"
)

// Step sizes of the relative commands.
const (
	gainUp     = 1.2
	gainDown   = 0.8
	rotateStep = 0.1
	zoomIn     = 1.1
	zoomOut    = 0.9
)

// Data layers and slice planes that can be toggled by argument name. The
// visibility handlers walk these tables instead of looking fields up by
// name.
var (
	dataToggles = []struct {
		arg  string
		kind params.DataKind
	}{
		{"seismic", params.DataSeismic},
		{"attribute", params.DataAttribute},
		{"horizon", params.DataHorizon},
		{"well", params.DataWell},
	}
	sliceToggles = []struct {
		arg  string
		axis params.Axis
	}{
		{"x_slice", params.AxisX},
		{"y_slice", params.AxisY},
		{"z_slice", params.AxisZ},
	}
)

// Register adds every visualization method to reg. Argument ranges come
// from the session's limits.
func Register(reg *dispatch.Registry, s *Session) error {
	h := handlers{s: s}
	l := s.Limits()
	req := dispatch.Required
	opt := dispatch.Optional

	var dataArgs []dispatch.Arg
	for _, t := range dataToggles {
		dataArgs = append(dataArgs, opt(t.arg, dispatch.Bool, nil))
	}
	var sliceArgs []dispatch.Arg
	for _, t := range sliceToggles {
		sliceArgs = append(sliceArgs, opt(t.arg, dispatch.Bool, nil))
	}

	table := []struct {
		method  string
		rule    dispatch.Rule
		handler dispatch.Handler
	}{
		{MethodUpdatePosition, dispatch.Rule{Args: []dispatch.Arg{
			req("x", dispatch.Number, &l.X),
			req("y", dispatch.Number, &l.Y),
			req("z", dispatch.Number, &l.Z),
		}}, h.updatePosition},
		{MethodUpdateOrientation, dispatch.Rule{Args: []dispatch.Arg{
			req("rot1", dispatch.Number, &l.Rotation),
			req("rot2", dispatch.Number, &l.Rotation),
			req("rot3", dispatch.Number, &l.Rotation),
		}}, h.updateOrientation},
		{MethodUpdateScale, dispatch.Rule{Args: []dispatch.Arg{
			req("scale_x", dispatch.Number, &l.Scale),
			req("scale_y", dispatch.Number, &l.Scale),
		}}, h.updateScale},
		{MethodUpdateShift, dispatch.Rule{Args: []dispatch.Arg{
			req("shift_x", dispatch.Number, &l.Shift),
			req("shift_y", dispatch.Number, &l.Shift),
			req("shift_z", dispatch.Number, &l.Shift),
		}}, h.updateShift},
		{MethodUpdateVisibility, dispatch.Rule{Args: dataArgs, AtLeastOne: true}, h.updateVisibility},
		{MethodUpdateSliceVisibility, dispatch.Rule{Args: sliceArgs, AtLeastOne: true}, h.updateSliceVisibility},
		{MethodUpdateGain, dispatch.Rule{Args: []dispatch.Arg{
			req("gain_value", dispatch.Number, &l.Gain),
		}}, h.updateGain},
		{MethodUpdateColormap, dispatch.Rule{Args: []dispatch.Arg{
			req("colormap_index", dispatch.Integer, &l.Colormap),
		}}, h.updateColormap},
		{MethodUpdateColorScale, dispatch.Rule{Args: []dispatch.Arg{
			req("times_value", dispatch.Integer, &l.Times),
		}}, h.updateColorScale},
		{MethodIncreaseGain, dispatch.Rule{}, h.stepGain(gainUp, "increased")},
		{MethodDecreaseGain, dispatch.Rule{}, h.stepGain(gainDown, "decreased")},
		{MethodRotateLeft, dispatch.Rule{}, h.rotate(-rotateStep, "left")},
		{MethodRotateRight, dispatch.Rule{}, h.rotate(rotateStep, "right")},
		{MethodZoomIn, dispatch.Rule{}, h.zoom(zoomIn, "in")},
		{MethodZoomOut, dispatch.Rule{}, h.zoom(zoomOut, "out")},
		{MethodZoomReset, dispatch.Rule{}, h.zoomReset},
		{MethodUndo, dispatch.Rule{}, h.undo},
		{MethodRedo, dispatch.Rule{}, h.redo},
		{MethodResetParameters, dispatch.Rule{}, h.resetParameters},
		{MethodReloadTemplate, dispatch.Rule{Args: []dispatch.Arg{
			opt("template", dispatch.String, nil),
		}}, h.reloadTemplate},
		{MethodGetState, dispatch.Rule{}, h.getState},
		{MethodGetTemplates, dispatch.Rule{}, h.getTemplates},
	}
	for _, e := range table {
		if err := reg.Register(e.method, e.rule, e.handler); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	s *Session
}

// next builds an outcome that commits b.
func next(b params.Bundle, result payload.Map) (dispatch.Outcome, error) {
	return dispatch.Outcome{Result: result, Next: &b}, nil
}

func message(format string, a ...any) payload.Map {
	return payload.Map{"message": fmt.Sprintf(format, a...)}
}

func (h handlers) updatePosition(_ context.Context, a dispatch.Args) (dispatch.Outcome, error) {
	x, y, z := a.Float("x"), a.Float("y"), a.Float("z")
	res := message("Position updated to X=%g, Y=%g, Z=%g", x, y, z)
	res["new_position"] = payload.Map{"x": x, "y": y, "z": z}
	return next(h.s.Current().WithPosition(x, y, z), res)
}

func (h handlers) updateOrientation(_ context.Context, a dispatch.Args) (dispatch.Outcome, error) {
	r1, r2, r3 := a.Float("rot1"), a.Float("rot2"), a.Float("rot3")
	res := message("Orientation updated to rot1=%g, rot2=%g, rot3=%g", r1, r2, r3)
	res["new_orientation"] = payload.Map{"rot1": r1, "rot2": r2, "rot3": r3}
	return next(h.s.Current().WithOrientation(r1, r2, r3), res)
}

func (h handlers) updateScale(_ context.Context, a dispatch.Args) (dispatch.Outcome, error) {
	b := h.s.Current().WithScale(a.Float("scale_x"), a.Float("scale_y"))
	res := message("Scale updated to X=%g, Y=%g", b.Scale[0], b.Scale[1])
	res["new_scale"] = payload.Map{"scale_x": b.Scale[0], "scale_y": b.Scale[1]}
	return next(b, res)
}

func (h handlers) updateShift(_ context.Context, a dispatch.Args) (dispatch.Outcome, error) {
	x, y, z := a.Float("shift_x"), a.Float("shift_y"), a.Float("shift_z")
	res := message("Shift updated to X=%g, Y=%g, Z=%g", x, y, z)
	res["new_shift"] = payload.Map{"shift_x": x, "shift_y": y, "shift_z": z}
	return next(h.s.Current().WithShift(x, y, z), res)
}

func (h handlers) updateVisibility(_ context.Context, a dispatch.Args) (dispatch.Outcome, error) {
	b := h.s.Current()
	changed := payload.Map{}
	for _, t := range dataToggles {
		if v, ok := a.Bool(t.arg); ok {
			b = b.WithData(t.kind, v)
			changed[t.arg] = v
		}
	}
	res := message("Data visibility updated")
	res["new_visibility"] = changed
	return next(b, res)
}

func (h handlers) updateSliceVisibility(_ context.Context, a dispatch.Args) (dispatch.Outcome, error) {
	b := h.s.Current()
	changed := payload.Map{}
	for _, t := range sliceToggles {
		if v, ok := a.Bool(t.arg); ok {
			b = b.WithSlice(t.axis, v)
			changed[t.arg] = v
		}
	}
	res := message("Slice visibility updated")
	res["new_slice_visibility"] = changed
	return next(b, res)
}

func (h handlers) updateGain(_ context.Context, a dispatch.Args) (dispatch.Outcome, error) {
	g := a.Float("gain_value")
	res := message("Gain updated to %v", g)
	res["new_gain"] = g
	return next(h.s.Current().WithGain(g, h.s.Defaults()), res)
}

func (h handlers) updateColormap(_ context.Context, a dispatch.Args) (dispatch.Outcome, error) {
	idx := a.Int("colormap_index")
	res := message("Colormap updated to index %d", idx)
	res["new_colormap_index"] = int64(idx)
	return next(h.s.Current().WithColormap(idx), res)
}

func (h handlers) updateColorScale(_ context.Context, a dispatch.Args) (dispatch.Outcome, error) {
	b := h.s.Current().WithTimes(a.Int("times_value"))
	res := message("Color scale updated to %d", b.SeismicTimes)
	res["new_color_scale"] = int64(b.SeismicTimes)
	return next(b, res)
}

func (h handlers) stepGain(factor float64, verb string) dispatch.Handler {
	return func(context.Context, dispatch.Args) (dispatch.Outcome, error) {
		lim := h.s.Limits().Gain
		cur, def := h.s.Current(), h.s.Defaults()
		g := cur.Gain(def) * factor
		g = max(lim.Min, min(lim.Max, g))
		res := message("Gain %s to %.1f", verb, g)
		res["new_gain"] = g
		return next(cur.WithGain(g, def), res)
	}
}

func (h handlers) rotate(delta float64, dir string) dispatch.Handler {
	return func(context.Context, dispatch.Args) (dispatch.Outcome, error) {
		b := h.s.Current().RotateBy(delta)
		res := message("Rotated %s", dir)
		res["new_rotation"] = b.Orient[2]
		return next(b, res)
	}
}

func (h handlers) zoom(factor float64, dir string) dispatch.Handler {
	return func(context.Context, dispatch.Args) (dispatch.Outcome, error) {
		lim := h.s.Limits().Scale
		b := h.s.Current().ZoomBy(factor, lim.Min, lim.Max)
		res := message("Zoomed %s", dir)
		res["new_scale"] = payload.Map{"scale_x": b.Scale[0], "scale_y": b.Scale[1]}
		return next(b, res)
	}
}

func (h handlers) zoomReset(context.Context, dispatch.Args) (dispatch.Outcome, error) {
	def := h.s.Defaults().Scale
	b := h.s.Current().WithScale(def[0], def[1])
	res := message("Zoom reset to default (%.2f, %.2f)", def[0], def[1])
	res["new_scale"] = payload.Map{"scale_x": b.Scale[0], "scale_y": b.Scale[1]}
	return next(b, res)
}

func (h handlers) undo(ctx context.Context, _ dispatch.Args) (dispatch.Outcome, error) {
	moved, err := h.s.Undo(ctx)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if !moved {
		return dispatch.Outcome{Result: message("No actions to undo")}, nil
	}
	return dispatch.Outcome{Result: message("Undo action performed")}, nil
}

func (h handlers) redo(ctx context.Context, _ dispatch.Args) (dispatch.Outcome, error) {
	moved, err := h.s.Redo(ctx)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if !moved {
		return dispatch.Outcome{Result: message("No actions to redo")}, nil
	}
	return dispatch.Outcome{Result: message("Redo action performed")}, nil
}

func (h handlers) resetParameters(context.Context, dispatch.Args) (dispatch.Outcome, error) {
	return next(h.s.Defaults(), message("Parameters reset to defaults"))
}

// reloadTemplate rereads the template directory and commits the named
// template. Without a name the current template is reloaded.
func (h handlers) reloadTemplate(_ context.Context, a dispatch.Args) (dispatch.Outcome, error) {
	name := a.String("template")
	if name == "" {
		name = h.s.Template()
	}
	if err := h.s.RefreshTemplates(); err != nil {
		return dispatch.Outcome{}, errors.Wrap(err, "reload templates")
	}
	tmpl, ok := h.s.Catalog().Get(name)
	if !ok {
		return dispatch.Outcome{}, errors.NewValidationError("template",
			fmt.Sprintf("unknown template %q (available: %v)", name, h.s.Templates()))
	}
	b := tmpl.Params
	res := message("Template reloaded")
	res["template"] = tmpl.Name
	return dispatch.Outcome{Result: res, Next: &b, Template: tmpl.Name}, nil
}

func (h handlers) getState(context.Context, dispatch.Args) (dispatch.Outcome, error) {
	res := message("Current state retrieved")
	res["state"] = h.s.CurrentState()
	return dispatch.Outcome{Result: res}, nil
}

func (h handlers) getTemplates(context.Context, dispatch.Args) (dispatch.Outcome, error) {
	if err := h.s.RefreshTemplates(); err != nil {
		return dispatch.Outcome{}, errors.Wrap(err, "reload templates")
	}
	res := message("Available templates retrieved")
	res["templates"] = h.s.Templates()
	return dispatch.Outcome{Result: res}, nil
}
