// Package params defines the visualization parameter bundle, its named
// operations and the validator limits.
//
// Bundle is a value type. Every operation returns a modified copy and
// leaves the receiver untouched, so a Bundle held by the history is never
// changed behind its back.
package params

import (
	"fmt"
	"math"
)

// Vec3 is an (x, y, z) triple.
type Vec3 [3]float64

// Vec2 is an (x, y) pair, or a (min, max) range.
type Vec2 [2]float64

// Axis selects a slice plane.
type Axis int

// Slice axes.
const (
	AxisX Axis = iota
	AxisY
	AxisZ
	numAxes
)

var axisNames = [numAxes]string{"x", "y", "z"}

func (a Axis) String() string {
	if a < 0 || a >= numAxes {
		return fmt.Sprintf("Axis(%d)", int(a))
	}
	return axisNames[a]
}

// ParseAxis maps "x", "y" or "z" to an Axis.
func ParseAxis(s string) (Axis, bool) {
	for i, n := range axisNames {
		if n == s {
			return Axis(i), true
		}
	}
	return 0, false
}

// DataKind selects a toggleable data layer.
type DataKind int

// Data layers.
const (
	DataSeismic DataKind = iota
	DataAttribute
	DataHorizon
	DataWell
	DataProfile
	DataCigpick
	DataMiscPlot
	numDataKinds
)

var dataKindNames = [numDataKinds]string{
	"seismic", "attribute", "horizon", "well", "profile", "cigpick", "misc_plot",
}

func (k DataKind) String() string {
	if k < 0 || k >= numDataKinds {
		return fmt.Sprintf("DataKind(%d)", int(k))
	}
	return dataKindNames[k]
}

// ParseDataKind maps a layer name such as "seismic" to a DataKind.
func ParseDataKind(s string) (DataKind, bool) {
	for i, n := range dataKindNames {
		if n == s {
			return DataKind(i), true
		}
	}
	return 0, false
}

// DataKinds lists every layer in declaration order.
func DataKinds() []DataKind {
	out := make([]DataKind, numDataKinds)
	for i := range out {
		out[i] = DataKind(i)
	}
	return out
}

// Bundle is the full visualization configuration.
type Bundle struct {
	Position     Vec3
	Orient       Vec3
	Shift        Vec3
	Scale        Vec2
	Slices       [numAxes]bool
	Data         [numDataKinds]bool
	SeismicRange Vec2
	SeismicTimes int
	Colormap     int
}

// Defaults returns the factory bundle.
func Defaults() Bundle {
	var b Bundle
	b.Position = Vec3{160112.5, 112487.5, 3500.0}
	b.Orient = Vec3{0, 0.39269908169872414, -0.78539816339744828}
	b.Shift = Vec3{-1122.499999999998, 521.33883476483174, -1601.125}
	b.Scale = Vec2{0.75116878400787368, 0.75116878400787368}
	b.Slices[AxisX] = true
	b.Slices[AxisY] = true
	b.Data[DataSeismic] = true
	b.Data[DataWell] = true
	b.Data[DataCigpick] = true
	b.Data[DataMiscPlot] = true
	b.SeismicRange = Vec2{-197331, 187430}
	b.SeismicTimes = 1
	b.Colormap = 3
	return b
}

// Rotation bounds used by RotateBy.
const (
	RotationMin = -3.14159
	RotationMax = 3.14159
)

// Scale clamp applied by WithScale.
const (
	scaleFloor = 0.01
	scaleCeil  = 10.0
)

// Color scale clamp applied by WithTimes.
const (
	timesMin = 1
	timesMax = 10
)

// gainFloor keeps WithGain from dividing by (nearly) zero.
const gainFloor = 0.1

// WithPosition moves the slice intersection.
func (b Bundle) WithPosition(x, y, z float64) Bundle {
	b.Position = Vec3{x, y, z}
	return b
}

// WithOrientation replaces the three rotation angles.
func (b Bundle) WithOrientation(rot1, rot2, rot3 float64) Bundle {
	b.Orient = Vec3{rot1, rot2, rot3}
	return b
}

// RotateBy adds delta to the third rotation angle. Leaving the
// [RotationMin, RotationMax] band wraps to the opposite bound.
func (b Bundle) RotateBy(delta float64) Bundle {
	r := b.Orient[2] + delta
	switch {
	case r < RotationMin:
		r = RotationMax
	case r > RotationMax:
		r = RotationMin
	}
	b.Orient[2] = r
	return b
}

// WithShift replaces the view translation.
func (b Bundle) WithShift(x, y, z float64) Bundle {
	b.Shift = Vec3{x, y, z}
	return b
}

// WithScale sets both scale factors, each clamped to [0.01, 10].
func (b Bundle) WithScale(x, y float64) Bundle {
	b.Scale = Vec2{clamp(x, scaleFloor, scaleCeil), clamp(y, scaleFloor, scaleCeil)}
	return b
}

// ZoomBy multiplies both scale factors by factor and clamps the products
// to [lo, hi].
func (b Bundle) ZoomBy(factor, lo, hi float64) Bundle {
	return b.WithScale(
		clamp(b.Scale[0]*factor, lo, hi),
		clamp(b.Scale[1]*factor, lo, hi),
	)
}

// WithSlice shows or hides one slice plane.
func (b Bundle) WithSlice(a Axis, visible bool) Bundle {
	if a >= 0 && a < numAxes {
		b.Slices[a] = visible
	}
	return b
}

// WithData shows or hides one data layer.
func (b Bundle) WithData(k DataKind, visible bool) Bundle {
	if k >= 0 && k < numDataKinds {
		b.Data[k] = visible
	}
	return b
}

// WithColormap selects a colormap.
func (b Bundle) WithColormap(index int) Bundle {
	b.Colormap = index
	return b
}

// WithTimes sets the color scale multiplier, clamped to [1, 10].
func (b Bundle) WithTimes(times int) Bundle {
	if times < timesMin {
		times = timesMin
	}
	if times > timesMax {
		times = timesMax
	}
	b.SeismicTimes = times
	return b
}

// Gain reports the current contrast relative to def: the ratio of the
// default seismic range width to the current one. A zero-width current
// range reports 1.
func (b Bundle) Gain(def Bundle) float64 {
	cur := b.SeismicRange[1] - b.SeismicRange[0]
	if cur == 0 {
		return 1
	}
	return (def.SeismicRange[1] - def.SeismicRange[0]) / cur
}

// WithGain resizes the seismic range to the default width divided by
// gain, centred on the current centre. A gain of exactly 1 restores the
// default range.
func (b Bundle) WithGain(gain float64, def Bundle) Bundle {
	if gain == 1 {
		b.SeismicRange = def.SeismicRange
		return b
	}
	size := (def.SeismicRange[1] - def.SeismicRange[0]) / math.Max(gainFloor, gain)
	centre := (b.SeismicRange[0] + b.SeismicRange[1]) / 2
	b.SeismicRange = Vec2{centre - size/2, centre + size/2}
	return b
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
