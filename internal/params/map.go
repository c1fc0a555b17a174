package params

import (
	"fmt"
	"sort"

	"github.com/roach88/vizq/internal/payload"
)

// Map keys of the flat parameter representation published in state
// snapshots and read from template files.
const (
	KeyXPosition    = "x_position"
	KeyYPosition    = "y_position"
	KeyZPosition    = "z_position"
	KeyOrient       = "orient"
	KeyShift        = "shift"
	KeyScale        = "scale"
	KeySeismicRange = "seismic_range"
	KeySeismicTimes = "seismic_times"
	KeyColormap     = "seismic_colormap_index"
)

func sliceKey(a Axis) string    { return a.String() + "_visible" }
func dataKey(k DataKind) string { return k.String() + "_visible" }
func vec3(v Vec3) []any         { return []any{v[0], v[1], v[2]} }
func vec2(v Vec2) []any         { return []any{v[0], v[1]} }

// ToMap flattens the bundle.
func (b Bundle) ToMap() payload.Map {
	m := payload.Map{
		KeyXPosition:    b.Position[0],
		KeyYPosition:    b.Position[1],
		KeyZPosition:    b.Position[2],
		KeyOrient:       vec3(b.Orient),
		KeyShift:        vec3(b.Shift),
		KeyScale:        vec2(b.Scale),
		KeySeismicRange: vec2(b.SeismicRange),
		KeySeismicTimes: int64(b.SeismicTimes),
		KeyColormap:     int64(b.Colormap),
	}
	for a := AxisX; a < numAxes; a++ {
		m[sliceKey(a)] = b.Slices[a]
	}
	for _, k := range DataKinds() {
		m[dataKey(k)] = b.Data[k]
	}
	return m
}

// Apply overlays the keys present in m onto b. Unknown keys and values of
// the wrong shape are errors; the receiver is unchanged on error.
func (b Bundle) Apply(m payload.Map) (Bundle, error) {
	out := b
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := out.applyKey(key, m[key]); err != nil {
			return b, err
		}
	}
	return out, nil
}

// FromMap builds a bundle from defaults overlaid with m.
func FromMap(m payload.Map) (Bundle, error) {
	return Defaults().Apply(m)
}

func (b *Bundle) applyKey(key string, v any) error {
	switch key {
	case KeyXPosition, KeyYPosition, KeyZPosition:
		f, ok := payload.AsFloat(v)
		if !ok {
			return fmt.Errorf("%s: expected number, got %T", key, v)
		}
		b.Position[int(key[0]-'x')] = f
	case KeyOrient:
		return readVec(key, v, b.Orient[:])
	case KeyShift:
		return readVec(key, v, b.Shift[:])
	case KeyScale:
		return readVec(key, v, b.Scale[:])
	case KeySeismicRange:
		return readVec(key, v, b.SeismicRange[:])
	case KeySeismicTimes:
		n, ok := payload.AsInt(v)
		if !ok {
			return fmt.Errorf("%s: expected integer, got %v", key, v)
		}
		b.SeismicTimes = n
	case KeyColormap:
		n, ok := payload.AsInt(v)
		if !ok {
			return fmt.Errorf("%s: expected integer, got %v", key, v)
		}
		b.Colormap = n
	default:
		return b.applyVisibility(key, v)
	}
	return nil
}

func (b *Bundle) applyVisibility(key string, v any) error {
	for a := AxisX; a < numAxes; a++ {
		if key == sliceKey(a) {
			on, ok := payload.AsBool(v)
			if !ok {
				return fmt.Errorf("%s: expected boolean, got %T", key, v)
			}
			b.Slices[a] = on
			return nil
		}
	}
	for _, k := range DataKinds() {
		if key == dataKey(k) {
			on, ok := payload.AsBool(v)
			if !ok {
				return fmt.Errorf("%s: expected boolean, got %T", key, v)
			}
			b.Data[k] = on
			return nil
		}
	}
	return fmt.Errorf("unknown parameter %q", key)
}

func readVec(key string, v any, dst []float64) error {
	list, ok := v.([]any)
	if !ok || len(list) != len(dst) {
		return fmt.Errorf("%s: expected list of %d numbers", key, len(dst))
	}
	for i, item := range list {
		f, ok := payload.AsFloat(item)
		if !ok {
			return fmt.Errorf("%s[%d]: expected number, got %T", key, i, item)
		}
		dst[i] = f
	}
	return nil
}
