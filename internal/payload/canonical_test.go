package payload

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"int", 42, "42"},
		{"integral float keeps decimal point", 150000.0, "150000.0"},
		{"fraction", 0.39269908169872414, "0.39269908169872414"},
		{"bool", true, "true"},
		{"null", nil, "null"},
		{"empty object", Map{}, "{}"},
		{"sorted keys", Map{"z": 1, "a": 2, "m": 3}, `{"a":2,"m":3,"z":1}`},
		{"no html escaping", "<a&b>", `"<a&b>"`},
		{"string slice", []string{"a", "b"}, `["a","b"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshal_NFCNormalizes(t *testing.T) {
	decomposed, err := Marshal("e\u0301")
	require.NoError(t, err)
	composed, err := Marshal("\u00e9")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshal_RejectsNaN(t *testing.T) {
	_, err := Marshal(Map{"x": math.NaN()})
	require.Error(t, err)
}

func TestMarshal_Structs(t *testing.T) {
	type point struct {
		Y int `json:"y"`
		X int `json:"x"`
	}
	got, err := Marshal(point{X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, `{"x":1,"y":2}`, string(got))
}

func TestDecode_NumbersKeepKind(t *testing.T) {
	m, err := Decode([]byte(`{"x":150000,"scale":0.75,"nested":{"n":[1,2.5]}}`))
	require.NoError(t, err)

	assert.Equal(t, int64(150000), m["x"])
	assert.Equal(t, 0.75, m["scale"])
	nested := m["nested"].(map[string]any)
	assert.Equal(t, []any{int64(1), 2.5}, nested["n"])
}

func TestDecode_EmptyAndInvalid(t *testing.T) {
	m, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, m)

	_, err = Decode([]byte(`[1,2]`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestMarshal_Deterministic(t *testing.T) {
	a, err := Marshal(Map{"x": 1.5, "y": Map{"b": true, "a": nil}})
	require.NoError(t, err)
	b, err := Marshal(Map{"y": Map{"a": nil, "b": true}, "x": 1.5})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
