package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsFloat(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{float64(1.5), 1.5, true},
		{int64(3), 3, true},
		{7, 7, true},
		{json.Number("2.25"), 2.25, true},
		{"1.0", 0, false},
		{true, 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := AsFloat(tt.in)
		assert.Equal(t, tt.ok, ok, "%#v", tt.in)
		assert.Equal(t, tt.want, got, "%#v", tt.in)
	}
}

func TestAsInt(t *testing.T) {
	got, ok := AsInt(int64(4))
	assert.True(t, ok)
	assert.Equal(t, 4, got)

	got, ok = AsInt(float64(5))
	assert.True(t, ok)
	assert.Equal(t, 5, got)

	_, ok = AsInt(5.5)
	assert.False(t, ok)

	_, ok = AsInt("5")
	assert.False(t, ok)
}

func TestAsBoolAndString(t *testing.T) {
	b, ok := AsBool(true)
	assert.True(t, ok)
	assert.True(t, b)

	_, ok = AsBool("true")
	assert.False(t, ok)

	s, ok := AsString("viz")
	assert.True(t, ok)
	assert.Equal(t, "viz", s)
}
