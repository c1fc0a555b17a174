package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRange_Contains(t *testing.T) {
	r := Range{Min: 1, Max: 10}
	assert.True(t, r.Contains(1))
	assert.True(t, r.Contains(10))
	assert.False(t, r.Contains(0.999))
	assert.Equal(t, "[1, 10]", r.String())
}

func TestLimits_Override(t *testing.T) {
	l, err := DefaultLimits().Override(map[string]Range{
		"Z":    {Min: 0, Max: 9000},
		"gain": {Min: 0.5, Max: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, Range{0, 9000}, l.Z)
	assert.Equal(t, Range{0.5, 2}, l.Gain)
	assert.Equal(t, DefaultLimits().X, l.X)
}

func TestLimits_OverrideRejectsUnknownAndInverted(t *testing.T) {
	_, err := DefaultLimits().Override(map[string]Range{"brightness": {Min: 0, Max: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown limit")

	_, err = DefaultLimits().Override(map[string]Range{"x": {Min: 5, Max: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max")
}

func TestLimitNames(t *testing.T) {
	assert.Equal(t, []string{"colormap", "gain", "rotation", "scale", "shift", "times", "x", "y", "z"}, LimitNames())
}
