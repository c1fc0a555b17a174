package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceIDs_Increments(t *testing.T) {
	gen := NewSequenceIDs("")

	assert.Equal(t, "cmd-0001", gen.Generate())
	assert.Equal(t, "cmd-0002", gen.Generate())
}

func TestSequenceIDs_CustomPrefix(t *testing.T) {
	gen := NewSequenceIDs("scn")
	assert.Equal(t, "scn-0001", gen.Generate())
}

func TestFixedID(t *testing.T) {
	id := FixedID("abc")
	assert.Equal(t, "abc", id.Generate())
	assert.Equal(t, "abc", id.Generate())
}
