package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs generates command ids "<prefix>-0001", "<prefix>-0002", ...
//
// Deterministic ids keep golden snapshots and log assertions stable.
// Implements queue.IDGenerator.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator. Empty prefix defaults to "cmd".
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "cmd"
	}
	return &SequenceIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequenceIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// FixedID always returns the same id. Useful when a test needs to predict
// the id of a single enqueue.
type FixedID string

// Generate returns the fixed id.
func (f FixedID) Generate() string {
	return string(f)
}
