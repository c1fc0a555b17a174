// Package history implements the bounded linear undo/redo history over
// parameter bundles.
//
// The history is a sequence of entries with a cursor marking the current
// one. Committing after an undo discards the undone branch; there is one
// timeline, never a tree.
//
// INVARIANTS (hold after every operation):
//   - UndoCount() + RedoCount() + 1 == Len()
//   - 1 <= Len() <= Depth()
//   - RedoCount() == 0 immediately after Commit
//
// Thread-safety: History is not safe for concurrent use. The executor owns
// it from a single goroutine.
package history

import (
	"github.com/roach88/vizq/internal/params"
)

// DefaultDepth is the number of entries kept before the oldest is evicted.
const DefaultDepth = 20

// Entry is one point in the timeline.
type Entry struct {
	Template string
	Params   params.Bundle
}

// Counters are the undo/redo figures published in state snapshots.
type Counters struct {
	CanUndo   bool `json:"can_undo"`
	CanRedo   bool `json:"can_redo"`
	UndoCount int  `json:"undo_count"`
	RedoCount int  `json:"redo_count"`
}

// History is the bounded timeline.
type History struct {
	entries []Entry
	cursor  int
	depth   int
}

// New creates a history seeded with initial as its only entry. Depths
// below 1 use DefaultDepth.
func New(initial Entry, depth int) *History {
	if depth < 1 {
		depth = DefaultDepth
	}
	entries := make([]Entry, 1, depth)
	entries[0] = initial
	return &History{entries: entries, depth: depth}
}

// Commit appends e after the cursor, discarding any redo branch, and
// evicts the oldest entry when the depth is exceeded.
func (h *History) Commit(e Entry) {
	h.entries = append(h.entries[:h.cursor+1], e)
	h.cursor++
	if len(h.entries) > h.depth {
		copy(h.entries, h.entries[1:])
		h.entries[len(h.entries)-1] = Entry{}
		h.entries = h.entries[:len(h.entries)-1]
		h.cursor--
	}
}

// Undo moves the cursor back and returns the entry now current. ok is
// false, and nothing changes, when there is nothing to undo.
func (h *History) Undo() (e Entry, ok bool) {
	if !h.CanUndo() {
		return Entry{}, false
	}
	h.cursor--
	return h.entries[h.cursor], true
}

// Redo moves the cursor forward and returns the entry now current. ok is
// false, and nothing changes, when there is nothing to redo.
func (h *History) Redo() (e Entry, ok bool) {
	if !h.CanRedo() {
		return Entry{}, false
	}
	h.cursor++
	return h.entries[h.cursor], true
}

// Reset replaces the whole timeline with a single entry.
func (h *History) Reset(initial Entry) {
	for i := range h.entries {
		h.entries[i] = Entry{}
	}
	h.entries = append(h.entries[:0], initial)
	h.cursor = 0
}

// Current returns the entry at the cursor.
func (h *History) Current() Entry { return h.entries[h.cursor] }

// CanUndo reports whether an earlier entry exists.
func (h *History) CanUndo() bool { return h.cursor > 0 }

// CanRedo reports whether a later entry exists.
func (h *History) CanRedo() bool { return h.cursor < len(h.entries)-1 }

// UndoCount is the number of entries before the cursor.
func (h *History) UndoCount() int { return h.cursor }

// RedoCount is the number of entries after the cursor.
func (h *History) RedoCount() int { return len(h.entries) - 1 - h.cursor }

// Len is the number of entries held.
func (h *History) Len() int { return len(h.entries) }

// Depth is the eviction bound.
func (h *History) Depth() int { return h.depth }

// Counters returns the derived undo/redo figures.
func (h *History) Counters() Counters {
	return Counters{
		CanUndo:   h.CanUndo(),
		CanRedo:   h.CanRedo(),
		UndoCount: h.UndoCount(),
		RedoCount: h.RedoCount(),
	}
}
