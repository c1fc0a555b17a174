// Package state implements the latest-wins state channel: the executor
// publishes one snapshot row per owner, producers read or watch it.
//
// The channel is a cache, not a queue. Intermediate snapshots are
// overwritten and never observable; readers never block.
package state

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/payload"
)

// UndoRedo are the history counters carried by a snapshot.
type UndoRedo struct {
	CanUndo   bool `json:"can_undo"`
	CanRedo   bool `json:"can_redo"`
	UndoCount int  `json:"undo_count"`
	RedoCount int  `json:"redo_count"`
}

// Snapshot is the consumer-side state for one owner.
type Snapshot struct {
	Owner            string      `json:"owner"`
	Parameters       payload.Map `json:"parameters"`
	UndoRedo         UndoRedo    `json:"undo_redo"`
	AvailableOptions []string    `json:"available_options"`
	Template         string      `json:"template,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
}

// wireSnapshot defers parameter decoding to payload.Decode so numbers keep
// their integer/float distinction.
type wireSnapshot struct {
	Owner            string          `json:"owner"`
	Parameters       json.RawMessage `json:"parameters"`
	UndoRedo         UndoRedo        `json:"undo_redo"`
	AvailableOptions []string        `json:"available_options"`
	Template         string          `json:"template,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Encode renders the snapshot as canonical JSON.
func Encode(s Snapshot) ([]byte, error) {
	if s.Parameters == nil {
		s.Parameters = payload.Map{}
	}
	if s.AvailableOptions == nil {
		s.AvailableOptions = []string{}
	}
	m := payload.Map{
		"owner":      s.Owner,
		"parameters": s.Parameters,
		"undo_redo": payload.Map{
			"can_undo":   s.UndoRedo.CanUndo,
			"can_redo":   s.UndoRedo.CanRedo,
			"undo_count": int64(s.UndoRedo.UndoCount),
			"redo_count": int64(s.UndoRedo.RedoCount),
		},
		"available_options": s.AvailableOptions,
		"timestamp":         s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if s.Template != "" {
		m["template"] = s.Template
	}
	return payload.MarshalMap(m)
}

// Decode parses a stored snapshot. Any malformed content is a
// ProtocolError.
func Decode(data []byte) (Snapshot, error) {
	var w wireSnapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return Snapshot{}, errors.NewProtocolError("state", "malformed snapshot", err)
	}
	params, err := payload.Decode(w.Parameters)
	if err != nil {
		return Snapshot{}, errors.NewProtocolError("state", "malformed parameters", err)
	}
	if w.AvailableOptions == nil {
		w.AvailableOptions = []string{}
	}
	return Snapshot{
		Owner:            w.Owner,
		Parameters:       params,
		UndoRedo:         w.UndoRedo,
		AvailableOptions: w.AvailableOptions,
		Template:         w.Template,
		Timestamp:        w.Timestamp,
	}, nil
}
