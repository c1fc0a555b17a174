package state

import (
	"context"

	"github.com/roach88/vizq/internal/clock"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/store"
)

// Channel publishes and reads snapshots through the store.
type Channel struct {
	store *store.Store
	clock clock.Clock
}

// NewChannel creates a channel over s. A nil clock uses the real one.
func NewChannel(s *store.Store, c clock.Clock) *Channel {
	return &Channel{store: s, clock: clock.OrReal(c)}
}

// Publish stamps the snapshot with the current time and overwrites the
// owner's row. It returns the snapshot as stored.
func (c *Channel) Publish(ctx context.Context, s Snapshot) (Snapshot, error) {
	if s.Owner == "" {
		return Snapshot{}, errors.NewValidationError("owner", "required")
	}
	s.Timestamp = c.clock.Now().UTC()
	data, err := Encode(s)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "encode snapshot")
	}
	if err := c.store.SetState(ctx, s.Owner, data); err != nil {
		return Snapshot{}, errors.Wrap(err, "publish state")
	}
	return s, nil
}

// Read returns the latest snapshot for owner. found is false when nothing
// has been published. A row that does not decode yields a ProtocolError.
func (c *Channel) Read(ctx context.Context, owner string) (s Snapshot, found bool, err error) {
	row, err := c.read(ctx, owner)
	if err != nil || row == nil {
		return Snapshot{}, false, err
	}
	s, err = Decode(row.Payload)
	if err != nil {
		return Snapshot{}, true, err
	}
	if s.Owner == "" {
		s.Owner = owner
	}
	return s, true, nil
}

func (c *Channel) read(ctx context.Context, owner string) (*store.StateRow, error) {
	row, err := c.store.GetState(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read state")
	}
	return &row, nil
}
