package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/payload"
)

// StateRow is the single latest snapshot row for an owner. Payload is
// kept raw so the state package can report malformed content itself.
type StateRow struct {
	Owner     string
	Payload   []byte
	UpdatedAt time.Time
}

// RequestRow is the single pending mailbox request for an owner.
type RequestRow struct {
	Owner     string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// ComponentStatus is a heartbeat row.
type ComponentStatus struct {
	Component string
	Status    string
	Payload   payload.Map
	UpdatedAt time.Time
}

// SetState overwrites the state row for owner.
func (s *Store) SetState(ctx context.Context, owner string, data []byte) error {
	return s.do(ctx, "set state", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO state (owner, payload, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (owner) DO UPDATE SET
				payload = excluded.payload,
				updated_at = excluded.updated_at
		`), owner, string(data), toNanos(s.clock.Now()))
		return err
	})
}

// GetState returns the state row for owner, or ErrNotFound.
func (s *Store) GetState(ctx context.Context, owner string) (StateRow, error) {
	row := StateRow{Owner: owner}
	err := s.do(ctx, "get state", func(ctx context.Context) error {
		var data string
		var updated int64
		err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
			SELECT payload, updated_at FROM state WHERE owner = ?
		`), owner).Scan(&data, &updated)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		row.Payload = []byte(data)
		row.UpdatedAt = fromNanos(updated)
		return nil
	})
	return row, err
}

// SetRequest overwrites any unconsumed request for owner.
func (s *Store) SetRequest(ctx context.Context, owner, typ string, data []byte) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	return s.do(ctx, "set request", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO requests (owner, type, payload, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (owner) DO UPDATE SET
				type = excluded.type,
				payload = excluded.payload,
				created_at = excluded.created_at
		`), owner, typ, string(data), toNanos(s.clock.Now()))
		return err
	})
}

// TakeRequest atomically reads and deletes the pending request for owner
// in a single DELETE ... RETURNING statement. Returns ErrNotFound when the
// mailbox is empty. Two racing callers cannot both observe the row.
func (s *Store) TakeRequest(ctx context.Context, owner string) (RequestRow, error) {
	row := RequestRow{Owner: owner}
	err := s.do(ctx, "take request", func(ctx context.Context) error {
		var data string
		var created int64
		err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
			DELETE FROM requests WHERE owner = ?
			RETURNING type, payload, created_at
		`), owner).Scan(&row.Type, &data, &created)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		row.Payload = []byte(data)
		row.CreatedAt = fromNanos(created)
		return nil
	})
	return row, err
}

// DeleteRequestsOlderThan removes abandoned requests created before cutoff.
func (s *Store) DeleteRequestsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.do(ctx, "collect requests", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
			DELETE FROM requests WHERE created_at < ?
		`), toNanos(cutoff))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// SetComponentStatus upserts a heartbeat row.
func (s *Store) SetComponentStatus(ctx context.Context, st ComponentStatus) error {
	data, err := payload.MarshalMap(st.Payload)
	if err != nil {
		return errors.Wrap(err, "set component status")
	}
	return s.do(ctx, "set component status", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO system_status (component, status, payload, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (component) DO UPDATE SET
				status = excluded.status,
				payload = excluded.payload,
				updated_at = excluded.updated_at
		`), st.Component, st.Status, string(data), toNanos(s.clock.Now()))
		return err
	})
}

// GetComponentStatus returns a heartbeat row, or ErrNotFound.
func (s *Store) GetComponentStatus(ctx context.Context, component string) (ComponentStatus, error) {
	st := ComponentStatus{Component: component}
	err := s.do(ctx, "get component status", func(ctx context.Context) error {
		var data string
		var updated int64
		err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
			SELECT status, payload, updated_at FROM system_status WHERE component = ?
		`), component).Scan(&st.Status, &data, &updated)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		m, err := payload.Decode([]byte(data))
		if err != nil {
			return errors.NewProtocolError("status", "cannot decode", err)
		}
		st.Payload = m
		st.UpdatedAt = fromNanos(updated)
		return nil
	})
	return st, err
}
