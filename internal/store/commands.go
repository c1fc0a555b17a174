package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/payload"
)

// Status is a command's lifecycle position.
type Status string

// Command statuses. The lifecycle only advances:
// queued -> processing -> executed | failed.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusExecuted   Status = "executed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is executed or failed.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// Valid reports whether s is one of the four statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// allowedFrom lists the source statuses each target may be reached from.
var allowedFrom = map[Status][]Status{
	StatusProcessing: {StatusQueued},
	StatusExecuted:   {StatusQueued, StatusProcessing},
	StatusFailed:     {StatusQueued, StatusProcessing},
}

// CanTransition reports whether from -> to is a forward transition.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned for a backward move between
// non-terminal statuses (e.g. processing -> queued).
var ErrInvalidTransition = errors.New("invalid status transition")

// Command is a stored command row.
type Command struct {
	ID         string
	Owner      string
	Method     string
	Params     payload.Map
	ParamsErr  error // set when the stored params column does not decode
	Status     Status
	IssuedAt   time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ClaimedAt  time.Time // zero when never claimed
	Result     payload.Map
	Error      string
	ErrorCode  int
	RetryCount int
}

// NewCommand is the input to InsertCommand.
type NewCommand struct {
	ID       string
	Owner    string
	Method   string
	Params   payload.Map
	IssuedAt time.Time
}

// StatusUpdate is the input to UpdateStatus.
type StatusUpdate struct {
	Status    Status
	Result    payload.Map
	Error     string
	ErrorCode int
}

// Transition reports the outcome of UpdateStatus.
type Transition struct {
	Applied  bool
	Previous Status
}

const commandColumns = `id, owner, method, params, status, issued_at, created_at, updated_at,
	claimed_at, result, error, error_code, retry_count`

// InsertCommand inserts a queued command.
// Uses ON CONFLICT DO NOTHING so that an identical (owner, method, issued_at)
// tuple yields one row. On conflict the existing row's id is returned with
// inserted=false.
func (s *Store) InsertCommand(ctx context.Context, c NewCommand) (id string, inserted bool, err error) {
	paramsJSON, err := marshalParams(c.Params)
	if err != nil {
		return "", false, fmt.Errorf("insert command: %w", err)
	}

	err = s.do(ctx, "insert command", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := toNanos(s.clock.Now())
		res, err := tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO commands
			(id, owner, method, params, status, issued_at, created_at, updated_at, retry_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT DO NOTHING
		`), c.ID, c.Owner, c.Method, paramsJSON, string(StatusQueued), toNanos(c.IssuedAt), now, now)
		if err != nil {
			return err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 1 {
			id, inserted = c.ID, true
			return tx.Commit()
		}

		err = tx.QueryRowContext(ctx, s.dialect.rebind(`
			SELECT id FROM commands WHERE owner = ? AND method = ? AND issued_at = ?
		`), c.Owner, c.Method, toNanos(c.IssuedAt)).Scan(&id)
		if err == sql.ErrNoRows {
			return fmt.Errorf("command id %s already exists", c.ID)
		}
		if err != nil {
			return err
		}
		inserted = false
		return tx.Commit()
	})
	if err != nil {
		return "", false, err
	}
	return id, inserted, nil
}

// pendingWhere selects queued commands that are unclaimed or whose claim
// predates staleBefore.
const pendingWhere = `owner = ? AND status = 'queued' AND (claimed_at IS NULL OR claimed_at < ?)`

// FetchPending returns up to limit due commands for owner, oldest first.
// It does not claim them.
func (s *Store) FetchPending(ctx context.Context, owner string, limit int, staleBefore time.Time) ([]Command, error) {
	var cmds []Command
	err := s.do(ctx, "fetch pending", func(ctx context.Context) error {
		var err error
		cmds, err = queryCommands(ctx, s.db, s.dialect.rebind(`
			SELECT `+commandColumns+` FROM commands
			WHERE `+pendingWhere+`
			ORDER BY created_at ASC, issued_at ASC, id ASC
			LIMIT ?
		`), owner, toNanos(staleBefore), limit)
		return err
	})
	return cmds, err
}

// MarkClaimed stamps claimed_at on a due command. A reclaim of a stale
// claim increments retry_count. Returns false if the command was no
// longer due.
func (s *Store) MarkClaimed(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	var claimed bool
	err := s.do(ctx, "mark claimed", func(ctx context.Context) error {
		var err error
		claimed, err = markClaimed(ctx, s.db, s.dialect, id, toNanos(staleBefore), toNanos(s.clock.Now()))
		return err
	})
	return claimed, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markClaimed(ctx context.Context, db execer, d dialect, id string, staleBefore, now int64) (bool, error) {
	res, err := db.ExecContext(ctx, d.rebind(`
		UPDATE commands
		SET claimed_at = ?,
		    updated_at = ?,
		    retry_count = retry_count + CASE WHEN claimed_at IS NULL THEN 0 ELSE 1 END
		WHERE id = ? AND status = 'queued' AND (claimed_at IS NULL OR claimed_at < ?)
	`), now, now, id, staleBefore)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ClaimPending fetches and claims up to limit due commands in one
// transaction. The returned commands carry their new claimed_at.
func (s *Store) ClaimPending(ctx context.Context, owner string, limit int, staleBefore time.Time) ([]Command, error) {
	var claimed []Command
	err := s.do(ctx, "claim pending", func(ctx context.Context) error {
		claimed = nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stale := toNanos(staleBefore)
		cmds, err := queryCommands(ctx, tx, s.dialect.rebind(`
			SELECT `+commandColumns+` FROM commands
			WHERE `+pendingWhere+`
			ORDER BY created_at ASC, issued_at ASC, id ASC
			LIMIT ?
		`), owner, stale, limit)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		for _, cmd := range cmds {
			ok, err := markClaimed(ctx, tx, s.dialect, cmd.ID, stale, toNanos(now))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if !cmd.ClaimedAt.IsZero() {
				cmd.RetryCount++
			}
			cmd.ClaimedAt = fromNanos(toNanos(now))
			cmd.UpdatedAt = cmd.ClaimedAt
			claimed = append(claimed, cmd)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		claimed = []Command{}
	}
	return claimed, nil
}

// UpdateStatus moves a command forward. The write is conditional on the
// current status, so a terminal command is never rewritten: in that case
// Applied is false and Previous holds the terminal status. Re-applying the
// current non-terminal status is a no-op. Backward moves return
// ErrInvalidTransition.
func (s *Store) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (Transition, error) {
	if !u.Status.Valid() {
		return Transition{}, fmt.Errorf("update status: unknown status %q", u.Status)
	}

	resultJSON, err := marshalResult(u.Result)
	if err != nil {
		return Transition{}, fmt.Errorf("update status: %w", err)
	}

	var tr Transition
	err = s.do(ctx, "update status", func(ctx context.Context) error {
		tr = Transition{}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var prev string
		err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT status FROM commands WHERE id = ?`), id).Scan(&prev)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		tr.Previous = Status(prev)

		if tr.Previous == u.Status && !u.Status.Terminal() {
			return nil
		}
		if !CanTransition(tr.Previous, u.Status) {
			if tr.Previous.Terminal() {
				return nil
			}
			return ErrInvalidTransition
		}

		now := toNanos(s.clock.Now())
		var res sql.Result
		if u.Status == StatusProcessing {
			res, err = tx.ExecContext(ctx, s.dialect.rebind(`
				UPDATE commands
				SET status = ?, updated_at = ?, claimed_at = COALESCE(claimed_at, ?)
				WHERE id = ? AND status = ?
			`), string(u.Status), now, now, id, prev)
		} else {
			res, err = tx.ExecContext(ctx, s.dialect.rebind(`
				UPDATE commands
				SET status = ?, updated_at = ?, result = ?, error = ?, error_code = ?
				WHERE id = ? AND status = ?
			`), string(u.Status), now, resultJSON, nullString(u.Error), u.ErrorCode, id, prev)
		}
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		tr.Applied = affected == 1
		return tx.Commit()
	})
	return tr, err
}

// SweepStale fails every non-terminal command whose claim predates cutoff.
// Returns the ids it failed.
func (s *Store) SweepStale(ctx context.Context, cutoff time.Time, message string, code int) ([]string, error) {
	var swept []string
	err := s.do(ctx, "sweep stale", func(ctx context.Context) error {
		swept = nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, s.dialect.rebind(`
			SELECT id FROM commands
			WHERE status IN ('queued', 'processing') AND claimed_at IS NOT NULL AND claimed_at < ?
			ORDER BY claimed_at ASC, id ASC
		`), toNanos(cutoff))
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		now := toNanos(s.clock.Now())
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, s.dialect.rebind(`
				UPDATE commands
				SET status = 'failed', updated_at = ?, error = ?, error_code = ?
				WHERE id = ? AND status IN ('queued', 'processing')
			`), now, message, code, id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				swept = append(swept, id)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if swept == nil {
		swept = []string{}
	}
	return swept, nil
}

// GetCommand returns one command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (Command, error) {
	var cmd Command
	err := s.do(ctx, "get command", func(ctx context.Context) error {
		cmds, err := queryCommands(ctx, s.db, s.dialect.rebind(`
			SELECT `+commandColumns+` FROM commands WHERE id = ?
		`), id)
		if err != nil {
			return err
		}
		if len(cmds) == 0 {
			return ErrNotFound
		}
		cmd = cmds[0]
		return nil
	})
	return cmd, err
}

// RecentCommands returns the newest commands for owner, or for all owners
// when owner is empty.
func (s *Store) RecentCommands(ctx context.Context, owner string, limit int) ([]Command, error) {
	var cmds []Command
	err := s.do(ctx, "recent commands", func(ctx context.Context) error {
		var err error
		if owner == "" {
			cmds, err = queryCommands(ctx, s.db, s.dialect.rebind(`
				SELECT `+commandColumns+` FROM commands
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			`), limit)
		} else {
			cmds, err = queryCommands(ctx, s.db, s.dialect.rebind(`
				SELECT `+commandColumns+` FROM commands
				WHERE owner = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			`), owner, limit)
		}
		return err
	})
	return cmds, err
}

// CountByStatus returns command counts per status for owner (all owners
// when empty). All four statuses are present in the result.
func (s *Store) CountByStatus(ctx context.Context, owner string) (map[Status]int, error) {
	counts := map[Status]int{
		StatusQueued: 0, StatusProcessing: 0, StatusExecuted: 0, StatusFailed: 0,
	}
	err := s.do(ctx, "count commands", func(ctx context.Context) error {
		query := `SELECT status, COUNT(*) FROM commands GROUP BY status`
		args := []any{}
		if owner != "" {
			query = `SELECT status, COUNT(*) FROM commands WHERE owner = ? GROUP BY status`
			args = append(args, owner)
		}
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[Status(status)] = n
		}
		return rows.Err()
	})
	return counts, err
}

// TerminalOlderThan returns up to limit terminal commands last updated
// before cutoff, oldest first. Used to archive before deletion.
func (s *Store) TerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Command, error) {
	var cmds []Command
	err := s.do(ctx, "list expired", func(ctx context.Context) error {
		var err error
		cmds, err = queryCommands(ctx, s.db, s.dialect.rebind(`
			SELECT `+commandColumns+` FROM commands
			WHERE status IN ('executed', 'failed') AND updated_at < ?
			ORDER BY updated_at ASC, id ASC
			LIMIT ?
		`), toNanos(cutoff), limit)
		return err
	})
	return cmds, err
}

// DeleteCommands deletes the given terminal commands. Non-terminal ids are
// left untouched.
func (s *Store) DeleteCommands(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	var deleted int64
	err := s.do(ctx, "delete commands", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
			DELETE FROM commands
			WHERE status IN ('executed', 'failed') AND id IN (`+placeholders+`)
		`), args...)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// CleanupOlderThan deletes terminal commands last updated more than age ago.
func (s *Store) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-age)
	var deleted int64
	err := s.do(ctx, "cleanup commands", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
			DELETE FROM commands
			WHERE status IN ('executed', 'failed') AND updated_at < ?
		`), toNanos(cutoff))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryCommands(ctx context.Context, db querier, query string, args ...any) ([]Command, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cmds := []Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func scanCommand(rows *sql.Rows) (Command, error) {
	var (
		cmd                      Command
		params, status           string
		issued, created, updated int64
		claimed                  sql.NullInt64
		result, errMsg           sql.NullString
		errCode, retries         int64
	)
	if err := rows.Scan(&cmd.ID, &cmd.Owner, &cmd.Method, &params, &status,
		&issued, &created, &updated, &claimed, &result, &errMsg, &errCode, &retries); err != nil {
		return Command{}, err
	}

	cmd.Status = Status(status)
	cmd.IssuedAt = fromNanos(issued)
	cmd.CreatedAt = fromNanos(created)
	cmd.UpdatedAt = fromNanos(updated)
	cmd.ClaimedAt = fromNullNanos(claimed)
	cmd.Error = errMsg.String
	cmd.ErrorCode = int(errCode)
	cmd.RetryCount = int(retries)

	m, err := payload.Decode([]byte(params))
	if err != nil {
		cmd.ParamsErr = errors.NewProtocolError("command params", "cannot decode", err)
	} else {
		cmd.Params = m
	}

	if result.Valid {
		if r, err := payload.Decode([]byte(result.String)); err == nil {
			cmd.Result = r
		} else {
			cmd.Result = payload.Map{"raw": result.String}
		}
	}
	return cmd, nil
}
