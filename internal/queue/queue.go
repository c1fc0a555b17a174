// Package queue implements the command queue contract on top of the
// durable store: enqueue with deduplication, claim with a staleness
// window, forward-only status transitions, the staleness sweep and
// retention cleanup.
package queue

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/vizq/internal/clock"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/metrics"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/store"
)

// Defaults.
const (
	DefaultClaimLimit   = 10
	DefaultStaleAfter   = 60 * time.Second
	DefaultSweepTimeout = time.Hour
	DefaultRetention    = 24 * time.Hour

	cleanupBatch = 500
)

// Command is a stored command.
type Command = store.Command

// Status is a command status.
type Status = store.Status

// Submission is the input to Enqueue. IssuedAt is the producer's
// timestamp; re-submitting the same (Owner, Method, IssuedAt) is a no-op.
type Submission struct {
	Owner    string
	Method   string
	Params   payload.Map
	IssuedAt time.Time
}

// Receipt is the result of Enqueue.
type Receipt struct {
	ID        string
	Duplicate bool
}

// Update is the input to UpdateStatus. Err, when set, becomes the
// command's error message and code.
type Update struct {
	Status Status
	Result payload.Map
	Err    error
}

// Outcome reports whether an UpdateStatus call changed the row.
type Outcome struct {
	Applied  bool
	Previous Status
}

// Archiver receives expired terminal commands before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, cmds []Command) error
}

// Stats counts commands per status.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Executed   int `json:"executed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// CleanupReport summarizes a retention pass.
type CleanupReport struct {
	Archived int   `json:"archived"`
	Deleted  int64 `json:"deleted"`
}

// Manager is the queue contract. It is safe for concurrent use; the store
// serializes access underneath.
type Manager struct {
	store      *store.Store
	clock      clock.Clock
	ids        IDGenerator
	logger     *slog.Logger
	metrics    *metrics.Metrics
	archiver   Archiver
	staleAfter time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source used for staleness cutoffs.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.OrReal(c) }
}

// WithIDGenerator sets the command id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) {
		if g != nil {
			m.ids = g
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithArchiver sets the sink that receives commands before cleanup deletes them.
func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// WithStaleAfter sets the claim staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// New creates a Manager over s.
func New(s *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      s,
		clock:      clock.Real(),
		ids:        UUIDv7Generator{},
		logger:     slog.Default(),
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "queue")
	return m
}

// StaleAfter returns the claim staleness window.
func (m *Manager) StaleAfter() time.Duration {
	return m.staleAfter
}

// Enqueue inserts a queued command. A zero IssuedAt is stamped with the
// current time.
func (m *Manager) Enqueue(ctx context.Context, sub Submission) (Receipt, error) {
	if strings.TrimSpace(sub.Owner) == "" {
		return Receipt{}, errors.NewValidationError("owner", "required")
	}
	if strings.TrimSpace(sub.Method) == "" {
		return Receipt{}, errors.NewValidationError("method", "required")
	}
	if sub.IssuedAt.IsZero() {
		sub.IssuedAt = m.clock.Now()
	}

	id, inserted, err := m.store.InsertCommand(ctx, store.NewCommand{
		ID:       m.ids.Generate(),
		Owner:    sub.Owner,
		Method:   sub.Method,
		Params:   sub.Params,
		IssuedAt: sub.IssuedAt,
	})
	if err != nil {
		return Receipt{}, errors.Wrapf(err, "enqueue %s", sub.Method)
	}

	m.metrics.Enqueued(!inserted)
	if inserted {
		m.logger.Info("command enqueued", "command_id", id, "owner", sub.Owner, "method", sub.Method)
	} else {
		m.logger.Debug("duplicate submission ignored", "command_id", id, "owner", sub.Owner, "method", sub.Method)
	}
	return Receipt{ID: id, Duplicate: !inserted}, nil
}

// ClaimNext claims up to limit due commands for owner, oldest first. A
// command is due when it is queued and either unclaimed or claimed longer
// ago than the staleness window.
func (m *Manager) ClaimNext(ctx context.Context, owner string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	staleBefore := m.clock.Now().Add(-m.staleAfter)

	cmds, err := m.store.ClaimPending(ctx, owner, limit, staleBefore)
	if err != nil {
		return nil, errors.Wrap(err, "claim next")
	}

	m.metrics.Claimed(len(cmds))
	for _, cmd := range cmds {
		if cmd.RetryCount > 0 {
			m.logger.Warn("reclaimed stale command", "command_id", cmd.ID, "method", cmd.Method, "retry_count", cmd.RetryCount)
		}
	}
	return cmds, nil
}

// UpdateStatus applies a forward status transition. Writes against a
// terminal command are logged and discarded: the first terminal status
// wins.
func (m *Manager) UpdateStatus(ctx context.Context, id string, u Update) (Outcome, error) {
	su := store.StatusUpdate{Status: u.Status, Result: u.Result}
	if u.Err != nil {
		su.Error = u.Err.Error()
		su.ErrorCode = int(errors.CodeOf(u.Err))
	}

	tr, err := m.store.UpdateStatus(ctx, id, su)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "update status of %s", id)
	}

	out := Outcome{Applied: tr.Applied, Previous: tr.Previous}
	switch {
	case tr.Applied && u.Status.Terminal():
		m.metrics.Completed(string(u.Status))
		m.logger.Info("command finished", "command_id", id, "status", u.Status)
	case !tr.Applied && tr.Previous.Terminal():
		m.metrics.Discarded()
		m.logger.Warn("discarding status update for terminal command",
			"command_id", id, "current", tr.Previous, "requested", u.Status)
	}
	return out, nil
}

// Start marks a command processing.
func (m *Manager) Start(ctx context.Context, id string) (Outcome, error) {
	return m.UpdateStatus(ctx, id, Update{Status: store.StatusProcessing})
}

// Complete marks a command executed with result.
func (m *Manager) Complete(ctx context.Context, id string, result payload.Map) (Outcome, error) {
	return m.UpdateStatus(ctx, id, Update{Status: store.StatusExecuted, Result: result})
}

// Fail marks a command failed with err's message and code.
func (m *Manager) Fail(ctx context.Context, id string, err error) (Outcome, error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	return m.UpdateStatus(ctx, id, Update{Status: store.StatusFailed, Err: err})
}

// SweepStale fails every command claimed longer than timeout ago without
// reaching a terminal status. Returns the ids it failed.
func (m *Manager) SweepStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = DefaultSweepTimeout
	}
	staleErr := errors.NewStalenessError("", timeout)

	ids, err := m.store.SweepStale(ctx, m.clock.Now().Add(-timeout), staleErr.Error(), int(errors.CodeOf(staleErr)))
	if err != nil {
		return nil, errors.Wrap(err, "sweep stale")
	}

	m.metrics.Swept(len(ids))
	for _, id := range ids {
		m.logger.Warn("failed stale command", "command_id", id, "timeout", timeout)
	}
	return ids, nil
}

// Cleanup removes terminal commands last updated more than olderThan ago.
// With an archiver configured each batch is archived first; an archive
// failure stops the pass before anything in that batch is deleted.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	cutoff := m.clock.Now().Add(-olderThan)

	var report CleanupReport
	for {
		batch, err := m.store.TerminalOlderThan(ctx, cutoff, cleanupBatch)
		if err != nil {
			return report, errors.Wrap(err, "cleanup")
		}
		if len(batch) == 0 {
			break
		}

		if m.archiver != nil {
			if err := m.archiver.Archive(ctx, batch); err != nil {
				return report, errors.Wrap(err, "archive expired commands")
			}
			report.Archived += len(batch)
		}

		ids := make([]string, len(batch))
		for i, cmd := range batch {
			ids[i] = cmd.ID
		}
		deleted, err := m.store.DeleteCommands(ctx, ids)
		if err != nil {
			return report, errors.Wrap(err, "cleanup")
		}
		report.Deleted += deleted

		if len(batch) < cleanupBatch {
			break
		}
	}

	m.metrics.Cleaned(report.Deleted)
	if report.Deleted > 0 {
		m.logger.Info("cleaned up commands", "deleted", report.Deleted, "archived", report.Archived, "older_than", olderThan)
	}
	return report, nil
}

// Get returns a command by id. Missing ids return an error matching
// store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (Command, error) {
	cmd, err := m.store.GetCommand(ctx, id)
	if err != nil {
		return Command{}, errors.Wrapf(err, "get command %s", id)
	}
	return cmd, nil
}

// Recent returns the newest commands for owner (all owners when empty).
func (m *Manager) Recent(ctx context.Context, owner string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 10
	}
	cmds, err := m.store.RecentCommands(ctx, owner, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent commands")
	}
	return cmds, nil
}

// Stats counts commands per status for owner (all owners when empty).
func (m *Manager) Stats(ctx context.Context, owner string) (Stats, error) {
	counts, err := m.store.CountByStatus(ctx, owner)
	if err != nil {
		return Stats{}, errors.Wrap(err, "queue stats")
	}
	st := Stats{
		Queued:     counts[store.StatusQueued],
		Processing: counts[store.StatusProcessing],
		Executed:   counts[store.StatusExecuted],
		Failed:     counts[store.StatusFailed],
	}
	st.Total = st.Queued + st.Processing + st.Executed + st.Failed
	return st, nil
}
