// Package mailbox implements the single-slot request mailbox through which
// producers ask the executor for fresh state.
//
// Each owner has at most one pending request. A new request overwrites an
// unconsumed one (last-request-wins); delivery of every request is not
// guaranteed. The executor answers by publishing to the state channel, not
// through a reply slot.
//
// Consume is a single atomic DELETE ... RETURNING, so a request is observed
// at most once even if two consumers race. The design still assumes one
// consumer per owner: with several, which of them answers is unspecified.
package mailbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/store"
)

// Type names a request kind.
type Type string

// Request types.
const (
	GetCurrentState Type = "get_current_state"
	GetTemplates    Type = "get_templates"
)

// DefaultMaxAge is how long an unconsumed request survives garbage
// collection.
const DefaultMaxAge = 5 * time.Minute

// Valid reports whether t is a known request type.
func (t Type) Valid() bool {
	return t == GetCurrentState || t == GetTemplates
}

// ParseType maps the short CLI names ("state", "templates") and the full
// type names to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "state", string(GetCurrentState):
		return GetCurrentState, nil
	case "templates", string(GetTemplates):
		return GetTemplates, nil
	}
	return "", errors.NewValidationError("type", "unknown request type "+s)
}

// Request is a consumed mailbox entry.
type Request struct {
	Owner     string
	Type      Type
	Payload   payload.Map
	CreatedAt time.Time
}

// Mailbox wraps the store's request table.
type Mailbox struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a mailbox. A nil logger uses slog.Default.
func New(s *store.Store, logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{store: s, logger: logger.With("component", "mailbox")}
}

// Request leaves a request for owner, replacing any pending one.
func (m *Mailbox) Request(ctx context.Context, owner string, typ Type, p payload.Map) error {
	if owner == "" {
		return errors.NewValidationError("owner", "required")
	}
	if !typ.Valid() {
		return errors.NewValidationError("type", "unknown request type "+string(typ))
	}
	data, err := payload.MarshalMap(p)
	if err != nil {
		return errors.Wrap(err, "encode request payload")
	}
	if err := m.store.SetRequest(ctx, owner, string(typ), data); err != nil {
		return errors.Wrap(err, "send request")
	}
	m.logger.Debug("request sent", "owner", owner, "type", typ)
	return nil
}

// Consume takes the pending request for owner. found is false when the
// mailbox is empty. A request that was removed from the store but cannot be
// understood is returned with found true and a ProtocolError; the caller
// drops it.
func (m *Mailbox) Consume(ctx context.Context, owner string) (req Request, found bool, err error) {
	row, err := m.store.TakeRequest(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, errors.Wrap(err, "consume request")
	}

	req = Request{Owner: owner, Type: Type(row.Type), CreatedAt: row.CreatedAt}
	if !req.Type.Valid() {
		return req, true, errors.NewProtocolError("request", "unknown request type "+row.Type, nil)
	}
	req.Payload, err = payload.Decode(row.Payload)
	if err != nil {
		return req, true, errors.NewProtocolError("request", "malformed payload", err)
	}
	return req, true, nil
}

// Collect deletes requests older than maxAge and returns how many it
// removed.
func (m *Mailbox) Collect(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	n, err := m.store.DeleteRequestsOlderThan(ctx, m.store.Now().Add(-maxAge))
	if err != nil {
		return 0, errors.Wrap(err, "collect requests")
	}
	if n > 0 {
		m.logger.Info("collected abandoned requests", "count", n, "max_age", maxAge)
	}
	return n, nil
}
