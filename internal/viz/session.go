// Package viz holds the visualization session the executor drives: the
// current parameter bundle, its undo/redo history, the template catalog
// and the host binding, plus the domain handlers registered for each
// command method.
package viz

import (
	"context"
	"log/slog"

	"github.com/roach88/vizq/internal/dispatch"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/history"
	"github.com/roach88/vizq/internal/params"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/state"
)

// Session is the executor-side visualization state.
//
// Every change goes through Commit, Undo, Redo or Reset, which apply the
// bundle to the binding first and only then move the history. A binding
// failure therefore leaves the session exactly as it was.
//
// Thread-safety: not safe for concurrent use; owned by the executor loop.
type Session struct {
	catalog  *Catalog
	binding  Binding
	history  *history.History
	defaults params.Bundle
	limits   params.Limits
	logger   *slog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithBinding sets the host binding. The default is NopBinding.
func WithBinding(b Binding) SessionOption {
	return func(s *Session) {
		if b != nil {
			s.binding = b
		}
	}
}

// WithLimits sets the validator limits handlers enforce.
func WithLimits(l params.Limits) SessionOption {
	return func(s *Session) { s.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSession loads template from the catalog and makes it both the
// initial history entry and the defaults that gain and zoom are measured
// against. The initial bundle is applied to the binding.
func NewSession(ctx context.Context, catalog *Catalog, template string, depth int, opts ...SessionOption) (*Session, error) {
	if template == "" {
		template = DefaultTemplate
	}
	tmpl, ok := catalog.Get(template)
	if !ok {
		return nil, errors.Newf("template %q not found in %q", template, catalog.Dir())
	}

	s := &Session{
		catalog:  catalog,
		binding:  NopBinding{},
		defaults: tmpl.Params,
		limits:   params.DefaultLimits(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "viz")

	if err := s.binding.Apply(ctx, tmpl.Name, tmpl.Params); err != nil {
		return nil, errors.Wrap(err, "apply initial template")
	}
	s.history = history.New(history.Entry{Template: tmpl.Name, Params: tmpl.Params}, depth)
	return s, nil
}

// Current is the bundle at the history cursor.
func (s *Session) Current() params.Bundle { return s.history.Current().Params }

// Template is the template of the current entry.
func (s *Session) Template() string { return s.history.Current().Template }

// Defaults is the bundle of the template the session started from.
func (s *Session) Defaults() params.Bundle { return s.defaults }

// Limits are the validator limits in force.
func (s *Session) Limits() params.Limits { return s.limits }

// Catalog is the template catalog.
func (s *Session) Catalog() *Catalog { return s.catalog }

// Counters are the undo/redo figures.
func (s *Session) Counters() history.Counters { return s.history.Counters() }

// HistoryLen is the number of entries held.
func (s *Session) HistoryLen() int { return s.history.Len() }

// Templates lists the available template names.
func (s *Session) Templates() []string { return s.catalog.Names() }

// RefreshTemplates rescans the template directory.
func (s *Session) RefreshTemplates() error { return s.catalog.Reload() }

// Commit applies b and records it as a new history entry. An empty
// template keeps the current one.
func (s *Session) Commit(ctx context.Context, template string, b params.Bundle) error {
	if template == "" {
		template = s.Template()
	}
	if err := s.binding.Apply(ctx, template, b); err != nil {
		return errors.Wrap(err, "apply parameters")
	}
	s.history.Commit(history.Entry{Template: template, Params: b})
	s.logger.Debug("parameters committed", "template", template, "undo_count", s.history.UndoCount())
	return nil
}

// Undo steps back one entry. moved is false when there was nothing to
// undo.
func (s *Session) Undo(ctx context.Context) (moved bool, err error) {
	e, ok := s.history.Undo()
	if !ok {
		return false, nil
	}
	if err := s.binding.Apply(ctx, e.Template, e.Params); err != nil {
		s.history.Redo()
		return false, errors.Wrap(err, "apply undo")
	}
	return true, nil
}

// Redo steps forward one entry. moved is false when there was nothing to
// redo.
func (s *Session) Redo(ctx context.Context) (moved bool, err error) {
	e, ok := s.history.Redo()
	if !ok {
		return false, nil
	}
	if err := s.binding.Apply(ctx, e.Template, e.Params); err != nil {
		s.history.Undo()
		return false, errors.Wrap(err, "apply redo")
	}
	return true, nil
}

// CurrentState is the compact state embedded in command results.
func (s *Session) CurrentState() payload.Map {
	c := s.history.Counters()
	return payload.Map{
		"can_undo":       c.CanUndo,
		"can_redo":       c.CanRedo,
		"current_params": s.Current().ToMap(),
	}
}

// Snapshot is the full state published on the state channel.
func (s *Session) Snapshot(owner string) state.Snapshot {
	c := s.history.Counters()
	return state.Snapshot{
		Owner:      owner,
		Parameters: s.Current().ToMap(),
		UndoRedo: state.UndoRedo{
			CanUndo:   c.CanUndo,
			CanRedo:   c.CanRedo,
			UndoCount: c.UndoCount,
			RedoCount: c.RedoCount,
		},
		AvailableOptions: s.Templates(),
		Template:         s.Template(),
	}
}

// Bootstrap loads the catalog from dir, starts a session on template and
// registers every handler against it.
func Bootstrap(ctx context.Context, dir, template string, depth int, opts ...SessionOption) (*Session, *dispatch.Registry, error) {
	catalog, err := LoadCatalog(dir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load templates")
	}
	s, err := NewSession(ctx, catalog, template, depth, opts...)
	if err != nil {
		return nil, nil, err
	}
	reg := dispatch.NewRegistry()
	if err := Register(reg, s); err != nil {
		return nil, nil, err
	}
	return s, reg, nil
}
