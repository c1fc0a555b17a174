package state

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/vizq/internal/clock"
	"github.com/roach88/vizq/internal/errors"
)

// DefaultWatchInterval is the producer-side polling period.
const DefaultWatchInterval = 500 * time.Millisecond

// Subscriber is called with every newly observed snapshot.
type Subscriber func(Snapshot)

// Watcher polls the channel for one owner and notifies subscribers when
// the stored snapshot changes.
//
// Thread-safety: Subscribe, Latest and Poll are safe from any goroutine.
// Run must be called from exactly one goroutine.
type Watcher struct {
	channel  *Channel
	owner    string
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	subs      []Subscriber
	latest    Snapshot
	have      bool
	lastStamp time.Time
	lastRaw   []byte
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithInterval sets the polling period.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchClock sets the clock used to wait between polls.
func WithWatchClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) { w.clock = clock.OrReal(c) }
}

// WithWatchLogger sets the logger.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher creates a watcher for owner.
func NewWatcher(ch *Channel, owner string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		channel:  ch,
		owner:    owner,
		interval: DefaultWatchInterval,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "state-watcher", "owner", owner)
	return w
}

// Subscribe registers fn for future changes.
func (w *Watcher) Subscribe(fn Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Latest returns the most recently observed snapshot.
func (w *Watcher) Latest() (Snapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest, w.have
}

// Poll reads the channel once. It reports whether a new snapshot was
// observed. Malformed rows are logged and skipped without error.
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
	row, err := w.channel.read(ctx, w.owner)
	if err != nil || row == nil {
		return false, err
	}

	w.mu.Lock()
	unchanged := row.UpdatedAt.Equal(w.lastStamp) && bytes.Equal(row.Payload, w.lastRaw)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	snap, err := Decode(row.Payload)

	w.mu.Lock()
	w.lastStamp = row.UpdatedAt
	w.lastRaw = row.Payload
	if err != nil {
		w.mu.Unlock()
		w.logger.Warn("dropping malformed state snapshot", "error", err)
		return false, nil
	}
	if snap.Owner == "" {
		snap.Owner = w.owner
	}
	w.latest, w.have = snap, true
	subs := append([]Subscriber(nil), w.subs...)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return true, nil
}

// Run polls until ctx is cancelled. Storage errors are logged and the
// watcher keeps polling.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Debug("state watcher started", "interval", w.interval)
	for {
		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("state poll failed", "error", err, "retryable", errors.IsRetryable(err))
		}
		select {
		case <-ctx.Done():
			w.logger.Debug("state watcher stopped")
			return nil
		case <-w.clock.After(w.interval):
		}
	}
}
