// Package producer is the command-issuing side of vizq: it enqueues
// commands, leaves requests in the mailbox and follows the executor's
// published state.
package producer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/vizq/internal/clock"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/mailbox"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/queue"
	"github.com/roach88/vizq/internal/state"
	"github.com/roach88/vizq/internal/store"
)

// DefaultWaitPoll is how often Wait re-reads a command.
const DefaultWaitPoll = 250 * time.Millisecond

// Method names the client issues on its own behalf.
const (
	methodUndo           = "undo_action"
	methodRedo           = "redo_action"
	methodReloadTemplate = "reload_template"
)

// Client issues commands for one owner.
//
// Submit is idempotent per call: the issued-at timestamp is stamped once
// and reused across retries, so a retry after an ambiguous failure lands
// on the same row instead of creating a second command.
//
// Thread-safety: all methods are safe for concurrent use. Multi-step
// operations are serialized by an internal mutex.
type Client struct {
	owner   string
	queue   *queue.Manager
	mailbox *mailbox.Mailbox
	channel *state.Channel
	watcher *state.Watcher
	clock   clock.Clock
	logger  *slog.Logger
	retry   errors.RetryConfig

	mu       sync.Mutex
	watching bool
	lastIss  time.Time
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	clock         clock.Clock
	logger        *slog.Logger
	retry         errors.RetryConfig
	queue         *queue.Manager
	watchInterval time.Duration
}

// WithClock sets the time source for issued-at stamps and polling.
func WithClock(c clock.Clock) Option {
	return func(cfg *clientConfig) { cfg.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *clientConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithRetry sets the submit retry policy.
func WithRetry(r errors.RetryConfig) Option {
	return func(cfg *clientConfig) { cfg.retry = r }
}

// WithQueue replaces the queue manager built from the store.
func WithQueue(q *queue.Manager) Option {
	return func(cfg *clientConfig) { cfg.queue = q }
}

// WithWatchInterval sets the state polling period.
func WithWatchInterval(d time.Duration) Option {
	return func(cfg *clientConfig) { cfg.watchInterval = d }
}

// New creates a client for owner.
func New(s *store.Store, owner string, opts ...Option) (*Client, error) {
	if owner == "" {
		return nil, errors.NewValidationError("owner", "required")
	}
	cfg := clientConfig{
		clock:         clock.Real(),
		logger:        slog.Default(),
		retry:         errors.DefaultRetryConfig(),
		watchInterval: state.DefaultWatchInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.queue == nil {
		cfg.queue = queue.New(s, queue.WithClock(cfg.clock), queue.WithLogger(cfg.logger))
	}

	ch := state.NewChannel(s, cfg.clock)
	return &Client{
		owner:   owner,
		queue:   cfg.queue,
		mailbox: mailbox.New(s, cfg.logger),
		channel: ch,
		watcher: state.NewWatcher(ch, owner,
			state.WithInterval(cfg.watchInterval),
			state.WithWatchClock(cfg.clock),
			state.WithWatchLogger(cfg.logger),
		),
		clock:  cfg.clock,
		logger: cfg.logger.With("component", "producer", "owner", owner),
		retry:  cfg.retry,
	}, nil
}

// Owner is the owner this client issues for.
func (c *Client) Owner() string { return c.owner }

// Submit enqueues method with params.
func (c *Client) Submit(ctx context.Context, method string, params payload.Map) (queue.Receipt, error) {
	sub := queue.Submission{
		Owner:    c.owner,
		Method:   method,
		Params:   params,
		IssuedAt: c.issuedAt(),
	}
	r, err := errors.RetryWithResult(ctx, c.retry, func() (queue.Receipt, error) {
		return c.queue.Enqueue(ctx, sub)
	})
	if err != nil {
		return queue.Receipt{}, errors.Wrapf(err, "submit %s", method)
	}
	c.logger.Debug("command submitted", "command_id", r.ID, "method", method, "duplicate", r.Duplicate)
	return r, nil
}

// issuedAt returns a stamp strictly after the previous one, so two
// identical commands submitted within the clock's resolution stay
// distinct.
func (c *Client) issuedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now().UTC()
	if !now.After(c.lastIss) {
		now = c.lastIss.Add(time.Microsecond)
	}
	c.lastIss = now
	return now
}

// Undo submits an undo.
func (c *Client) Undo(ctx context.Context) (queue.Receipt, error) {
	return c.Submit(ctx, methodUndo, nil)
}

// Redo submits a redo.
func (c *Client) Redo(ctx context.Context) (queue.Receipt, error) {
	return c.Submit(ctx, methodRedo, nil)
}

// LoadTemplate submits a template reload. An empty name reloads the
// current template.
func (c *Client) LoadTemplate(ctx context.Context, name string) (queue.Receipt, error) {
	var p payload.Map
	if name != "" {
		p = payload.Map{"template": name}
	}
	return c.Submit(ctx, methodReloadTemplate, p)
}

// Resubmit enqueues a fresh copy of a failed command. The copy gets a new
// id and issued-at stamp.
func (c *Client) Resubmit(ctx context.Context, cmd queue.Command) (queue.Receipt, error) {
	if cmd.Status != store.StatusFailed {
		return queue.Receipt{}, errors.NewValidationError("status",
			"only failed commands can be resubmitted, "+cmd.ID+" is "+string(cmd.Status))
	}
	return c.Submit(ctx, cmd.Method, cmd.Params)
}

// RequestState asks the executor to republish state.
func (c *Client) RequestState(ctx context.Context) error {
	return c.mailbox.Request(ctx, c.owner, mailbox.GetCurrentState, nil)
}

// RequestTemplates asks the executor to rescan templates and republish.
func (c *Client) RequestTemplates(ctx context.Context) error {
	return c.mailbox.Request(ctx, c.owner, mailbox.GetTemplates, nil)
}

// Command returns a command by id.
func (c *Client) Command(ctx context.Context, id string) (queue.Command, error) {
	return c.queue.Get(ctx, id)
}

// Recent returns this owner's newest commands.
func (c *Client) Recent(ctx context.Context, limit int) ([]queue.Command, error) {
	return c.queue.Recent(ctx, c.owner, limit)
}

// Wait polls until the command is terminal or ctx is done. A poll of zero
// uses DefaultWaitPoll.
func (c *Client) Wait(ctx context.Context, id string, poll time.Duration) (queue.Command, error) {
	if poll <= 0 {
		poll = DefaultWaitPoll
	}
	for {
		cmd, err := c.queue.Get(ctx, id)
		if err != nil {
			return queue.Command{}, err
		}
		if cmd.Status.Terminal() {
			return cmd, nil
		}
		select {
		case <-ctx.Done():
			return cmd, ctx.Err()
		case <-c.clock.After(poll):
		}
	}
}

// State reads the published snapshot directly.
func (c *Client) State(ctx context.Context) (state.Snapshot, bool, error) {
	return c.channel.Read(ctx, c.owner)
}

// Subscribe registers fn with the state watcher.
func (c *Client) Subscribe(fn state.Subscriber) {
	c.watcher.Subscribe(fn)
}

// Watch starts the state watcher in the background. It stops when ctx is
// done. Calling Watch again while it runs is a no-op.
func (c *Client) Watch(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watching {
		return
	}
	c.watching = true
	go func() {
		defer func() {
			c.mu.Lock()
			c.watching = false
			c.mu.Unlock()
		}()
		_ = c.watcher.Run(ctx)
	}()
}

// Poll reads the state channel once through the watcher, notifying
// subscribers on change.
func (c *Client) Poll(ctx context.Context) (bool, error) {
	return c.watcher.Poll(ctx)
}

// Latest is the last snapshot the watcher observed.
func (c *Client) Latest() (state.Snapshot, bool) {
	return c.watcher.Latest()
}

// UndoRedo returns the undo/redo counters of the latest observed
// snapshot.
func (c *Client) UndoRedo() (state.UndoRedo, bool) {
	snap, ok := c.watcher.Latest()
	return snap.UndoRedo, ok
}
