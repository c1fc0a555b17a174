package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roach88/vizq/internal/clock"
	"github.com/roach88/vizq/internal/dispatch"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/mailbox"
	"github.com/roach88/vizq/internal/metrics"
	"github.com/roach88/vizq/internal/params"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/queue"
	"github.com/roach88/vizq/internal/state"
	"github.com/roach88/vizq/internal/store"
)

// Component is the system_status row the executor heartbeats to.
const Component = "executor"

// Heartbeat statuses.
const (
	StatusOnline      = "online"
	StatusError       = "error"
	StatusOffline     = "offline"
	StatusUnavailable = "unavailable"
)

// Defaults.
const (
	DefaultPollInterval     = 2 * time.Second
	DefaultHeartbeatEvery   = 10
	DefaultMaintenanceEvery = 30
	DefaultErrorBackoff     = 5 * time.Second
	DefaultErrorBackoffMax  = 60 * time.Second
)

// Session is the visualization state the executor drives.
type Session interface {
	// Commit applies b to the host and records it in history.
	Commit(ctx context.Context, template string, b params.Bundle) error

	// CurrentState is embedded in every executed command's result.
	CurrentState() payload.Map

	// Snapshot is the full state published for owner.
	Snapshot(owner string) state.Snapshot

	// RefreshTemplates rescans the template catalog.
	RefreshTemplates() error

	// HistoryLen is the number of history entries held.
	HistoryLen() int
}

// Setup builds the session and method table. It runs once, when the
// engine initializes; the host bindings are typically unavailable before
// that point.
type Setup func(ctx context.Context) (Session, *dispatch.Registry, error)

// Config holds the loop knobs. Zero fields take the defaults.
type Config struct {
	Owner            string
	ClaimLimit       int
	PollInterval     time.Duration
	HeartbeatEvery   int
	MaintenanceEvery int
	ErrorBackoff     time.Duration
	ErrorBackoffMax  time.Duration
	SweepTimeout     time.Duration
	RequestMaxAge    time.Duration
	Retention        time.Duration
	HostMode         bool
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = queue.DefaultClaimLimit
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = DefaultHeartbeatEvery
	}
	if c.MaintenanceEvery <= 0 {
		c.MaintenanceEvery = DefaultMaintenanceEvery
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = DefaultErrorBackoffMax
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = queue.DefaultSweepTimeout
	}
	if c.RequestMaxAge <= 0 {
		c.RequestMaxAge = mailbox.DefaultMaxAge
	}
	if c.Retention <= 0 {
		c.Retention = queue.DefaultRetention
	}
	return c
}

// Report summarizes one iteration.
type Report struct {
	Loop      int64                `json:"loop"`
	Request   mailbox.Type         `json:"request,omitempty"`
	Claimed   int                  `json:"claimed"`
	Executed  int                  `json:"executed"`
	Failed    int                  `json:"failed"`
	Skipped   int                  `json:"skipped"`
	Published bool                 `json:"published"`
	Heartbeat bool                 `json:"heartbeat"`
	Swept     []string             `json:"swept,omitempty"`
	Collected int64                `json:"collected,omitempty"`
	Cleanup   *queue.CleanupReport `json:"cleanup,omitempty"`
}

// Engine is the command executor loop.
//
// Thread-safety model:
//   - Init(), Step() and Run() must be called from one goroutine
//   - Loops() and Processed() are for that same goroutine or for tests
//     after Run returned
//
// INVARIANTS:
//   - A command is executed at most once per claim; a command whose Start
//     was discarded (already terminal) is skipped
//   - History changes only after the host binding accepted the bundle
//   - No error or panic escapes Step
type Engine struct {
	store    *store.Store
	queue    *queue.Manager
	mailbox  *mailbox.Mailbox
	channel  *state.Channel
	setup    Setup
	session  Session
	registry *dispatch.Registry

	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	hook    func(Report, error)

	loops     int64
	processed int64
	lastErr   string
	failures  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the loop knobs.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

// WithClock sets the time source for sleeps and claim windows.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = clock.OrReal(c) }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the collectors. Default: none.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithQueue replaces the queue manager built from the store, for callers
// that configure an archiver or an id generator.
func WithQueue(q *queue.Manager) Option {
	return func(e *Engine) { e.queue = q }
}

// WithIterationHook registers fn to run after every iteration Run makes.
func WithIterationHook(fn func(Report, error)) Option {
	return func(e *Engine) { e.hook = fn }
}

// New creates an Engine over s. setup runs on Init.
func New(s *store.Store, setup Setup, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		setup:  setup,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	base := e.logger
	e.logger = base.With("component", "engine", "owner", e.cfg.Owner)

	if e.queue == nil {
		e.queue = queue.New(s,
			queue.WithClock(e.clock),
			queue.WithLogger(base),
			queue.WithMetrics(e.metrics),
		)
	}
	e.mailbox = mailbox.New(s, base)
	e.channel = state.NewChannel(s, e.clock)
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Loops is the number of iterations started.
func (e *Engine) Loops() int64 { return e.loops }

// Processed is the number of commands that reached a terminal status
// through this engine.
func (e *Engine) Processed() int64 { return e.processed }

// Init runs setup and publishes the initial snapshot. On failure the
// heartbeat row records "unavailable" and the error is returned.
func (e *Engine) Init(ctx context.Context) error {
	if e.session != nil {
		return nil
	}
	if e.cfg.Owner == "" {
		return e.unavailable(ctx, errors.NewValidationError("owner", "required"))
	}
	if e.setup == nil {
		return e.unavailable(ctx, errors.New("no setup configured"))
	}

	session, reg, err := e.setup(ctx)
	if err != nil {
		return e.unavailable(ctx, err)
	}
	if session == nil || reg == nil {
		return e.unavailable(ctx, errors.New("setup returned no session"))
	}
	e.session, e.registry = session, reg

	if err := e.publish(ctx); err != nil {
		e.logger.Warn("initial publish failed", "error", err)
	}
	e.heartbeat(ctx, StatusOnline)
	e.logger.Info("engine initialized", "methods", len(reg.Methods()), "claim_limit", e.cfg.ClaimLimit)
	return nil
}

func (e *Engine) unavailable(ctx context.Context, err error) error {
	err = &IterationError{Phase: PhaseSetup, Err: err}
	e.lastErr = err.Error()
	e.logger.Error("engine initialization failed", "error", err)
	e.heartbeat(ctx, StatusUnavailable)
	return err
}

// Run initializes the engine and loops until ctx is done. It returns the
// setup error when initialization fails and nil after a clean stop.
// Iteration failures never end the loop.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Init(ctx); err != nil {
		return err
	}
	if e.cfg.HostMode {
		stop := e.ignoreSignals(ctx)
		defer stop()
	}

	e.logger.Info("engine running", "poll_interval", e.cfg.PollInterval, "host_mode", e.cfg.HostMode)
	for {
		if ctx.Err() != nil {
			return e.stop()
		}

		report, err := e.Step(ctx)
		if e.hook != nil {
			e.hook(report, err)
		}

		wait := e.cfg.PollInterval
		if err != nil && ctx.Err() == nil {
			wait = errors.CalculateBackoff(e.cfg.ErrorBackoff, e.cfg.ErrorBackoffMax, e.failures-1, errors.DefaultJitter)
			e.logger.Info("backing off", "delay", wait, "consecutive_failures", e.failures)
		}

		select {
		case <-ctx.Done():
			return e.stop()
		case <-e.clock.After(wait):
		}
	}
}

// stop records the offline heartbeat. The context is already done, so
// the write gets a fresh one.
func (e *Engine) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.heartbeat(ctx, StatusOffline)
	e.logger.Info("engine stopped", "loops", e.loops, "processed", e.processed)
	return nil
}

// ignoreSignals swallows interrupts while the host owns the process.
func (e *Engine) ignoreSignals(ctx context.Context) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				e.logger.Warn("ignoring signal in host mode", "signal", sig.String())
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// Step runs one iteration. The returned error describes why the
// iteration ended early; it has already been logged and recorded.
func (e *Engine) Step(ctx context.Context) (report Report, err error) {
	e.loops++
	report.Loop = e.loops

	defer func() {
		if rec := recover(); rec != nil {
			err = &IterationError{Loop: e.loops, Phase: PhasePanic, Err: fmt.Errorf("%v", rec)}
		}
		e.finish(ctx, &report, err)
	}()

	if e.session == nil {
		if err := e.Init(ctx); err != nil {
			return report, err
		}
	}

	if err := e.answerRequest(ctx, &report); err != nil {
		return report, &IterationError{Loop: e.loops, Phase: PhaseRequest, Err: err}
	}

	cmds, err := e.queue.ClaimNext(ctx, e.cfg.Owner, e.cfg.ClaimLimit)
	if err != nil {
		return report, &IterationError{Loop: e.loops, Phase: PhaseClaim, Err: err}
	}
	report.Claimed = len(cmds)

	for _, cmd := range cmds {
		if err := e.execute(ctx, cmd, &report); err != nil {
			return report, &IterationError{Loop: e.loops, Phase: PhaseExecute, CommandID: cmd.ID, Err: err}
		}
	}

	if report.Executed+report.Failed > 0 {
		if err := e.publish(ctx); err != nil {
			return report, &IterationError{Loop: e.loops, Phase: PhasePublish, Err: err}
		}
		report.Published = true
	}

	if e.loops%int64(e.cfg.MaintenanceEvery) == 0 {
		if err := e.maintain(ctx, &report); err != nil {
			return report, &IterationError{Loop: e.loops, Phase: PhaseMaintenance, Err: err}
		}
	}
	return report, nil
}

// finish records the iteration's outcome: failure bookkeeping, metrics
// and the periodic heartbeat.
func (e *Engine) finish(ctx context.Context, report *Report, err error) {
	e.metrics.Iteration(err != nil)
	if e.session != nil {
		e.metrics.HistoryDepth(e.session.HistoryLen())
	}

	if err != nil {
		e.failures++
		e.lastErr = err.Error()
		e.logger.Error("iteration failed",
			"loop", e.loops, "phase", PhaseOf(err), "error", err,
			"retryable", errors.IsRetryable(err))
		if ctx.Err() == nil {
			e.heartbeat(ctx, StatusError)
			report.Heartbeat = true
		}
		return
	}

	e.failures = 0
	if e.loops%int64(e.cfg.HeartbeatEvery) == 0 {
		e.heartbeat(ctx, StatusOnline)
		report.Heartbeat = true
	}
}

// answerRequest consumes the mailbox. A request that cannot be understood
// is dropped, but the state is still republished so the requester sees a
// fresh snapshot.
func (e *Engine) answerRequest(ctx context.Context, report *Report) error {
	req, found, err := e.mailbox.Consume(ctx, e.cfg.Owner)
	if err != nil && !errors.IsProtocolError(err) {
		return err
	}
	if !found {
		return nil
	}
	if err != nil {
		e.logger.Warn("dropping malformed request", "error", err)
	} else {
		report.Request = req.Type
		e.logger.Debug("answering request", "type", req.Type)
		if req.Type == mailbox.GetTemplates {
			if err := e.session.RefreshTemplates(); err != nil {
				e.logger.Warn("template refresh failed", "error", err)
			}
		}
	}

	if err := e.publish(ctx); err != nil {
		return err
	}
	report.Published = true
	return nil
}

// execute runs one claimed command to a terminal status.
func (e *Engine) execute(ctx context.Context, cmd queue.Command, report *Report) error {
	log := e.logger.With("command_id", cmd.ID, "method", cmd.Method)

	started, err := e.queue.Start(ctx, cmd.ID)
	if err != nil {
		return err
	}
	if !started.Applied && started.Previous.Terminal() {
		log.Warn("skipping command that is already terminal", "status", started.Previous)
		report.Skipped++
		return nil
	}

	if cmd.ParamsErr != nil {
		return e.fail(ctx, log, cmd, errors.NewProtocolError("params", "stored params do not decode", cmd.ParamsErr), report)
	}

	begin := e.clock.Now()
	out, herr := e.registry.Dispatch(ctx, cmd.Method, cmd.Params)
	if herr == nil && out.Next != nil {
		if cerr := e.session.Commit(ctx, out.Template, *out.Next); cerr != nil {
			herr = errors.NewHandlerErrorWithCause(cmd.Method, cerr)
		}
	}
	e.metrics.ObserveHandler(cmd.Method, e.clock.Now().Sub(begin))

	if herr != nil {
		return e.fail(ctx, log, cmd, herr, report)
	}

	result := payload.Map{
		"result":        out.Result,
		"method":        cmd.Method,
		"current_state": e.session.CurrentState(),
	}
	if _, err := e.queue.Complete(ctx, cmd.ID, result); err != nil {
		return err
	}
	e.processed++
	report.Executed++
	log.Info("command executed", "retry_count", cmd.RetryCount)
	return nil
}

func (e *Engine) fail(ctx context.Context, log *slog.Logger, cmd queue.Command, cause error, report *Report) error {
	if _, err := e.queue.Fail(ctx, cmd.ID, cause); err != nil {
		return err
	}
	e.processed++
	report.Failed++
	log.Warn("command failed", "error", cause, "code", errors.CodeOf(cause))
	return nil
}

func (e *Engine) publish(ctx context.Context) error {
	_, err := e.channel.Publish(ctx, e.session.Snapshot(e.cfg.Owner))
	return err
}

// maintain runs the periodic sweep, mailbox collection and retention.
func (e *Engine) maintain(ctx context.Context, report *Report) error {
	swept, err := e.queue.SweepStale(ctx, e.cfg.SweepTimeout)
	if err != nil {
		return err
	}
	report.Swept = swept

	report.Collected, err = e.mailbox.Collect(ctx, e.cfg.RequestMaxAge)
	if err != nil {
		return err
	}

	cleanup, err := e.queue.Cleanup(ctx, e.cfg.Retention)
	if err != nil {
		return err
	}
	report.Cleanup = &cleanup
	return nil
}

// heartbeat writes the executor status row. Failures are logged only; a
// missing heartbeat is itself the signal.
func (e *Engine) heartbeat(ctx context.Context, status string) {
	p := payload.Map{
		"loop_count": e.loops,
		"processed":  e.processed,
		"owner":      e.cfg.Owner,
		"host_mode":  e.cfg.HostMode,
	}
	if e.lastErr != "" {
		p["last_error"] = e.lastErr
	}
	if e.session != nil {
		p["history_len"] = int64(e.session.HistoryLen())
	}
	err := e.store.SetComponentStatus(ctx, store.ComponentStatus{
		Component: Component,
		Status:    status,
		Payload:   p,
	})
	if err != nil {
		e.logger.Warn("heartbeat failed", "status", status, "error", err)
		return
	}
	e.metrics.Heartbeat(e.clock.Now())
}
