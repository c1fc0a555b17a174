package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vizq/internal/dispatch"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/mailbox"
	"github.com/roach88/vizq/internal/metrics"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/queue"
	"github.com/roach88/vizq/internal/state"
	"github.com/roach88/vizq/internal/store"
	tu "github.com/roach88/vizq/internal/testutil"
	"github.com/roach88/vizq/internal/viz"
)

const owner = "viewer-1"

type fixture struct {
	store   *store.Store
	clock   *tu.FakeClock
	queue   *queue.Manager
	mailbox *mailbox.Mailbox
	channel *state.Channel
	binding *viz.RecordingBinding
	session *viz.Session
	logs    *bytes.Buffer
}

func setupTestStore(t *testing.T, clk *tu.FakeClock) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"),
		store.WithClock(clk),
		store.WithRetry(errors.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := tu.NewFakeClock(time.Time{})
	s := setupTestStore(t, clk)
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &fixture{
		store:   s,
		clock:   clk,
		queue:   queue.New(s, queue.WithClock(clk), queue.WithIDGenerator(tu.NewSequenceIDs("cmd")), queue.WithLogger(logger)),
		mailbox: mailbox.New(s, logger),
		channel: state.NewChannel(s, clk),
		binding: &viz.RecordingBinding{},
		logs:    logs,
	}
}

// setup returns a Setup that starts a viz session on the factory defaults.
func (f *fixture) setup() Setup {
	return func(ctx context.Context) (Session, *dispatch.Registry, error) {
		s, reg, err := viz.Bootstrap(ctx, "", viz.DefaultTemplate, 0, viz.WithBinding(f.binding))
		if err != nil {
			return nil, nil, err
		}
		f.session = s
		return s, reg, nil
	}
}

func (f *fixture) engine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	if cfg.Owner == "" {
		cfg.Owner = owner
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	base := []Option{WithConfig(cfg), WithClock(f.clock), WithLogger(logger), WithQueue(f.queue)}
	return New(f.store, f.setup(), append(base, opts...)...)
}

func (f *fixture) enqueue(t *testing.T, method string, p payload.Map) string {
	t.Helper()
	r, err := f.queue.Enqueue(ctxT(t), queue.Submission{Owner: owner, Method: method, Params: p, IssuedAt: f.clock.Now()})
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	return r.ID
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Scenario A: a position update travels from the queue to the state channel.
func TestEngine_ExecutesAndPublishes(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{})
	require.NoError(t, e.Init(ctxT(t)))

	id := f.enqueue(t, viz.MethodUpdatePosition, payload.Map{"x": int64(150000), "y": int64(110000), "z": int64(3000)})

	report, err := e.Step(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Executed)
	assert.True(t, report.Published)

	cmd, err := f.queue.Get(ctxT(t), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, cmd.Status)
	assert.Equal(t, viz.MethodUpdatePosition, cmd.Result["method"])
	inner := cmd.Result["result"].(map[string]any)
	assert.Equal(t, "Position updated to X=150000, Y=110000, Z=3000", inner["message"])
	current := cmd.Result["current_state"].(map[string]any)
	assert.Equal(t, true, current["can_undo"])

	snap, found, err := f.channel.Read(ctxT(t), owner)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 150000.0, snap.Parameters["x_position"])
	assert.True(t, snap.UndoRedo.CanUndo)
	assert.Equal(t, int64(1), e.Processed())
}

func TestEngine_InitPublishesInitialState(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{})
	require.NoError(t, e.Init(ctxT(t)))

	snap, found, err := f.channel.Read(ctxT(t), owner)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, viz.DefaultTemplate, snap.Template)
	assert.False(t, snap.UndoRedo.CanUndo)

	st, err := f.store.GetComponentStatus(ctxT(t), Component)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, st.Status)
}

func TestEngine_FailuresAreRecorded(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{})
	require.NoError(t, e.Init(ctxT(t)))

	unknown := f.enqueue(t, "warp_drive", nil)
	invalid := f.enqueue(t, viz.MethodUpdatePosition, payload.Map{"x": 1.0, "y": 110000.0, "z": 3000.0})

	report, err := e.Step(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)

	cmd, err := f.queue.Get(ctxT(t), unknown)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, cmd.Status)
	assert.Equal(t, int(errors.CodeMethodNotFound), cmd.ErrorCode)
	assert.Contains(t, cmd.Error, "warp_drive")

	cmd, err = f.queue.Get(ctxT(t), invalid)
	require.NoError(t, err)
	assert.Equal(t, int(errors.CodeInvalidParams), cmd.ErrorCode)

	assert.Equal(t, 1, f.session.HistoryLen(), "failed commands leave history untouched")
}

func TestEngine_BindingFailureFailsCommand(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{})
	require.NoError(t, e.Init(ctxT(t)))

	f.binding.FailWith(fmt.Errorf("host view closed"))
	id := f.enqueue(t, viz.MethodZoomIn, nil)

	_, err := e.Step(ctxT(t))
	require.NoError(t, err)

	cmd, err := f.queue.Get(ctxT(t), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, cmd.Status)
	assert.Equal(t, int(errors.CodeHandler), cmd.ErrorCode)
	assert.Contains(t, cmd.Error, "host view closed")
	assert.Equal(t, 1, f.session.HistoryLen())
}

func TestEngine_ClaimLimitBoundsBatch(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{ClaimLimit: 2})
	require.NoError(t, e.Init(ctxT(t)))

	f.enqueue(t, viz.MethodZoomIn, nil)
	f.enqueue(t, viz.MethodZoomIn, nil)
	last := f.enqueue(t, viz.MethodZoomOut, nil)

	r1, err := e.Step(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 2, r1.Executed)

	cmd, err := f.queue.Get(ctxT(t), last)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, cmd.Status)

	r2, err := e.Step(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, r2.Executed)
	assert.Equal(t, 4, f.session.HistoryLen())
}

func TestEngine_AnswersRequests(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{})
	require.NoError(t, e.Init(ctxT(t)))

	require.NoError(t, f.mailbox.Request(ctxT(t), owner, mailbox.GetTemplates, nil))
	report, err := e.Step(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, mailbox.GetTemplates, report.Request)
	assert.True(t, report.Published)

	_, found, err := f.mailbox.Consume(ctxT(t), owner)
	require.NoError(t, err)
	assert.False(t, found, "request consumed")

	snap, _, err := f.channel.Read(ctxT(t), owner)
	require.NoError(t, err)
	assert.Equal(t, []string{viz.DefaultTemplate}, snap.AvailableOptions)
}

func TestEngine_MalformedRequestStillPublishes(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{})
	require.NoError(t, e.Init(ctxT(t)))

	require.NoError(t, f.store.SetRequest(ctxT(t), owner, "reboot_host", []byte(`{}`)))
	f.clock.Advance(time.Second)

	report, err := e.Step(ctxT(t))
	require.NoError(t, err)
	assert.Empty(t, report.Request)
	assert.True(t, report.Published)
	assert.Contains(t, f.logs.String(), "dropping malformed request")
}

func TestEngine_HeartbeatEveryN(t *testing.T) {
	f := newFixture(t)
	m := metrics.New()
	e := f.engine(t, Config{HeartbeatEvery: 2}, WithMetrics(m))
	require.NoError(t, e.Init(ctxT(t)))

	r1, err := e.Step(ctxT(t))
	require.NoError(t, err)
	assert.False(t, r1.Heartbeat)

	r2, err := e.Step(ctxT(t))
	require.NoError(t, err)
	assert.True(t, r2.Heartbeat)

	st, err := f.store.GetComponentStatus(ctxT(t), Component)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, st.Status)
	assert.Equal(t, int64(2), st.Payload["loop_count"])
	assert.Equal(t, owner, st.Payload["owner"])
}

// Scenario C, executor side: a command claimed elsewhere and abandoned is
// failed by the maintenance sweep.
func TestEngine_MaintenanceSweepsStaleClaims(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{MaintenanceEvery: 1, SweepTimeout: time.Hour})
	require.NoError(t, e.Init(ctxT(t)))

	id := f.enqueue(t, viz.MethodZoomIn, nil)
	claimed, err := f.queue.ClaimNext(ctxT(t), owner, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = f.queue.Start(ctxT(t), id)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	report, err := e.Step(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Swept)
	require.NotNil(t, report.Cleanup)

	cmd, err := f.queue.Get(ctxT(t), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, cmd.Status)
	assert.Equal(t, "Processing timeout after 1h0m0s", cmd.Error)
	assert.Equal(t, int(errors.CodeHost), cmd.ErrorCode)
}

func TestEngine_MaintenanceCollectsAbandonedRequests(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{MaintenanceEvery: 2, RequestMaxAge: time.Minute})
	require.NoError(t, e.Init(ctxT(t)))

	_, err := e.Step(ctxT(t))
	require.NoError(t, err)

	// Left after the consume of this iteration, collected by the next
	// maintenance pass only once it is old enough.
	require.NoError(t, f.mailbox.Request(ctxT(t), "other-viewer", mailbox.GetCurrentState, nil))
	f.clock.Advance(2 * time.Minute)

	report, err := e.Step(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Collected)
}

// panicSession panics while building the result of an executed command.
type panicSession struct {
	*viz.Session
}

func (panicSession) CurrentState() payload.Map { panic("state exploded") }

func TestEngine_PanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	setup := func(ctx context.Context) (Session, *dispatch.Registry, error) {
		s, reg, err := f.setup()(ctx)
		if err != nil {
			return nil, nil, err
		}
		return panicSession{s.(*viz.Session)}, reg, nil
	}
	logger := slog.New(slog.NewTextHandler(f.logs, nil))
	e := New(f.store, setup, WithConfig(Config{Owner: owner}), WithClock(f.clock), WithLogger(logger), WithQueue(f.queue))
	require.NoError(t, e.Init(ctxT(t)))

	f.enqueue(t, viz.MethodZoomIn, nil)
	_, err := e.Step(ctxT(t))
	require.Error(t, err)
	assert.True(t, IsPanic(err))
	assert.Contains(t, err.Error(), "state exploded")

	st, err := f.store.GetComponentStatus(ctxT(t), Component)
	require.NoError(t, err)
	assert.Equal(t, StatusError, st.Status)
	assert.Contains(t, st.Payload["last_error"], "state exploded")

	// The loop carries on.
	_, err = e.Step(ctxT(t))
	assert.NoError(t, err)
}

func TestEngine_SetupFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	setup := func(context.Context) (Session, *dispatch.Registry, error) {
		return nil, nil, fmt.Errorf("host bindings not loaded")
	}
	e := New(f.store, setup, WithConfig(Config{Owner: owner}), WithClock(f.clock))

	err := e.Run(ctxT(t))
	require.Error(t, err)
	assert.Equal(t, PhaseSetup, PhaseOf(err))
	assert.Equal(t, int64(0), e.Loops())

	st, err := f.store.GetComponentStatus(ctxT(t), Component)
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, st.Status)
	assert.Contains(t, st.Payload["last_error"], "host bindings not loaded")
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(ctxT(t))
	defer cancel()

	var reports []Report
	e := f.engine(t, Config{PollInterval: time.Second}, WithIterationHook(func(r Report, err error) {
		assert.NoError(t, err)
		reports = append(reports, r)
		if len(reports) == 3 {
			cancel()
		}
	}))
	f.enqueue(t, viz.MethodRotateLeft, nil)
	start := f.clock.Now()

	require.NoError(t, e.Run(ctx))
	assert.Len(t, reports, 3)
	assert.Equal(t, 1, reports[0].Executed)
	assert.Equal(t, int64(3), e.Loops())
	assert.Equal(t, 3*time.Second, f.clock.Now().Sub(start), "one poll interval per iteration")

	st, err := f.store.GetComponentStatus(context.Background(), Component)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, st.Status)
	assert.Equal(t, int64(1), st.Payload["processed"])
}

func TestIterationError(t *testing.T) {
	err := &IterationError{Loop: 4, Phase: PhaseExecute, CommandID: "cmd-0001", Err: fmt.Errorf("disk full")}
	assert.Equal(t, "iteration 4: execute (command=cmd-0001): disk full", err.Error())
	assert.Equal(t, PhaseExecute, PhaseOf(errors.Wrap(err, "step")))
	assert.Equal(t, Phase(""), PhaseOf(fmt.Errorf("plain")))
}
