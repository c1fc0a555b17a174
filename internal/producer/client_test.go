package producer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/mailbox"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/queue"
	"github.com/roach88/vizq/internal/state"
	"github.com/roach88/vizq/internal/store"
	tu "github.com/roach88/vizq/internal/testutil"
)

const owner = "viewer-1"

type fixture struct {
	store  *store.Store
	clock  *tu.FakeClock
	queue  *queue.Manager
	client *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := tu.NewFakeClock(time.Time{})
	s, err := store.Open(filepath.Join(t.TempDir(), "producer.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q := queue.New(s, queue.WithClock(clk), queue.WithIDGenerator(tu.NewSequenceIDs("cmd")))
	c, err := New(s, owner, WithClock(clk), WithQueue(q))
	require.NoError(t, err)
	return &fixture{store: s, clock: clk, queue: q, client: c}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_RequiresOwner(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.store, "")
	assert.True(t, errors.IsValidationError(err))
}

func TestSubmit_DistinctStampsWithFrozenClock(t *testing.T) {
	f := newFixture(t)

	r1, err := f.client.Submit(ctxT(t), "zoom_in", nil)
	require.NoError(t, err)
	r2, err := f.client.Submit(ctxT(t), "zoom_in", nil)
	require.NoError(t, err)

	assert.False(t, r1.Duplicate)
	assert.False(t, r2.Duplicate)
	assert.NotEqual(t, r1.ID, r2.ID)

	c1, err := f.client.Command(ctxT(t), r1.ID)
	require.NoError(t, err)
	c2, err := f.client.Command(ctxT(t), r2.ID)
	require.NoError(t, err)
	assert.True(t, c2.IssuedAt.After(c1.IssuedAt))
}

func TestSubmit_Helpers(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Undo(ctxT(t))
	require.NoError(t, err)
	_, err = f.client.Redo(ctxT(t))
	require.NoError(t, err)
	r, err := f.client.LoadTemplate(ctxT(t), "overview")
	require.NoError(t, err)

	cmd, err := f.client.Command(ctxT(t), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "reload_template", cmd.Method)
	assert.Equal(t, "overview", cmd.Params["template"])

	recent, err := f.client.Recent(ctxT(t), 10)
	require.NoError(t, err)
	methods := make([]string, len(recent))
	for i, c := range recent {
		methods[i] = c.Method
	}
	assert.ElementsMatch(t, []string{"undo_action", "redo_action", "reload_template"}, methods)
}

func TestSubmit_EmptyMethodRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Submit(ctxT(t), "", nil)
	assert.True(t, errors.IsValidationError(err))
}

// Scenario C: a claimed command goes stale, the sweep fails it, and the
// producer observes the failure and re-enqueues.
func TestWait_ObservesSweptCommand(t *testing.T) {
	f := newFixture(t)

	r, err := f.client.Submit(ctxT(t), "zoom_in", nil)
	require.NoError(t, err)

	claimed, err := f.queue.ClaimNext(ctxT(t), owner, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = f.queue.Start(ctxT(t), r.ID)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	swept, err := f.queue.SweepStale(ctxT(t), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, swept)

	cmd, err := f.client.Wait(ctxT(t), r.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, cmd.Status)
	assert.Contains(t, cmd.Error, "timeout")
	assert.Equal(t, int(errors.CodeHost), cmd.ErrorCode)

	again, err := f.client.Resubmit(ctxT(t), cmd)
	require.NoError(t, err)
	assert.NotEqual(t, r.ID, again.ID)

	fresh, err := f.client.Command(ctxT(t), again.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, fresh.Status)
}

func TestResubmit_OnlyFailed(t *testing.T) {
	f := newFixture(t)
	r, err := f.client.Submit(ctxT(t), "zoom_in", nil)
	require.NoError(t, err)
	cmd, err := f.client.Command(ctxT(t), r.ID)
	require.NoError(t, err)

	_, err = f.client.Resubmit(ctxT(t), cmd)
	assert.True(t, errors.IsValidationError(err))
}

func TestWait_UnknownCommand(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Wait(ctxT(t), "cmd-9999", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWait_ContextDone(t *testing.T) {
	f := newFixture(t)
	r, err := f.client.Submit(ctxT(t), "zoom_in", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctxT(t))
	cancel()
	cmd, err := f.client.Wait(ctx, r.ID, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, store.StatusQueued, cmd.Status)
}

func TestRequests(t *testing.T) {
	f := newFixture(t)
	mb := mailbox.New(f.store, nil)

	require.NoError(t, f.client.RequestState(ctxT(t)))
	require.NoError(t, f.client.RequestTemplates(ctxT(t)))

	req, found, err := mb.Consume(ctxT(t), owner)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, mailbox.GetTemplates, req.Type, "last request wins")
}

func TestPollAndSubscribe(t *testing.T) {
	f := newFixture(t)
	ch := state.NewChannel(f.store, f.clock)

	var mu sync.Mutex
	var seen []state.Snapshot
	f.client.Subscribe(func(s state.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	_, ok := f.client.UndoRedo()
	assert.False(t, ok)

	_, err := ch.Publish(ctxT(t), state.Snapshot{
		Owner:      owner,
		Parameters: payload.Map{"x_position": 150000.0},
		UndoRedo:   state.UndoRedo{CanUndo: true, UndoCount: 3},
	})
	require.NoError(t, err)

	changed, err := f.client.Poll(ctxT(t))
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.client.Poll(ctxT(t))
	require.NoError(t, err)
	assert.False(t, changed)

	ur, ok := f.client.UndoRedo()
	require.True(t, ok)
	assert.Equal(t, 3, ur.UndoCount)

	mu.Lock()
	assert.Len(t, seen, 1)
	mu.Unlock()

	snap, found, err := f.client.State(ctxT(t))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 150000.0, snap.Parameters["x_position"])
}

func TestWatch_DeliversInBackground(t *testing.T) {
	f := newFixture(t)
	ch := state.NewChannel(f.store, f.clock)

	got := make(chan state.Snapshot, 1)
	f.client.Subscribe(func(s state.Snapshot) {
		select {
		case got <- s:
		default:
		}
	})

	_, err := ch.Publish(ctxT(t), state.Snapshot{Owner: owner, Parameters: payload.Map{"x_position": 1.0}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctxT(t))
	defer cancel()
	f.client.Watch(ctx)
	f.client.Watch(ctx)

	select {
	case s := <-got:
		assert.Equal(t, owner, s.Owner)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not deliver snapshot")
	}
}
