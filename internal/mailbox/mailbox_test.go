package mailbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/store"
	"github.com/roach88/vizq/internal/testutil"
)

func setup(t *testing.T) (*store.Store, *Mailbox, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(time.Time{})
	s, err := store.Open(filepath.Join(t.TempDir(), "mailbox.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, New(s, nil), clk
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConsume_Empty(t *testing.T) {
	_, mb, _ := setup(t)

	_, found, err := mb.Consume(ctxT(t), "viz")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRequestConsume(t *testing.T) {
	_, mb, clk := setup(t)

	require.NoError(t, mb.Request(ctxT(t), "viz", GetTemplates, map[string]any{"reason": "startup"}))

	req, found, err := mb.Consume(ctxT(t), "viz")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, GetTemplates, req.Type)
	assert.Equal(t, "startup", req.Payload["reason"])
	assert.True(t, req.CreatedAt.Equal(clk.Now()))
}

func TestLastWriteWins(t *testing.T) {
	_, mb, _ := setup(t)

	require.NoError(t, mb.Request(ctxT(t), "viz", GetCurrentState, map[string]any{"n": int64(1)}))
	require.NoError(t, mb.Request(ctxT(t), "viz", GetTemplates, map[string]any{"n": int64(2)}))

	req, found, err := mb.Consume(ctxT(t), "viz")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, GetTemplates, req.Type)
	assert.Equal(t, int64(2), req.Payload["n"])

	_, found, err = mb.Consume(ctxT(t), "viz")
	require.NoError(t, err)
	assert.False(t, found, "second consume in a row returns empty")
}

func TestRequest_Validation(t *testing.T) {
	_, mb, _ := setup(t)

	err := mb.Request(ctxT(t), "", GetCurrentState, nil)
	assert.True(t, errors.IsValidationError(err))

	err = mb.Request(ctxT(t), "viz", Type("reboot"), nil)
	assert.True(t, errors.IsValidationError(err))
}

func TestConsume_UnknownTypeIsDroppedAsProtocolError(t *testing.T) {
	s, mb, _ := setup(t)
	require.NoError(t, s.SetRequest(ctxT(t), "viz", "reboot", nil))

	_, found, err := mb.Consume(ctxT(t), "viz")
	require.Error(t, err)
	assert.True(t, found)
	assert.True(t, errors.IsProtocolError(err))

	_, found, err = mb.Consume(ctxT(t), "viz")
	require.NoError(t, err)
	assert.False(t, found, "bad request is deleted")
}

func TestConsume_ConcurrentConsumersSeeAtMostOnce(t *testing.T) {
	_, mb, _ := setup(t)
	require.NoError(t, mb.Request(ctxT(t), "viz", GetCurrentState, nil))

	ctx := ctxT(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	hits := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, found, err := mb.Consume(ctx, "viz")
			if err != nil {
				t.Error(err)
				return
			}
			if found {
				mu.Lock()
				hits++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, hits)
}

func TestCollect(t *testing.T) {
	_, mb, clk := setup(t)
	require.NoError(t, mb.Request(ctxT(t), "old", GetCurrentState, nil))
	clk.Advance(10 * time.Minute)
	require.NoError(t, mb.Request(ctxT(t), "new", GetCurrentState, nil))

	n, err := mb.Collect(ctxT(t), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, found, err := mb.Consume(ctxT(t), "old")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = mb.Consume(ctxT(t), "new")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("state")
	require.NoError(t, err)
	assert.Equal(t, GetCurrentState, typ)

	typ, err = ParseType("get_templates")
	require.NoError(t, err)
	assert.Equal(t, GetTemplates, typ)

	_, err = ParseType("reboot")
	assert.Error(t, err)
}
