package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_UpsertKeepsOneRow(t *testing.T) {
	s, clk := createClockedStore(t)

	require.NoError(t, s.SetState(ctxT(t), "o", []byte(`{"v":1}`)))
	clk.Advance(time.Second)
	require.NoError(t, s.SetState(ctxT(t), "o", []byte(`{"v":2}`)))

	row, err := s.GetState(ctxT(t), "o")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(row.Payload))
	assert.Equal(t, clk.Now().UnixNano(), row.UpdatedAt.UnixNano())

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM state").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestState_MissingOwner(t *testing.T) {
	s, _ := createClockedStore(t)

	_, err := s.GetState(ctxT(t), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequest_LastWriteWins(t *testing.T) {
	s, _ := createClockedStore(t)

	require.NoError(t, s.SetRequest(ctxT(t), "o", "get_current_state", []byte(`{"n":1}`)))
	require.NoError(t, s.SetRequest(ctxT(t), "o", "get_templates", []byte(`{"n":2}`)))

	req, err := s.TakeRequest(ctxT(t), "o")
	require.NoError(t, err)
	assert.Equal(t, "get_templates", req.Type)
	assert.JSONEq(t, `{"n":2}`, string(req.Payload))

	_, err = s.TakeRequest(ctxT(t), "o")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequest_TakeIsConsumeOnceUnderContention(t *testing.T) {
	s, _ := createClockedStore(t)
	require.NoError(t, s.SetRequest(ctxT(t), "o", "get_current_state", nil))
	ctx := ctxT(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		took int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TakeRequest(ctx, "o"); err == nil {
				mu.Lock()
				took++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, took)
}

func TestRequest_OwnersAreIsolated(t *testing.T) {
	s, _ := createClockedStore(t)
	require.NoError(t, s.SetRequest(ctxT(t), "a", "get_current_state", nil))

	_, err := s.TakeRequest(ctxT(t), "b")
	assert.ErrorIs(t, err, ErrNotFound)

	req, err := s.TakeRequest(ctxT(t), "a")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(req.Payload))
}

func TestDeleteRequestsOlderThan(t *testing.T) {
	s, clk := createClockedStore(t)
	require.NoError(t, s.SetRequest(ctxT(t), "old", "get_current_state", nil))
	clk.Advance(10 * time.Minute)
	require.NoError(t, s.SetRequest(ctxT(t), "new", "get_current_state", nil))

	deleted, err := s.DeleteRequestsOlderThan(ctxT(t), clk.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.TakeRequest(ctxT(t), "new")
	assert.NoError(t, err)
}

func TestComponentStatus_Upsert(t *testing.T) {
	s, _ := createClockedStore(t)

	require.NoError(t, s.SetComponentStatus(ctxT(t), ComponentStatus{
		Component: "executor",
		Status:    "online",
		Payload:   map[string]any{"loops": int64(10)},
	}))
	require.NoError(t, s.SetComponentStatus(ctxT(t), ComponentStatus{
		Component: "executor",
		Status:    "error",
		Payload:   map[string]any{"loops": int64(11), "last_error": "boom"},
	}))

	st, err := s.GetComponentStatus(ctxT(t), "executor")
	require.NoError(t, err)
	assert.Equal(t, "error", st.Status)
	assert.Equal(t, int64(11), st.Payload["loops"])
	assert.Equal(t, "boom", st.Payload["last_error"])

	_, err = s.GetComponentStatus(ctxT(t), "producer")
	assert.ErrorIs(t, err, ErrNotFound)
}
