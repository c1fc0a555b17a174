package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/testutil"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createClockedStore creates a store driven by a fake clock.
func createClockedStore(t *testing.T) (*Store, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(time.Time{})
	return createTestStore(t, WithClock(clk), WithRetry(fastRetry())), clk
}

func fastRetry() errors.RetryConfig {
	return errors.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func insertTestCommand(t *testing.T, s *Store, id, owner, method string, issued time.Time) {
	t.Helper()
	_, inserted, err := s.InsertCommand(ctxT(t), NewCommand{
		ID:       id,
		Owner:    owner,
		Method:   method,
		Params:   map[string]any{"id": id},
		IssuedAt: issued,
	})
	if err != nil {
		t.Fatalf("InsertCommand(%s) failed: %v", id, err)
	}
	if !inserted {
		t.Fatalf("InsertCommand(%s) unexpectedly deduplicated", id)
	}
}
