package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vizq/internal/errors"
)

func TestRebind(t *testing.T) {
	pg, err := lookupDialect(DriverPostgres)
	require.NoError(t, err)
	lite, err := lookupDialect(DriverSQLite3)
	require.NoError(t, err)

	query := "SELECT id FROM commands WHERE owner = ? AND status = ? LIMIT ?"
	assert.Equal(t, "SELECT id FROM commands WHERE owner = $1 AND status = $2 LIMIT $3", pg.rebind(query))
	assert.Equal(t, query, lite.rebind(query))
}

func TestLookupDialect(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		sqlite bool
	}{
		{"", DriverSQLite3, true},
		{"sqlite3", DriverSQLite3, true},
		{"sqlite", DriverSQLite, true},
		{"pgx", DriverPostgres, false},
		{"postgres", DriverPostgres, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := lookupDialect(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.name)
			assert.Equal(t, tt.sqlite, d.sqlite)
		})
	}
}

func TestTransient(t *testing.T) {
	d, err := lookupDialect(DriverSQLite3)
	require.NoError(t, err)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"mattn busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"mattn io", fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrIoErr}), true},
		{"mattn constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"locked message", errors.New("database is locked"), true},
		{"disk io message", errors.New("Disk I/O error"), true},
		{"malformed message", errors.New("database disk image is malformed"), true},
		{"cancelled", context.Canceled, false},
		{"other", errors.New("no such table: commands"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.transient(tt.err))
		})
	}
}

func TestDo_RetriesTransientThenSurfacesStorageError(t *testing.T) {
	s, _ := createClockedStore(t)

	calls := 0
	err := s.do(ctxT(t), "probe", func(ctx context.Context) error {
		calls++
		return errors.New("database is locked")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.IsStorageError(err))

	var storageErr *errors.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "probe", storageErr.Op)
	assert.True(t, storageErr.Retryable)
}

func TestDo_DoesNotRetrySentinels(t *testing.T) {
	s, _ := createClockedStore(t)

	calls := 0
	err := s.do(ctxT(t), "probe", func(ctx context.Context) error {
		calls++
		return ErrNotFound
	})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestDo_RecoversAfterTransient(t *testing.T) {
	s, _ := createClockedStore(t)

	calls := 0
	err := s.do(ctxT(t), "probe", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return sqlite3.Error{Code: sqlite3.ErrLocked}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
