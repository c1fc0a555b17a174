package store

import (
	"database/sql"
	"time"

	"github.com/roach88/vizq/internal/payload"
)

// toNanos stores times as unix nanoseconds. The zero time maps to 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromNanos(n.Int64)
}

func nullNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// marshalParams serializes params to canonical JSON, `{}` when nil.
func marshalParams(m payload.Map) (string, error) {
	b, err := payload.MarshalMap(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// marshalResult serializes a result; nil results are stored as NULL.
func marshalResult(m payload.Map) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := payload.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
