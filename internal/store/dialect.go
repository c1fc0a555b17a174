package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/roach88/vizq/internal/errors"
)

// Supported drivers.
const (
	DriverSQLite3  = "sqlite3" // github.com/mattn/go-sqlite3 (cgo)
	DriverSQLite   = "sqlite"  // modernc.org/sqlite (pure Go)
	DriverPostgres = "pgx"     // github.com/jackc/pgx/v5/stdlib
)

// Drivers lists the accepted driver names.
func Drivers() []string {
	return []string{DriverSQLite3, DriverSQLite, DriverPostgres}
}

type dialect struct {
	name     string
	driver   string
	sqlite   bool
	numbered bool // $1, $2 placeholders
}

func lookupDialect(name string) (dialect, error) {
	switch name {
	case "", DriverSQLite3:
		return dialect{name: DriverSQLite3, driver: "sqlite3", sqlite: true}, nil
	case DriverSQLite:
		return dialect{name: DriverSQLite, driver: "sqlite", sqlite: true}, nil
	case DriverPostgres, "postgres":
		return dialect{name: DriverPostgres, driver: "pgx", numbered: true}, nil
	default:
		return dialect{}, fmt.Errorf("unknown store driver %q (want one of %s)", name, strings.Join(Drivers(), ", "))
	}
}

// rebind rewrites '?' placeholders to '$n' for Postgres. Queries in this
// package never contain '?' inside string literals.
func (d dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// transientMessages match driver errors that clear up on their own when
// the backing file sits on a contended or flaky network mount.
var transientMessages = []string{
	"database is locked",
	"database table is locked",
	"disk i/o error",
	"unable to open database",
	"database disk image is malformed",
	"sqlite_busy",
}

// transient reports whether err is worth retrying.
func (d dialect) transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var mattnErr sqlite3.Error
	if errors.As(err, &mattnErr) {
		switch mattnErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrCorrupt:
			return true
		}
		return false
	}

	var moderncErr *sqlite.Error
	if errors.As(err, &moderncErr) {
		switch moderncErr.Code() & 0xff {
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED, sqlitelib.SQLITE_IOERR, sqlitelib.SQLITE_CANTOPEN, sqlitelib.SQLITE_CORRUPT:
			return true
		}
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P01", // admin_shutdown
			"08000", "08003", "08006": // connection exceptions
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
