package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/vizq/internal/clock"
	"github.com/roach88/vizq/internal/errors"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Early layout without claim tracking (claimed_at, retry_count, error_code)
// 1 - Claim tracking columns present
const currentSchemaVersion = 1

// requiredColumns are probed after migration. A store missing any of them
// would silently lose claim protection, so Open fails instead.
var requiredColumns = map[string][]string{
	"commands":      {"id", "owner", "method", "params", "status", "issued_at", "created_at", "updated_at", "claimed_at", "result", "error", "error_code", "retry_count"},
	"state":         {"owner", "payload", "updated_at"},
	"requests":      {"owner", "type", "payload", "created_at"},
	"system_status": {"component", "status", "payload", "updated_at"},
}

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides durable storage for commands, state snapshots, requests
// and heartbeats.
type Store struct {
	db      *sql.DB
	dialect dialect
	retry   errors.RetryConfig
	clock   clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithDriver selects the database/sql driver: "sqlite3" (default),
// "sqlite" or "pgx". Unknown names fail at Open.
func WithDriver(name string) Option {
	return func(s *Store) {
		s.dialect = dialect{name: name}
	}
}

// WithRetry overrides the transient-error retry policy.
func WithRetry(cfg errors.RetryConfig) Option {
	return func(s *Store) {
		s.retry = cfg
	}
}

// WithClock sets the time source for created/updated/claimed timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = clock.OrReal(c)
	}
}

// Open creates or opens the store at dsn. For SQLite dialects dsn is a
// file path; its parent directory is created. For pgx it is a connection
// string.
//
// SQLite databases are configured with:
//   - DELETE journal mode (no WAL, safe on network filesystems)
//   - FULL synchronous mode
//   - 30-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(dsn string, opts ...Option) (*Store, error) {
	s := &Store{
		dialect: dialect{name: DriverSQLite3},
		retry:   errors.DefaultRetryConfig(),
		clock:   clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}

	d, err := lookupDialect(s.dialect.name)
	if err != nil {
		return nil, err
	}
	s.dialect = d

	if d.sqlite && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection per process: SQLite allows a single writer, and the
	// producer's watcher goroutine and user calls must not interleave.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s.db = db

	if d.sqlite {
		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the dialect name the store was opened with.
func (s *Store) Driver() string {
	return s.dialect.name
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// SchemaVersion returns the recorded schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = DELETE",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA cache_size = 1000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA locking_mode = NORMAL",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func (s *Store) applySchema() error {
	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}

	if err := s.runMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return s.verifyColumns()
}

// runMigrations applies incremental schema migrations based on schema_version.
func (s *Store) runMigrations() error {
	version, err := s.SchemaVersion(context.Background())
	if err != nil {
		return err
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return err
		}
	}

	if version == currentSchemaVersion {
		return nil
	}

	if _, err := s.db.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("reset schema version: %w", err)
	}
	if _, err := s.db.Exec(s.dialect.rebind("INSERT INTO schema_version (version) VALUES (?)"), currentSchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	return nil
}

// migrateToV1 adds the claim tracking columns to commands tables created
// by the early layout. New databases already have them from schema.sql.
// Any failure is returned: there is no fallback without claimed_at.
func (s *Store) migrateToV1() error {
	columns := []struct {
		name string
		ddl  string
	}{
		{"claimed_at", "ALTER TABLE commands ADD COLUMN claimed_at BIGINT"},
		{"retry_count", "ALTER TABLE commands ADD COLUMN retry_count BIGINT NOT NULL DEFAULT 0"},
		{"error_code", "ALTER TABLE commands ADD COLUMN error_code BIGINT NOT NULL DEFAULT 0"},
	}

	for _, col := range columns {
		if s.hasColumn("commands", col.name) {
			continue
		}
		if _, err := s.db.Exec(col.ddl); err != nil {
			return fmt.Errorf("migrate to v1: add %s: %w", col.name, err)
		}
	}
	return nil
}

// verifyColumns fails loudly when a table lacks a column the queue relies on.
func (s *Store) verifyColumns() error {
	for table, columns := range requiredColumns {
		for _, col := range columns {
			if !s.hasColumn(table, col) {
				return fmt.Errorf("table %s is missing column %s", table, col)
			}
		}
	}
	return nil
}

func (s *Store) hasColumn(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("SELECT %s FROM %s LIMIT 0", column, table))
	if err != nil {
		return false
	}
	rows.Close()
	return true
}

// splitStatements splits a schema script on ';', dropping comments and
// blank statements.
func splitStatements(script string) []string {
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		lines = append(lines, line)
	}

	var stmts []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if strings.TrimSpace(stmt) != "" {
			stmts = append(stmts, strings.TrimSpace(stmt))
		}
	}
	return stmts
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if !strings.EqualFold(value, expected) {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
