package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/dashlog/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - index on checkin_log(username, event_ts) for current-state reads
// 2 - event_unix_us sort column on events, access_log and checkin_log
const currentSchemaVersion = 2

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEventCollision is returned when an event ID is already taken. Event
	// IDs hash only (type, timestamp), so this means two events of one type
	// were logged within the same timestamp resolution.
	ErrEventCollision = errors.New("event id collision")
)

// Store is the relational store every dashlog component reads and writes
// through. SQLite in WAL mode with a single connection: one writer, and
// single-row inserts are atomic.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path, applies pragmas, the
// schema and any pending migrations. Safe to call on an existing database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for ad hoc queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Tx is a write transaction handed to materializers.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn in a transaction. The transaction commits when fn returns
// nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental migrations based on PRAGMA user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_checkin_user_ts
		ON checkin_log(username, event_ts)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 adds event_unix_us where a v1 database lacks it and backfills
// it from event_ts. A v1 row logged in a repeated DST hour resolves to one
// of its two possible instants; rows written since v2 carry the exact one.
func migrateToV2(db *sql.DB) error {
	for _, table := range []string{"events", "access_log", "checkin_log"} {
		ok, err := hasColumn(db, table, "event_unix_us")
		if err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if ok {
			continue
		}
		if _, err := db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN event_unix_us INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("migrate to v2: add column to %s: %w", table, err)
		}
	}

	if err := backfillEventUnix(db); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	for _, table := range []string{"access_log", "checkin_log"} {
		_, err := db.Exec(`
			UPDATE ` + table + ` SET event_unix_us = (
				SELECT e.event_unix_us FROM events e WHERE e.event_id = ` + table + `.event_id
			)
			WHERE event_unix_us = 0
		`)
		if err != nil {
			return fmt.Errorf("migrate to v2: backfill %s: %w", table, err)
		}
	}

	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_unix ON events(event_unix_us);
		CREATE INDEX IF NOT EXISTS idx_checkin_user_unix ON checkin_log(username, event_unix_us);
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

func backfillEventUnix(db *sql.DB) error {
	rows, err := db.Query(`SELECT event_id, event_ts, timezone FROM events WHERE event_unix_us = 0`)
	if err != nil {
		return fmt.Errorf("backfill events: %w", err)
	}
	type stamp struct {
		id   string
		unix int64
	}
	var stamps []stamp
	for rows.Next() {
		ev := ir.Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Timezone); err != nil {
			rows.Close()
			return fmt.Errorf("backfill events: %w", err)
		}
		t, err := ev.Time()
		if err != nil {
			rows.Close()
			return fmt.Errorf("backfill event %s: %w", ev.ID, err)
		}
		stamps = append(stamps, stamp{id: ev.ID, unix: t.UnixMicro()})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("backfill events: %w", err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("backfill events: %w", err)
	}

	for _, st := range stamps {
		if _, err := db.Exec(`UPDATE events SET event_unix_us = ? WHERE event_id = ?`, st.unix, st.id); err != nil {
			return fmt.Errorf("backfill event %s: %w", st.id, err)
		}
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("table info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// isPrimaryKeyViolation reports whether err is a SQLite primary key conflict.
func isPrimaryKeyViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// verifyPragma checks that a pragma is set to the expected value. Tests only.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
