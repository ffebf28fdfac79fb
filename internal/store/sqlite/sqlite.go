package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// DB wraps a sql.DB connection to a SQLite database.
//
// Every exported method holds mu for its whole duration: reads share it,
// writes take it exclusively. A reader therefore never observes a record
// half written, while a multi-record batch driven by a caller is committed
// one call at a time.
type DB struct {
	mu sync.RWMutex
	db *sql.DB
}

// New opens the store at path and brings its schema up to date. Use
// ":memory:" for a throwaway database.
func New(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = path + "?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// SchemaVersion reports how many migrations the database has run.
func (s *DB) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemaVersion()
}

func (s *DB) schemaVersion() (int, error) {
	var v int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func (s *DB) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", current, len(migrations))
	}
	for v := current; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", v+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", v+1, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Timestamps are stored as Unix milliseconds so that range predicates
// compare numerically.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseStatus(s string) (domain.SyncStatus, error) {
	status, err := domain.ParseSyncStatus(s)
	if err != nil {
		return "", fmt.Errorf("corrupt sync_status column: %w", err)
	}
	return status, nil
}
