package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func tableNames(t *testing.T, db *DB) map[string]bool {
	t.Helper()
	rows, err := db.db.Query("SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	defer rows.Close()

	names := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		names[name] = true
	}
	return names
}

func TestNew_AppliesEveryMigration(t *testing.T) {
	db := newTestDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("schema version = %d, want %d", v, len(migrations))
	}

	have := tableNames(t, db)
	for _, want := range []string{"mail", "mail_labels", "labels", "profile", "sync_state"} {
		if !have[want] {
			t.Errorf("table %q missing, have %v", want, have)
		}
	}
}

func TestMigrate_NoopWhenCurrent(t *testing.T) {
	db := newTestDB(t)
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate() error: %v", err)
	}
	if v, _ := db.SchemaVersion(); v != len(migrations) {
		t.Errorf("schema version = %d after re-run, want %d", v, len(migrations))
	}
}

func TestMigrate_RefusesNewerSchema(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	err := db.migrate()
	if err == nil || !strings.Contains(err.Error(), "newer than this build") {
		t.Errorf("migrate() error = %v, want a version mismatch", err)
	}
}

func TestNew_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.db")
	ctx := context.Background()

	db, err := New(path)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	seedMail(t, db, testMail("m1", 0))
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	db, err = New(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer db.Close()
	if _, err := db.GetMail(ctx, "m1"); err != nil {
		t.Errorf("GetMail() after reopen error: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db := newTestDB(t)
	insert := "INSERT INTO profile (id, email) VALUES ('p1', 'ada@example.com')"
	if _, err := db.db.Exec(insert); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := db.db.Exec(insert)
	if !isUniqueViolation(err) {
		t.Errorf("isUniqueViolation(%v) = false, want true", err)
	}
	if isUniqueViolation(errors.New("disk I/O error")) {
		t.Error("isUniqueViolation() matched a non-sqlite error")
	}
}

func TestMillis(t *testing.T) {
	if got := toMillis(time.Time{}); got != 0 {
		t.Errorf("toMillis(zero) = %d, want 0", got)
	}
	if got := fromMillis(0); !got.IsZero() {
		t.Errorf("fromMillis(0) = %v, want zero", got)
	}
	ts := time.Date(2025, 6, 15, 10, 0, 0, 123e6, time.UTC)
	if got := fromMillis(toMillis(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
}

func TestParseStatus_Corrupt(t *testing.T) {
	if _, err := parseStatus("queued"); err == nil {
		t.Error("parseStatus() accepted an unknown status")
	}
	if got, err := parseStatus("failed"); err != nil || got != domain.SyncStatusFailed {
		t.Errorf("parseStatus(failed) = %q, %v", got, err)
	}
}
