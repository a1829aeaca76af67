package schema_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/kunickiaj/codemem/internal/schema"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "codemem.sqlite")
	db, err := schema.OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := schema.Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestOpenDBPragmas(t *testing.T) {
	h := openTestDB(t)

	var journalMode string
	if err := h.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	var busyTimeout int
	if err := h.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", busyTimeout)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	h := openTestDB(t)

	if err := schema.Migrate(h); err != nil {
		t.Fatalf("second Migrate call failed: %v", err)
	}

	version, err := schema.GetSchemaVersion(h)
	if err != nil {
		t.Fatalf("GetSchemaVersion: %v", err)
	}
	if version != schema.CurrentVersion {
		t.Errorf("version = %d, want %d", version, schema.CurrentVersion)
	}
}

func TestFTSSyncsOnInsert(t *testing.T) {
	h := openTestDB(t)

	_, err := h.Exec(`INSERT INTO memory_items
		(session_id, kind, title, body_text, tags_text, created_at, updated_at)
		VALUES ('s1', 'decision', 'use sqlite', 'because pure go driver', 'sqlite driver', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("insert memory_item: %v", err)
	}

	var count int
	err = h.QueryRow(`SELECT count(*) FROM memory_items_fts WHERE memory_items_fts MATCH 'sqlite'`).Scan(&count)
	if err != nil {
		t.Fatalf("fts query: %v", err)
	}
	if count != 1 {
		t.Errorf("fts match count = %d, want 1", count)
	}
}

func TestNormalizeKindsOnReMigrate(t *testing.T) {
	h := openTestDB(t)

	_, err := h.Exec(`INSERT INTO memory_items
		(session_id, kind, title, body_text, tags_text, created_at, updated_at)
		VALUES ('s1', ' Decision ', 't', 'b', '', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := schema.Migrate(h); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	var kind string
	if err := h.QueryRow(`SELECT kind FROM memory_items LIMIT 1`).Scan(&kind); err != nil {
		t.Fatalf("select kind: %v", err)
	}
	if kind != "decision" {
		t.Errorf("kind = %q, want decision", kind)
	}
}
