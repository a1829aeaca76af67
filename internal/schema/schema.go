// Package schema owns the SQLite table/index/trigger definitions for the
// memory store, replication log, peer registry, and raw-event pipeline.
package schema

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// CurrentVersion is the current schema version.
const CurrentVersion = 1

// OpenDB opens a SQLite database connection with the pragmas the store
// requires: WAL journaling so the writer and readers don't block each
// other, a busy timeout so a momentarily-locked db doesn't surface as a
// hard error, and foreign keys on.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA wal_autocheckpoint = 1000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return db, nil
}

// Migrate brings db up to CurrentVersion, initializing it from scratch if
// the schema_version table does not yet exist. It is idempotent: at the
// current version it only performs cheap normalizations, never a full
// re-migration.
func Migrate(db *sql.DB) error {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return InitDB(db)
	}
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	version, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	if version == 0 {
		return InitDB(db)
	}
	if version == CurrentVersion {
		return normalizeKinds(db)
	}
	if version < CurrentVersion {
		if err := runMigrations(db, version, CurrentVersion); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	return normalizeKinds(db)
}

// InitDB initializes a new database with the current schema.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createVersionTable(tx); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}
	if err := createTables(tx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if err := createIndexes(tx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	if err := createFTS(tx); err != nil {
		return fmt.Errorf("create fts: %w", err)
	}
	if err := setSchemaVersion(tx, CurrentVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	return tx.Commit()
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

func createVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// CanonicalKinds is the ordered set of allowed memory item kinds.
var CanonicalKinds = []string{
	"session_summary", "decision", "feature", "bugfix", "refactor",
	"change", "discovery", "exploration", "note", "observation", "entities",
}

func createTables(tx *sql.Tx) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id   TEXT PRIMARY KEY,
			started_at   TEXT NOT NULL,
			ended_at     TEXT,
			cwd          TEXT,
			project      TEXT,
			user         TEXT,
			tool_version TEXT,
			git_remote   TEXT,
			git_branch   TEXT,
			metadata     TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS memory_items (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			kind        TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			body_text   TEXT NOT NULL DEFAULT '',
			confidence  REAL NOT NULL DEFAULT 0.5,
			tags_text   TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			active      INTEGER NOT NULL DEFAULT 1,
			metadata    TEXT,
			import_key  TEXT,
			project     TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS memory_vectors (
			memory_id INTEGER PRIMARY KEY,
			dim       INTEGER NOT NULL,
			vector    BLOB NOT NULL,
			FOREIGN KEY (memory_id) REFERENCES memory_items(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS replication_ops (
			op_id           TEXT PRIMARY KEY,
			created_at      TEXT NOT NULL,
			origin_device_id TEXT NOT NULL,
			entity_type     TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			op_type         TEXT NOT NULL,
			payload         TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS replication_receipts (
			op_id             TEXT PRIMARY KEY,
			source_device_id  TEXT NOT NULL,
			received_at       TEXT NOT NULL,
			FOREIGN KEY (op_id) REFERENCES replication_ops(op_id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS sync_peers (
			peer_device_id         TEXT PRIMARY KEY,
			pinned_fingerprint     TEXT,
			public_key             TEXT,
			known_addresses        TEXT NOT NULL DEFAULT '[]',
			last_success_at        TEXT,
			last_success_address   TEXT,
			replication_last_applied TEXT,
			replication_last_acked   TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS sync_attempts (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			peer_device_id  TEXT NOT NULL,
			started_at      TEXT NOT NULL,
			ok              INTEGER NOT NULL,
			error           TEXT,
			ops_in          INTEGER NOT NULL DEFAULT 0,
			ops_out         INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS raw_event_sessions (
			session_id       TEXT PRIMARY KEY,
			started_at       TEXT,
			last_activity_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS raw_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			event_id    TEXT NOT NULL,
			event_seq   INTEGER NOT NULL,
			event_type  TEXT NOT NULL,
			ts_wall_ms  INTEGER NOT NULL,
			ts_mono_ms  INTEGER NOT NULL,
			payload     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			UNIQUE(session_id, event_id)
		)`,

		`CREATE TABLE IF NOT EXISTS raw_event_ingest_stats (
			session_id       TEXT PRIMARY KEY,
			inserted_events  INTEGER NOT NULL DEFAULT 0,
			skipped_events   INTEGER NOT NULL DEFAULT 0,
			skipped_invalid  INTEGER NOT NULL DEFAULT 0,
			skipped_duplicate INTEGER NOT NULL DEFAULT 0,
			skipped_conflict INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS raw_event_ingest_samples (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			event_id    TEXT NOT NULL,
			reason      TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS raw_event_flush_batches (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id     TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'pending',
			attempt_count  INTEGER NOT NULL DEFAULT 1,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS usage_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			event       TEXT NOT NULL,
			tokens_read INTEGER NOT NULL DEFAULT 0,
			tokens_saved INTEGER NOT NULL DEFAULT 0,
			project     TEXT,
			metadata    TEXT,
			created_at  TEXT NOT NULL
		)`,
	}

	for _, t := range tables {
		if _, err := tx.Exec(t); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_memory_items_session ON memory_items(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_kind ON memory_items(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_created ON memory_items(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_active ON memory_items(active)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_project ON memory_items(project)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_items_import_key_active
			ON memory_items(import_key) WHERE active = 1 AND import_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_replication_ops_origin ON replication_ops(origin_device_id, created_at, op_id)`,
		`CREATE INDEX IF NOT EXISTS idx_replication_receipts_source ON replication_receipts(source_device_id, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_replication_ops_entity ON replication_ops(entity_type, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_replication_ops_order ON replication_ops(created_at, op_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_attempts_peer ON sync_attempts(peer_device_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_events_session ON raw_events(session_id, event_seq)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_events_status ON raw_events(status)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_event ON usage_events(event, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_project ON usage_events(project, created_at DESC)`,
	}
	for _, i := range indexes {
		if _, err := tx.Exec(i); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// createFTS creates the full-text and trigram (fuzzy) virtual tables that
// shadow memory_items, plus the triggers that keep them synchronized.
// Grounded on the FTS5-content-table-plus-sync-triggers pattern used by
// the retrieved SQLite memory-store examples (claude-chronicle, engram).
func createFTS(tx *sql.Tx) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_items_fts USING fts5(
			title, body_text, tags_text, kind,
			content='memory_items', content_rowid='id'
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_items_trgm USING fts5(
			title, body_text,
			content='memory_items', content_rowid='id',
			tokenize='trigram'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_ai AFTER INSERT ON memory_items BEGIN
			INSERT INTO memory_items_fts(rowid, title, body_text, tags_text, kind)
			VALUES (new.id, new.title, new.body_text, new.tags_text, new.kind);
			INSERT INTO memory_items_trgm(rowid, title, body_text)
			VALUES (new.id, new.title, new.body_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_ad AFTER DELETE ON memory_items BEGIN
			INSERT INTO memory_items_fts(memory_items_fts, rowid, title, body_text, tags_text, kind)
			VALUES('delete', old.id, old.title, old.body_text, old.tags_text, old.kind);
			INSERT INTO memory_items_trgm(memory_items_trgm, rowid, title, body_text)
			VALUES('delete', old.id, old.title, old.body_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_au AFTER UPDATE ON memory_items BEGIN
			INSERT INTO memory_items_fts(memory_items_fts, rowid, title, body_text, tags_text, kind)
			VALUES('delete', old.id, old.title, old.body_text, old.tags_text, old.kind);
			INSERT INTO memory_items_fts(rowid, title, body_text, tags_text, kind)
			VALUES (new.id, new.title, new.body_text, new.tags_text, new.kind);
			INSERT INTO memory_items_trgm(memory_items_trgm, rowid, title, body_text)
			VALUES('delete', old.id, old.title, old.body_text);
			INSERT INTO memory_items_trgm(rowid, title, body_text)
			VALUES (new.id, new.title, new.body_text);
		END`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return fmt.Errorf("fts setup: %w", err)
		}
	}
	return nil
}

// runMigrations is the hook future schema_version bumps attach to. There
// is only one version today; this stays structured the way the teacher's
// migration runner is structured so a real migration slots in without a
// reshape.
func runMigrations(db *sql.DB, startVersion, endVersion int) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_ = startVersion
	_ = endVersion

	if err := setSchemaVersion(tx, endVersion); err != nil {
		return err
	}
	return tx.Commit()
}

// normalizeKinds lowercases and trims every item's kind column, an
// idempotent pass run by Migrate. Values outside the canonical kind set
// are left as they are.
func normalizeKinds(db *sql.DB) error {
	_, err := db.Exec(`UPDATE memory_items SET kind = lower(trim(kind)) WHERE kind != lower(trim(kind))`)
	return err
}
