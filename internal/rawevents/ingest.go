// Package rawevents implements the raw-event ingestion pipeline: a
// deduplicated append-only event log per session, a debounced per-session
// flush that hands batches to an external classifier, and an idle sweeper
// that drains sessions nothing else has touched recently.
package rawevents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kunickiaj/codemem/internal/safedb"
)

// IngestReason classifies why record_raw_event did or didn't insert a row.
type IngestReason string

const (
	ReasonInserted  IngestReason = "inserted"
	ReasonDuplicate IngestReason = "skipped_duplicate"
	ReasonConflict  IngestReason = "skipped_conflict"
	ReasonInvalid   IngestReason = "skipped_invalid"
)

// RecordRawEvent inserts (session_id, event_id) if new, matching spec
// semantics exactly: a byte-identical replay of an already-seen event is a
// duplicate (not dropped); a same-id event with a different payload is a
// conflict (dropped); an empty or non-JSON payload is invalid (dropped).
func RecordRawEvent(ctx context.Context, db *safedb.DB, sessionID, eventID, eventType string, payload json.RawMessage, tsWallMs, tsMonoMs int64) (bool, IngestReason, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		if err := bumpStat(ctx, db, sessionID, "skipped_invalid"); err != nil {
			return false, ReasonInvalid, err
		}
		return false, ReasonInvalid, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin ingest tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM raw_events WHERE session_id = ? AND event_id = ?`, sessionID, eventID).Scan(&existing)
	switch {
	case err == nil:
		reason := ReasonDuplicate
		if existing != string(payload) {
			reason = ReasonConflict
		}
		if err := bumpStatTx(ctx, tx, sessionID, string(reason)); err != nil {
			return false, reason, err
		}
		return false, reason, tx.Commit()
	case err != sql.ErrNoRows:
		return false, "", fmt.Errorf("check existing raw event: %w", err)
	}

	var nextSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_seq), 0) + 1 FROM raw_events WHERE session_id = ?`, sessionID).Scan(&nextSeq); err != nil {
		return false, "", fmt.Errorf("compute event sequence: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO raw_events (session_id, event_id, event_seq, event_type, ts_wall_ms, ts_mono_ms, payload, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')`,
		sessionID, eventID, nextSeq, eventType, tsWallMs, tsMonoMs, string(payload)); err != nil {
		return false, "", fmt.Errorf("insert raw event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO raw_event_sessions (session_id, started_at, last_activity_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_activity_at = excluded.last_activity_at`,
		sessionID, now, now); err != nil {
		return false, "", fmt.Errorf("touch raw event session: %w", err)
	}

	if err := bumpStatTx(ctx, tx, sessionID, "inserted_events"); err != nil {
		return false, "", err
	}
	return true, ReasonInserted, tx.Commit()
}

func bumpStat(ctx context.Context, db *safedb.DB, sessionID, column string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	if err := bumpStatTx(ctx, tx, sessionID, column); err != nil {
		return err
	}
	return tx.Commit()
}

func bumpStatTx(ctx context.Context, tx *sql.Tx, sessionID, column string) error {
	skippedDelta := 0
	if column != "inserted_events" {
		skippedDelta = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO raw_event_ingest_stats (session_id) VALUES (?)
		ON CONFLICT(session_id) DO NOTHING`, sessionID); err != nil {
		return fmt.Errorf("update ingest stats: %w", err)
	}
	query := fmt.Sprintf(`
		UPDATE raw_event_ingest_stats SET
			%s = %s + 1,
			skipped_events = skipped_events + ?
		WHERE session_id = ?`, column, column)
	_, err := tx.ExecContext(ctx, query, skippedDelta, sessionID)
	if err != nil {
		return fmt.Errorf("update ingest stats: %w", err)
	}
	return nil
}

// IngestStats mirrors one session's row in raw_event_ingest_stats.
type IngestStats struct {
	SessionID        string
	InsertedEvents   int64
	SkippedEvents    int64
	SkippedInvalid   int64
	SkippedDuplicate int64
	SkippedConflict  int64
}

// Stats loads the ingest counters for a session.
func Stats(ctx context.Context, db *safedb.DB, sessionID string) (IngestStats, error) {
	var s IngestStats
	s.SessionID = sessionID
	err := db.QueryRowContext(ctx, `
		SELECT inserted_events, skipped_events, skipped_invalid, skipped_duplicate, skipped_conflict
		FROM raw_event_ingest_stats WHERE session_id = ?`, sessionID).
		Scan(&s.InsertedEvents, &s.SkippedEvents, &s.SkippedInvalid, &s.SkippedDuplicate, &s.SkippedConflict)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("load ingest stats: %w", err)
	}
	return s, nil
}
