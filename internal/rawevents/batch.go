package rawevents

import (
	"context"
	"fmt"
	"time"

	"github.com/kunickiaj/codemem/internal/safedb"
)

// BatchStatus is the lifecycle state of one flush attempt.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchCompleted BatchStatus = "completed"
	BatchError     BatchStatus = "error"
)

// StartBatch records a new flush attempt for sessionID, with attempt_count
// one more than the session's prior attempts, and returns its row id.
func StartBatch(ctx context.Context, db *safedb.DB, sessionID string) (int64, error) {
	var prevMax int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt_count), 0) FROM raw_event_flush_batches WHERE session_id = ?`, sessionID).Scan(&prevMax); err != nil {
		return 0, fmt.Errorf("compute attempt count: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := db.ExecContext(ctx, `
		INSERT INTO raw_event_flush_batches (session_id, status, attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, sessionID, BatchPending, prevMax+1, now, now)
	if err != nil {
		return 0, fmt.Errorf("start batch: %w", err)
	}
	return res.LastInsertId()
}

// FinishBatch transitions a batch to its terminal status.
func FinishBatch(ctx context.Context, db *safedb.DB, batchID int64, status BatchStatus) error {
	_, err := db.ExecContext(ctx, `UPDATE raw_event_flush_batches SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), batchID)
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	return nil
}

// PendingEvents loads a session's not-yet-completed raw events in order.
func PendingEvents(ctx context.Context, db *safedb.DB, sessionID string) ([]RawEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT event_id, event_type, payload, ts_wall_ms FROM raw_events
		WHERE session_id = ? AND status = 'pending' ORDER BY event_seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var out []RawEvent
	for rows.Next() {
		var e RawEvent
		var payload string
		if err := rows.Scan(&e.EventID, &e.EventType, &payload, &e.TsWallMs); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEventsCompleted flips a session's pending events to completed, after
// they have been successfully classified and written.
func MarkEventsCompleted(ctx context.Context, db *safedb.DB, sessionID string, eventIDs []string) error {
	for _, id := range eventIDs {
		if _, err := db.ExecContext(ctx, `UPDATE raw_events SET status = 'completed' WHERE session_id = ? AND event_id = ?`, sessionID, id); err != nil {
			return fmt.Errorf("mark event completed: %w", err)
		}
	}
	return nil
}
