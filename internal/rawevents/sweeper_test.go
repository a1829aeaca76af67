package rawevents_test

import (
	"context"
	"testing"
	"time"

	"github.com/kunickiaj/codemem/internal/rawevents"
)

func TestSweeper_FlushesSessionsWithPendingEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, _, err := rawevents.RecordRawEvent(ctx, db, "sess1", "evt1", "tool_call", []byte(`{}`), 1000, 2000); err != nil {
		t.Fatalf("RecordRawEvent failed: %v", err)
	}

	flushed := make(chan string, 1)
	f := rawevents.NewFlusher(time.Hour, func(ctx context.Context, sessionID string) error {
		flushed <- sessionID
		return nil
	}, nil)

	sweeper := rawevents.NewSweeper(db, f, rawevents.SweeperConfig{
		Interval:     time.Hour,
		StuckBatchMS: int64(5 * time.Minute / time.Millisecond),
		IdleMS:       int64(time.Hour / time.Millisecond),
		PendingLimit: 10,
	})
	sweeper.Tick(ctx)

	select {
	case sid := <-flushed:
		if sid != "sess1" {
			t.Errorf("flushed session = %q, want sess1", sid)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not flush the pending session")
	}
}

func TestSweeper_MarksStuckBatchesAsError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	batchID, err := rawevents.StartBatch(ctx, db, "sess1")
	if err != nil {
		t.Fatalf("StartBatch failed: %v", err)
	}
	// Back-date the batch so it looks stuck beyond the threshold.
	if _, err := db.ExecContext(ctx, `UPDATE raw_event_flush_batches SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano), batchID); err != nil {
		t.Fatalf("back-date batch: %v", err)
	}

	f := rawevents.NewFlusher(time.Hour, func(ctx context.Context, sessionID string) error { return nil }, nil)
	sweeper := rawevents.NewSweeper(db, f, rawevents.SweeperConfig{
		Interval:     time.Hour,
		StuckBatchMS: int64(5 * time.Minute / time.Millisecond),
		IdleMS:       int64(time.Hour / time.Millisecond),
	})
	sweeper.Tick(ctx)

	var status string
	if err := db.QueryRowContext(ctx, `SELECT status FROM raw_event_flush_batches WHERE id = ?`, batchID).Scan(&status); err != nil {
		t.Fatalf("query batch status: %v", err)
	}
	if status != string(rawevents.BatchError) {
		t.Errorf("status = %q, want %q", status, rawevents.BatchError)
	}
}
