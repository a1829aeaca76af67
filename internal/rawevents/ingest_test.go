package rawevents_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/kunickiaj/codemem/internal/rawevents"
	"github.com/kunickiaj/codemem/internal/safedb"
	"github.com/kunickiaj/codemem/internal/schema"
)

func newTestDB(t *testing.T) *safedb.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rawevents.db")
	db, err := schema.OpenDB(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := schema.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return safedb.New(db)
}

func TestRecordRawEvent_InsertsNewEvent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ok, reason, err := rawevents.RecordRawEvent(ctx, db, "sess1", "evt1", "tool_call", []byte(`{"tool":"grep"}`), 1000, 2000)
	if err != nil {
		t.Fatalf("RecordRawEvent failed: %v", err)
	}
	if !ok || reason != rawevents.ReasonInserted {
		t.Errorf("expected inserted, got ok=%v reason=%v", ok, reason)
	}

	stats, err := rawevents.Stats(ctx, db, "sess1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.InsertedEvents != 1 {
		t.Errorf("InsertedEvents = %d, want 1", stats.InsertedEvents)
	}
}

func TestRecordRawEvent_DuplicateReplay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	payload := []byte(`{"tool":"grep"}`)

	if _, _, err := rawevents.RecordRawEvent(ctx, db, "sess1", "evt1", "tool_call", payload, 1000, 2000); err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	ok, reason, err := rawevents.RecordRawEvent(ctx, db, "sess1", "evt1", "tool_call", payload, 1000, 2000)
	if err != nil {
		t.Fatalf("second record failed: %v", err)
	}
	if ok {
		t.Error("expected duplicate replay to report not-inserted")
	}
	if reason != rawevents.ReasonDuplicate {
		t.Errorf("reason = %v, want %v", reason, rawevents.ReasonDuplicate)
	}

	stats, err := rawevents.Stats(ctx, db, "sess1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.InsertedEvents != 1 {
		t.Errorf("InsertedEvents = %d, want 1", stats.InsertedEvents)
	}
	if stats.SkippedDuplicate != 1 {
		t.Errorf("SkippedDuplicate = %d, want 1", stats.SkippedDuplicate)
	}
	if stats.SkippedInvalid+stats.SkippedConflict != 0 {
		t.Error("duplicate replay must not count toward dropped events")
	}
}

func TestRecordRawEvent_ConflictingPayload(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, _, err := rawevents.RecordRawEvent(ctx, db, "sess1", "evt1", "tool_call", []byte(`{"tool":"grep"}`), 1000, 2000); err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	ok, reason, err := rawevents.RecordRawEvent(ctx, db, "sess1", "evt1", "tool_call", []byte(`{"tool":"edit"}`), 1000, 2000)
	if err != nil {
		t.Fatalf("second record failed: %v", err)
	}
	if ok || reason != rawevents.ReasonConflict {
		t.Errorf("expected conflict, got ok=%v reason=%v", ok, reason)
	}

	stats, err := rawevents.Stats(ctx, db, "sess1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.SkippedConflict != 1 {
		t.Errorf("SkippedConflict = %d, want 1", stats.SkippedConflict)
	}
}

func TestRecordRawEvent_InvalidPayload(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ok, reason, err := rawevents.RecordRawEvent(ctx, db, "sess1", "evt1", "tool_call", []byte(`not json`), 1000, 2000)
	if err != nil {
		t.Fatalf("RecordRawEvent failed: %v", err)
	}
	if ok || reason != rawevents.ReasonInvalid {
		t.Errorf("expected invalid, got ok=%v reason=%v", ok, reason)
	}

	stats, err := rawevents.Stats(ctx, db, "sess1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.SkippedInvalid != 1 {
		t.Errorf("SkippedInvalid = %d, want 1", stats.SkippedInvalid)
	}
}

func TestRecordRawEvent_EventSequenceIncrements(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := rawevents.RecordRawEvent(ctx, db, "sess1", fmt.Sprintf("evt%d", i), "tool_call", []byte(`{}`), 1000, 2000); err != nil {
			t.Fatalf("record %d failed: %v", i, err)
		}
	}

	events, err := rawevents.PendingEvents(ctx, db, "sess1")
	if err != nil {
		t.Fatalf("PendingEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 pending events, got %d", len(events))
	}
}
