package replication_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/kunickiaj/codemem/internal/replication"
)

type fakeApplier struct {
	upserts []string
	deletes []string
	// seen makes ApplyMemoryItemUpsert report inserted=true the
	// first time a given entity id is seen, updated thereafter.
	seen map[string]bool
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{seen: map[string]bool{}}
}

func (f *fakeApplier) ApplyMemoryItemUpsert(ctx context.Context, tx *sql.Tx, entityID string, payload map[string]any) (bool, error) {
	f.upserts = append(f.upserts, entityID)
	inserted := !f.seen[entityID]
	f.seen[entityID] = true
	return inserted, nil
}

func (f *fakeApplier) ApplyMemoryItemDelete(ctx context.Context, tx *sql.Tx, entityID string) error {
	f.deletes = append(f.deletes, entityID)
	return nil
}

func (f *fakeApplier) ApplySessionUpsert(ctx context.Context, tx *sql.Tx, entityID string, payload map[string]any) (bool, error) {
	inserted := !f.seen[entityID]
	f.seen[entityID] = true
	return inserted, nil
}

func TestApplyOpsInsertsAndUpdates(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	applier := newFakeApplier()
	ops := []replication.Op{
		{OpID: replication.NewOpID(), CreatedAt: time.Unix(1, 0).UTC(), OriginDeviceID: "device-a", EntityType: "memory_item", EntityID: "mem_1", OpType: "upsert", Payload: map[string]any{"body": "a"}},
		{OpID: replication.NewOpID(), CreatedAt: time.Unix(2, 0).UTC(), OriginDeviceID: "device-a", EntityType: "memory_item", EntityID: "mem_1", OpType: "upsert", Payload: map[string]any{"body": "b"}},
	}

	result, err := replication.ApplyOps(ctx, tx, applier, ops, "device-a", time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplyOps: %v", err)
	}
	if result.Inserted != 1 || result.Updated != 1 {
		t.Errorf("ApplyOps result = %+v, want 1 inserted, 1 updated", result)
	}
	if len(result.ChangedEntityIDs) != 2 {
		t.Errorf("ChangedEntityIDs = %v, want 2 entries (no import_key in payload)", result.ChangedEntityIDs)
	}
	if len(applier.upserts) != 2 {
		t.Errorf("applier saw %d upserts, want 2", len(applier.upserts))
	}
}

func TestApplyOpsSkipsAlreadyApplied(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	op := replication.Op{OpID: replication.NewOpID(), CreatedAt: time.Unix(1, 0).UTC(), OriginDeviceID: "device-a", EntityType: "memory_item", EntityID: "mem_1", OpType: "upsert", Payload: map[string]any{}}
	appendOp(t, ctx, db, op)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	applier := newFakeApplier()
	result, err := replication.ApplyOps(ctx, tx, applier, []replication.Op{op}, "device-a", time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplyOps: %v", err)
	}
	if result.Skipped != 1 {
		t.Errorf("ApplyOps result = %+v, want Skipped=1 for a duplicate op", result)
	}
	if len(applier.upserts) != 0 {
		t.Errorf("applier should not be invoked for an already-applied op, got %v", applier.upserts)
	}
}

func TestApplyOpsDeleteAndImportKeyTracking(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	applier := newFakeApplier()
	ops := []replication.Op{
		{OpID: replication.NewOpID(), CreatedAt: time.Unix(1, 0).UTC(), OriginDeviceID: "device-a", EntityType: "memory_item", EntityID: "mem_1", OpType: "upsert", Payload: map[string]any{"import_key": "jira:ABC-1"}},
		{OpID: replication.NewOpID(), CreatedAt: time.Unix(2, 0).UTC(), OriginDeviceID: "device-a", EntityType: "memory_item", EntityID: "mem_2", OpType: "delete", Payload: map[string]any{}},
	}
	result, err := replication.ApplyOps(ctx, tx, applier, ops, "device-a", time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplyOps: %v", err)
	}
	if len(result.ChangedImportKeys) != 1 || result.ChangedImportKeys[0] != "jira:ABC-1" {
		t.Errorf("ChangedImportKeys = %v, want [jira:ABC-1]", result.ChangedImportKeys)
	}
	if len(applier.deletes) != 1 || applier.deletes[0] != "mem_2" {
		t.Errorf("applier.deletes = %v, want [mem_2]", applier.deletes)
	}
}

func TestApplyOpsUnknownEntityType(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	applier := newFakeApplier()
	ops := []replication.Op{
		{OpID: replication.NewOpID(), CreatedAt: time.Unix(1, 0).UTC(), OriginDeviceID: "device-a", EntityType: "bogus", EntityID: "x", OpType: "upsert"},
	}
	if _, err := replication.ApplyOps(ctx, tx, applier, ops, "device-a", time.Now().UTC()); err == nil {
		t.Error("expected an error for an unknown entity_type")
	}
}
