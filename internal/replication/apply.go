package replication

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Applier applies remote ops against the local memory-item/session tables.
// It is injected rather than hard-wired so the replication package stays
// independent of the store package's concrete types (avoids an import
// cycle: store already depends on replication to append ops).
type Applier interface {
	// ApplyMemoryItemUpsert applies one upsert payload, idempotent by
	// (entity_type, entity_id, op_id). Returns whether a row was inserted.
	ApplyMemoryItemUpsert(ctx context.Context, tx *sql.Tx, entityID string, payload map[string]any) (inserted bool, err error)
	ApplyMemoryItemDelete(ctx context.Context, tx *sql.Tx, entityID string) error
	ApplySessionUpsert(ctx context.Context, tx *sql.Tx, entityID string, payload map[string]any) (inserted bool, err error)
}

// ApplyOps applies ops idempotently by (entity_type, entity_id, op_id):
// an op already recorded as applied (present in the applied-ops ledger)
// is counted as skipped. Returns counts plus the set of changed
// import_keys/entity_ids so callers can backfill derived fields.
func ApplyOps(ctx context.Context, tx *sql.Tx, applier Applier, ops []Op, sourceDeviceID string, receivedAt time.Time) (ApplyResult, error) {
	var result ApplyResult

	for _, op := range ops {
		applied, err := alreadyApplied(ctx, tx, op)
		if err != nil {
			return result, err
		}
		if applied {
			result.Skipped++
			continue
		}

		var inserted bool
		switch op.EntityType {
		case "memory_item":
			switch op.OpType {
			case "upsert":
				inserted, err = applier.ApplyMemoryItemUpsert(ctx, tx, op.EntityID, op.Payload)
			case "delete":
				err = applier.ApplyMemoryItemDelete(ctx, tx, op.EntityID)
			default:
				err = fmt.Errorf("unknown op_type %q", op.OpType)
			}
			if err == nil {
				if ik, ok := op.Payload["import_key"].(string); ok && ik != "" {
					result.ChangedImportKeys = append(result.ChangedImportKeys, ik)
				} else {
					result.ChangedEntityIDs = append(result.ChangedEntityIDs, op.EntityID)
				}
			}
		case "session":
			inserted, err = applier.ApplySessionUpsert(ctx, tx, op.EntityID, op.Payload)
		default:
			err = fmt.Errorf("unknown entity_type %q", op.EntityType)
		}
		if err != nil {
			return result, fmt.Errorf("apply op %s: %w", op.OpID, err)
		}

		if err := markApplied(ctx, tx, op, sourceDeviceID, receivedAt); err != nil {
			return result, err
		}

		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	return result, nil
}

// alreadyApplied checks the replication_ops table itself: since Append
// writes with the op's own op_id as primary key, replaying an op that is
// already present in the local log (because it was applied before, or
// because this device originated it) is a no-op duplicate.
func alreadyApplied(ctx context.Context, tx *sql.Tx, op Op) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM replication_ops WHERE op_id = ?`, op.OpID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check applied: %w", err)
	}
	return true, nil
}

// markApplied records the op in the local log so future replays are
// recognized as duplicates and re-synced to other peers in turn, plus a
// receipt of which peer delivered it and when — distinct from the op's own
// origin_device_id/created_at, which describe who authored it and when,
// not which hop it arrived on locally (relevant once ops can relay through
// more than one peer).
func markApplied(ctx context.Context, tx *sql.Tx, op Op, sourceDeviceID string, receivedAt time.Time) error {
	if err := Append(ctx, tx, op); err != nil {
		return err
	}
	return recordReceipt(ctx, tx, op.OpID, sourceDeviceID, receivedAt)
}

// recordReceipt stores the provenance of one applied op: which peer it was
// received from and when it landed locally.
func recordReceipt(ctx context.Context, tx *sql.Tx, opID, sourceDeviceID string, receivedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO replication_receipts (op_id, source_device_id, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT(op_id) DO UPDATE SET source_device_id = excluded.source_device_id, received_at = excluded.received_at`,
		opID, sourceDeviceID, receivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record receipt: %w", err)
	}
	return nil
}
