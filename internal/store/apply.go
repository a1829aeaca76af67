package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kunickiaj/codemem/internal/replication"
)

// ApplyMemoryItemUpsert implements replication.Applier: an existing row is
// looked up by the payload's import_key only; a payload without an
// import_key, or with one not seen before, inserts a new row.
func (s *Store) ApplyMemoryItemUpsert(ctx context.Context, tx *sql.Tx, entityID string, payload map[string]any) (bool, error) {
	title, _ := payload["title"].(string)
	body, _ := payload["body_text"].(string)
	kind := canonicalizeKind(stringOr(payload["kind"], ""))
	sessionID, _ := payload["session_id"].(string)
	confidence, _ := payload["confidence"].(float64)
	importKey, _ := payload["import_key"].(string)
	tags := tagsText(title, body)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	meta, _ := json.Marshal(payload["metadata"])

	var existingID int64
	var err error
	if importKey != "" {
		err = tx.QueryRowContext(ctx, `SELECT id FROM memory_items WHERE import_key = ?`, importKey).Scan(&existingID)
	} else {
		err = sql.ErrNoRows
	}

	if err == sql.ErrNoRows {
		var importKeyArg any
		if importKey != "" {
			importKeyArg = importKey
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO memory_items (session_id, kind, title, body_text, confidence, tags_text, created_at, updated_at, active, metadata, import_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			sessionID, kind, title, body, confidence, tags, now, now, string(meta), importKeyArg)
		if err != nil {
			return false, fmt.Errorf("insert applied memory item: %w", err)
		}
		id, _ := res.LastInsertId()
		if s.embedOn {
			if err := s.writeVectorLocked(ctx, tx, id, tags); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup existing memory item: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memory_items SET kind=?, title=?, body_text=?, confidence=?, tags_text=?, updated_at=?, metadata=?, active=1
		WHERE id = ?`, kind, title, body, confidence, tags, now, string(meta), existingID)
	if err != nil {
		return false, fmt.Errorf("update applied memory item: %w", err)
	}
	if s.embedOn {
		if err := s.writeVectorLocked(ctx, tx, existingID, tags); err != nil {
			return false, err
		}
	}
	return false, nil
}

// ApplyMemoryItemDelete implements replication.Applier: forget semantics
// via import_key or raw entity_id (peers don't share local integer ids).
func (s *Store) ApplyMemoryItemDelete(ctx context.Context, tx *sql.Tx, entityID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `UPDATE memory_items SET active = 0, updated_at = ? WHERE import_key = ? OR CAST(id AS TEXT) = ?`, now, entityID, entityID)
	return err
}

// ApplySessionUpsert implements replication.Applier for session rows.
func (s *Store) ApplySessionUpsert(ctx context.Context, tx *sql.Tx, entityID string, payload map[string]any) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, entityID).Scan(&exists)
	if err == sql.ErrNoRows {
		startedAt, _ := payload["started_at"].(string)
		if startedAt == "" {
			startedAt = time.Now().UTC().Format(time.RFC3339Nano)
		}
		meta, _ := json.Marshal(payload["metadata"])
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, started_at, cwd, project, user, tool_version, git_remote, git_branch, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entityID, startedAt, stringOr(payload["cwd"], ""), stringOr(payload["project"], ""),
			stringOr(payload["user"], ""), stringOr(payload["tool_version"], ""),
			stringOr(payload["git_remote"], ""), stringOr(payload["git_branch"], ""), string(meta))
		return err == nil, err
	}
	if err != nil {
		return false, fmt.Errorf("lookup session: %w", err)
	}
	if endedAt, ok := payload["ended_at"].(string); ok && endedAt != "" {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`, endedAt, entityID)
		return false, err
	}
	return false, nil
}

// ApplyReplicationOps is the store-facing entry point for
// apply_replication_ops: idempotent apply plus derived-field backfill for
// changed memory items, resolved by import_key (falling back to
// entity_id).
func (s *Store) ApplyReplicationOps(ctx context.Context, ops []replication.Op, sourceDeviceID string, receivedAt time.Time) (replication.ApplyResult, error) {
	var result replication.ApplyResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := replication.ApplyOps(ctx, tx, s, ops, sourceDeviceID, receivedAt)
		result = r
		return err
	})
	if err != nil {
		return result, err
	}

	if result.Inserted+result.Updated > 0 {
		ids, err := s.MemoryIDsForImportKeys(ctx, result.ChangedImportKeys)
		if err != nil {
			return result, err
		}
		for _, idStr := range result.ChangedEntityIDs {
			var id int64
			if _, err := fmt.Sscanf(idStr, "%d", &id); err == nil {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			if err := s.BackfillTagsText(ctx, ids, true); err != nil {
				return result, err
			}
			if err := s.BackfillVectors(ctx, ids); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}
