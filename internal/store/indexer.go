package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kunickiaj/codemem/internal/embed"
)

// writeVectorLocked computes and stores the embedding for a memory item
// within an existing transaction. Caller must already hold writeMu (via
// withTx).
func (s *Store) writeVectorLocked(ctx context.Context, tx *sql.Tx, memoryID int64, tags string) error {
	vec := embed.Vector(tokenize(tags))
	blob := embed.Encode(vec)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_vectors (memory_id, dim, vector) VALUES (?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET dim = excluded.dim, vector = excluded.vector`,
		memoryID, embed.Dim, blob)
	if err != nil {
		return fmt.Errorf("write vector: %w", err)
	}
	return nil
}

// BackfillTagsText recomputes tags_text for the given memory ids (or all
// ids if ids is empty), restricted to active rows when activeOnly is
// true, called by the writer after a
// direct SQL mutation and by replication apply after ops land.
func (s *Store) BackfillTagsText(ctx context.Context, ids []int64, activeOnly bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT id, title, body_text FROM memory_items WHERE 1=1`
		var args []any
		if activeOnly {
			query += ` AND active = 1`
		}
		if len(ids) > 0 {
			query += ` AND id IN (` + placeholders(len(ids)) + `)`
			for _, id := range ids {
				args = append(args, id)
			}
		}

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select for tags backfill: %w", err)
		}
		type row struct {
			id          int64
			title, body string
		}
		var targets []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.title, &r.body); err != nil {
				rows.Close()
				return fmt.Errorf("scan tags backfill row: %w", err)
			}
			targets = append(targets, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, r := range targets {
			tags := tagsText(r.title, r.body)
			if _, err := tx.ExecContext(ctx, `UPDATE memory_items SET tags_text = ?, updated_at = ? WHERE id = ?`, tags, now, r.id); err != nil {
				return fmt.Errorf("update tags_text: %w", err)
			}
			if s.embedOn {
				if err := s.writeVectorLocked(ctx, tx, r.id, tags); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// BackfillVectors recomputes embeddings for the given memory ids.
func (s *Store) BackfillVectors(ctx context.Context, ids []int64) error {
	if !s.embedOn || len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT id, tags_text FROM memory_items WHERE id IN (` + placeholders(len(ids)) + `) AND active = 1`
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select for vector backfill: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			var tags string
			if err := rows.Scan(&id, &tags); err != nil {
				return fmt.Errorf("scan vector backfill row: %w", err)
			}
			if err := s.writeVectorLocked(ctx, tx, id, tags); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// MemoryIDsForImportKeys resolves import_keys to memory item ids, active or not,
// used by replication apply's derived-field backfill step.
func (s *Store) MemoryIDsForImportKeys(ctx context.Context, keys []string) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query := `SELECT id FROM memory_items WHERE import_key IN (` + placeholders(len(keys)) + `)`
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve import keys: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
