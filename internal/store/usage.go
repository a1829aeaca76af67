package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RecordUsage appends a usage/observability event.
func (s *Store) RecordUsage(ctx context.Context, event string, tokensRead, tokensSaved int, project string, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal usage metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_events (event, tokens_read, tokens_saved, project, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event, tokensRead, tokensSaved, project, string(meta), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// PackEventRecord is a decoded prior "pack" usage event, the baseline for
// delta accounting.
type PackEventRecord struct {
	PackItemIDs []int64
	PackTokens  int64
}

// RecentPackEvents returns the most recent "pack" usage events scoped by
// project, most recent first.
func (s *Store) RecentPackEvents(ctx context.Context, limit int, project string) ([]PackEventRecord, error) {
	query := `SELECT metadata, tokens_read FROM usage_events WHERE event = 'pack'`
	var args []any
	if project != "" {
		query += ` AND (project = ? OR project LIKE ?)`
		args = append(args, project, "%/"+project)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent pack events: %w", err)
	}
	defer rows.Close()

	var out []PackEventRecord
	for rows.Next() {
		var metaStr string
		var tokensRead sql.NullInt64
		if err := rows.Scan(&metaStr, &tokensRead); err != nil {
			return nil, err
		}
		var meta map[string]any
		if metaStr != "" {
			_ = json.Unmarshal([]byte(metaStr), &meta)
		}

		rec := PackEventRecord{}
		if ids, ok := coercePackItemIDs(meta["pack_item_ids"]); ok {
			rec.PackItemIDs = ids
		} else {
			continue
		}
		if t, ok := discoveryTokensFromMeta(meta, "pack_tokens"); ok {
			rec.PackTokens = t
		} else if tokensRead.Valid {
			rec.PackTokens = tokensRead.Int64
		} else {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func discoveryTokensFromMeta(meta map[string]any, key string) (int64, bool) {
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	return coerceNonNegativeInt(v)
}
