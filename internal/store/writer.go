package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kunickiaj/codemem/internal/identity"
	"github.com/kunickiaj/codemem/internal/replication"
)

// WithDeviceID sets the local device id this store attributes its writes
// to, and returns the store.
func (s *Store) WithDeviceID(id string) *Store {
	s.deviceID = id
	return s
}

// StartSession creates a new session row.
func (s *Store) StartSession(ctx context.Context, sess Session) (Session, error) {
	if sess.ID == "" {
		sess.ID = identity.GenerateSessionID()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		meta, err := json.Marshal(sess.Metadata)
		if err != nil {
			return fmt.Errorf("marshal session metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, started_at, cwd, project, user, tool_version, git_remote, git_branch, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.StartedAt.UTC().Format(time.RFC3339Nano), sess.Cwd, sess.Project,
			sess.User, sess.ToolVersion, sess.GitRemote, sess.GitBranch, string(meta))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return s.appendOp(ctx, tx, "session", sess.ID, "upsert", sessionPayload(sess))
	})
	return sess, err
}

// EndSession closes a session; sessions are immutable once ended.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`, now, sessionID)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		return s.appendOp(ctx, tx, "session", sessionID, "upsert", map[string]any{"ended_at": now})
	})
}

// Remember inserts a new active memory item, deriving tags and (if
// enabled) an embedding vector, and appends its replication op in the
// same transaction as the row insert.
func (s *Store) Remember(ctx context.Context, in RememberInput) (MemoryItem, error) {
	if in.Confidence == 0 {
		in.Confidence = 0.5
	}
	kind := canonicalizeKind(in.Kind)
	now := time.Now().UTC()
	tags := tagsText(in.Title, in.Body)

	item := MemoryItem{
		SessionID:  in.SessionID,
		Kind:       kind,
		Title:      in.Title,
		BodyText:   in.Body,
		Confidence: in.Confidence,
		TagsText:   tags,
		CreatedAt:  now,
		UpdatedAt:  now,
		Active:     true,
		Metadata:   in.Metadata,
		ImportKey:  in.ImportKey,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		meta, err := json.Marshal(in.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}

		var importKey any
		if in.ImportKey != "" {
			importKey = in.ImportKey
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO memory_items
				(session_id, kind, title, body_text, confidence, tags_text, created_at, updated_at, active, metadata, import_key, project)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, (SELECT project FROM sessions WHERE session_id = ?))`,
			in.SessionID, kind, in.Title, in.Body, in.Confidence, tags,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), string(meta), importKey, in.SessionID)
		if err != nil {
			return fmt.Errorf("insert memory item: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		item.ID = id

		if s.embedOn {
			if err := s.writeVectorLocked(ctx, tx, id, tags); err != nil {
				return err
			}
		}

		return s.appendOp(ctx, tx, "memory_item", fmt.Sprintf("%d", id), "upsert", memoryItemPayload(item))
	})
	if err == nil && s.observer != nil {
		s.observer(item)
	}
	return item, err
}

// Forget sets active=false, preserving the row for auditability.
func (s *Store) Forget(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx, `UPDATE memory_items SET active = 0, updated_at = ? WHERE id = ? AND active = 1`, now, id)
		if err != nil {
			return fmt.Errorf("forget: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		return s.appendOp(ctx, tx, "memory_item", fmt.Sprintf("%d", id), "delete", map[string]any{"id": id})
	})
}

// Get returns one active memory item, or ErrNotFound-shaped nil if
// missing or inactive.
func (s *Store) Get(ctx context.Context, id int64) (*MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, memoryItemSelect+` WHERE id = ? AND active = 1`, id)
	item, err := scanMemoryItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetMany returns items for ids, stable to input order, skipping missing
// and inactive ids.
func (s *Store) GetMany(ctx context.Context, ids []int64) ([]MemoryItem, error) {
	byID := make(map[int64]MemoryItem, len(ids))
	for _, id := range ids {
		item, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if item != nil {
			byID[id] = *item
		}
	}
	out := make([]MemoryItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// Recent returns the most recent active items matching filters.
func (s *Store) Recent(ctx context.Context, limit int, f Filters) ([]MemoryItem, error) {
	return s.recentByKinds(ctx, nil, limit, f)
}

// RecentByKinds returns the most recent active items restricted to kinds.
func (s *Store) RecentByKinds(ctx context.Context, kinds []string, limit int, f Filters) ([]MemoryItem, error) {
	return s.recentByKinds(ctx, kinds, limit, f)
}

func (s *Store) recentByKinds(ctx context.Context, kinds []string, limit int, f Filters) ([]MemoryItem, error) {
	query := memoryItemSelect + ` WHERE active = 1`
	var args []any

	if len(kinds) > 0 {
		query += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query, args = applyFilters(query, args, f)
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var items []MemoryItem
	for rows.Next() {
		item, err := scanMemoryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func applyFilters(query string, args []any, f Filters) (string, []any) {
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, canonicalizeKind(f.Kind))
	}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Project != "" {
		query += ` AND (project = ? OR project LIKE ?)`
		args = append(args, f.Project, "%/"+f.Project)
	}
	return query, args
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}

const memoryItemSelect = `SELECT id, session_id, kind, title, body_text, confidence, tags_text,
	created_at, updated_at, active, metadata, import_key, COALESCE(project, '') FROM memory_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryItem(rs rowScanner) (MemoryItem, error) {
	var item MemoryItem
	var createdAt, updatedAt, metaStr string
	var importKey sql.NullString
	var active int
	err := rs.Scan(&item.ID, &item.SessionID, &item.Kind, &item.Title, &item.BodyText, &item.Confidence,
		&item.TagsText, &createdAt, &updatedAt, &active, &metaStr, &importKey, &item.Project)
	if err != nil {
		return item, err
	}
	item.Active = active == 1
	item.ImportKey = importKey.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		item.UpdatedAt = t
	}
	if metaStr != "" {
		_ = json.Unmarshal([]byte(metaStr), &item.Metadata)
	}
	return item, nil
}

func (s *Store) appendOp(ctx context.Context, tx *sql.Tx, entityType, entityID, opType string, payload map[string]any) error {
	op := replication.Op{
		OpID:           replication.NewOpID(),
		CreatedAt:      time.Now().UTC(),
		OriginDeviceID: s.deviceID,
		EntityType:     entityType,
		EntityID:       entityID,
		OpType:         opType,
		Payload:        payload,
	}
	return replication.Append(ctx, tx, op)
}

func memoryItemPayload(item MemoryItem) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"session_id":  item.SessionID,
		"kind":        item.Kind,
		"title":       item.Title,
		"body_text":   item.BodyText,
		"confidence":  item.Confidence,
		"tags_text":   item.TagsText,
		"created_at":  item.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  item.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"active":      item.Active,
		"metadata":    item.Metadata,
		"import_key":  item.ImportKey,
	}
}

func sessionPayload(sess Session) map[string]any {
	return map[string]any{
		"session_id":   sess.ID,
		"started_at":   sess.StartedAt.UTC().Format(time.RFC3339Nano),
		"cwd":          sess.Cwd,
		"project":      sess.Project,
		"user":         sess.User,
		"tool_version": sess.ToolVersion,
		"git_remote":   sess.GitRemote,
		"git_branch":   sess.GitBranch,
		"metadata":     sess.Metadata,
	}
}
