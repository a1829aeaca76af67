package replication

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kunickiaj/codemem/internal/safedb"
)

// NewOpID generates a new ULID-based op id, sorting lexicographically by
// creation order even under modest clock skew — the same generator shape
// the teacher uses for session/message ids.
func NewOpID() string {
	return ulid.Make().String()
}

// Append inserts op within an existing transaction — callers (the memory
// item writer) append the op in the same transaction as the row mutation,
// so partial commit is impossible.
func Append(ctx context.Context, tx *sql.Tx, op Op) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO replication_ops (op_id, created_at, origin_device_id, entity_type, entity_id, op_type, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.OpID, op.CreatedAt.UTC().Format(time.RFC3339Nano), op.OriginDeviceID,
		op.EntityType, op.EntityID, op.OpType, string(payload))
	if err != nil {
		return fmt.Errorf("insert replication op: %w", err)
	}
	return nil
}

// LoadSince returns ops strictly greater than cursor in (created_at, op_id)
// order, filtered to deviceID's own writes when deviceID is non-empty.
func LoadSince(ctx context.Context, db *safedb.DB, cursor string, limit int, deviceID string) ([]Op, error) {
	createdAt, opID := splitCursor(cursor)

	query := `SELECT op_id, created_at, origin_device_id, entity_type, entity_id, op_type, payload
		FROM replication_ops
		WHERE (created_at > ? OR (created_at = ? AND op_id > ?))`
	args := []any{createdAt, createdAt, opID}
	if deviceID != "" {
		query += ` AND origin_device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at, op_id LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query replication ops: %w", err)
	}
	defer rows.Close()

	var ops []Op
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func splitCursor(cursor string) (createdAt, opID string) {
	for i := 0; i < len(cursor); i++ {
		if cursor[i] == '|' {
			return cursor[:i], cursor[i+1:]
		}
	}
	return "", ""
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOp(rs rowScanner) (Op, error) {
	var op Op
	var createdAt, payload string
	if err := rs.Scan(&op.OpID, &createdAt, &op.OriginDeviceID, &op.EntityType, &op.EntityID, &op.OpType, &payload); err != nil {
		return Op{}, fmt.Errorf("scan replication op: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Op{}, fmt.Errorf("parse created_at: %w", err)
	}
	op.CreatedAt = t
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return Op{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return op, nil
}

// Receipt is one recorded delivery of an applied op: which peer it arrived
// from and when it landed locally, as distinct from the op's own
// origin_device_id/created_at (who authored it and when).
type Receipt struct {
	OpID           string
	SourceDeviceID string
	ReceivedAt     time.Time
}

// ReceiptsFrom returns the most recent receipts recorded for ops delivered
// by sourceDeviceID, newest first — used to show when a peer last actually
// pushed ops that got applied, as opposed to when it was merely contacted.
func ReceiptsFrom(ctx context.Context, db *safedb.DB, sourceDeviceID string, limit int) ([]Receipt, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT op_id, source_device_id, received_at FROM replication_receipts
		WHERE source_device_id = ?
		ORDER BY received_at DESC LIMIT ?`, sourceDeviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query replication receipts: %w", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		var receivedAt string
		if err := rows.Scan(&r.OpID, &r.SourceDeviceID, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan replication receipt: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parse received_at: %w", err)
		}
		r.ReceivedAt = t
		out = append(out, r)
	}
	return out, rows.Err()
}

// FilterForSync removes ops whose origin equals peerDeviceID (loop
// prevention) and returns the retained ops plus the trailing cursor of the
// retained prefix (the cursor of the last op in the original, unfiltered
// slice — so paging always advances even when every retained entry was
// filtered out).
func FilterForSync(ops []Op, peerDeviceID string) (retained []Op, trailingCursor string) {
	for _, op := range ops {
		if op.OriginDeviceID != peerDeviceID {
			retained = append(retained, op)
		}
	}
	if len(ops) > 0 {
		last := ops[len(ops)-1]
		trailingCursor = Cursor(last.CreatedAt, last.OpID)
	}
	return retained, trailingCursor
}

// NormalizeOutboundCursor fast-forwards cursor past any ops not
// originating from deviceID, so pushers never reconsider them: it walks
// ops strictly after cursor (in full, unfiltered order) while they belong
// to other devices, advancing the cursor past each one.
func NormalizeOutboundCursor(ctx context.Context, db *safedb.DB, cursor, deviceID string) (string, error) {
	for {
		ops, err := LoadSince(ctx, db, cursor, 1, "")
		if err != nil {
			return "", err
		}
		if len(ops) == 0 {
			return cursor, nil
		}
		next := ops[0]
		if next.OriginDeviceID == deviceID {
			return cursor, nil
		}
		cursor = Cursor(next.CreatedAt, next.OpID)
	}
}

// ChunkOpsBySize splits ops into chunks whose marshaled JSON body stays
// under maxBytes, preserving order.
func ChunkOpsBySize(ops []Op, maxBytes int) [][]Op {
	if len(ops) == 0 {
		return nil
	}
	var chunks [][]Op
	var current []Op
	currentSize := 2 // "[]"
	for _, op := range ops {
		encoded, _ := json.Marshal(op)
		size := len(encoded) + 1
		if len(current) > 0 && currentSize+size > maxBytes {
			chunks = append(chunks, current)
			current = nil
			currentSize = 2
		}
		current = append(current, op)
		currentSize += size
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
