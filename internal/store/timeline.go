package store

import (
	"context"
	"fmt"
	"time"
)

// Timeline returns items surrounding an anchor — either a query's top hit
// or an explicit memory_id — ordered chronologically.
func (s *Store) Timeline(ctx context.Context, query string, memoryID *int64, depthBefore, depthAfter int, f Filters) ([]MemoryItem, error) {
	var anchor *MemoryItem

	if memoryID != nil {
		item, err := s.Get(ctx, *memoryID)
		if err != nil {
			return nil, err
		}
		anchor = item
	} else if query != "" {
		results, err := s.hybridCandidates(ctx, query, 1, f)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			anchor = &results[0].MemoryItem
		}
	}

	if anchor == nil {
		return s.Recent(ctx, depthBefore+depthAfter+1, f)
	}

	before, err := s.itemsAround(ctx, anchor.CreatedAt, f, true, depthBefore)
	if err != nil {
		return nil, err
	}
	after, err := s.itemsAround(ctx, anchor.CreatedAt, f, false, depthAfter)
	if err != nil {
		return nil, err
	}

	out := make([]MemoryItem, 0, len(before)+1+len(after))
	out = append(out, before...)
	out = append(out, *anchor)
	out = append(out, after...)
	return out, nil
}

func (s *Store) itemsAround(ctx context.Context, t time.Time, f Filters, before bool, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	op, order := ">", "ASC"
	if before {
		op, order = "<", "DESC"
	}
	query := memoryItemSelect + fmt.Sprintf(` WHERE active = 1 AND created_at %s ?`, op)
	args := []any{t.UTC().Format(time.RFC3339Nano)}
	query, args = applyFilters(query, args, f)
	query += fmt.Sprintf(` ORDER BY created_at %s LIMIT ?`, order)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
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
	if before {
		// results came back DESC (nearest-first); restore chronological order.
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	return items, rows.Err()
}
