package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kunickiaj/codemem/internal/embed"
)

// RecencyWindowDays bounds the recency-decay function: items older than
// this many days contribute no recency bonus.
const RecencyWindowDays = 30.0

// taskQueryPattern / recallQueryPattern are pure functions of the query
// string that switch the retrieval engine into task-biased or
// recall-biased mode.
var taskQueryPattern = regexp.MustCompile(`(?i)\b(todo|next step|what should i|pending|unfinished|remaining)\b`)
var recallQueryPattern = regexp.MustCompile(`(?i)\b(remind me|what did|recall|last time|previously|earlier)\b`)

func queryLooksLikeTasks(q string) bool  { return taskQueryPattern.MatchString(q) }
func queryLooksLikeRecall(q string) bool { return recallQueryPattern.MatchString(q) }

// Search runs the full hybrid ranking pipeline and optionally logs a
// usage event.
func (s *Store) Search(ctx context.Context, query string, limit int, f Filters, logUsage bool) ([]MemoryResult, error) {
	results, err := s.hybridCandidates(ctx, query, limit, f)
	if err != nil {
		return nil, err
	}
	if logUsage {
		_ = s.RecordUsage(ctx, "search", 0, 0, f.Project, map[string]any{"query": query, "results": len(results)})
	}
	return results, nil
}

// SearchIndex returns compact candidates (same ranking, smaller payload
// expectation left to the caller/serializer).
func (s *Store) SearchIndex(ctx context.Context, query string, limit int, f Filters) ([]MemoryResult, error) {
	return s.hybridCandidates(ctx, query, limit, f)
}

// hybridCandidates implements §4.4's ranking pipeline.
func (s *Store) hybridCandidates(ctx context.Context, query string, limit int, f Filters) ([]MemoryResult, error) {
	fts, err := s.ftsSearch(ctx, query, limit*3, f)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}

	sem := s.semanticSearch(ctx, query, limit*3, f)

	var fuzzyFallback bool
	var fuzzy []MemoryResult
	if len(fts) == 0 && len(sem) == 0 {
		fuzzyFallback = true
		fuzzy, err = s.fuzzySearch(ctx, query, limit*3, f)
		if err != nil {
			return nil, fmt.Errorf("fuzzy search: %w", err)
		}
	}

	merged := mergeRankedResults(fts, sem, fuzzy)
	for i := range merged {
		if fuzzyFallback {
			merged[i].FuzzyFallback = true
		}
	}

	ranked := rerankResultsHybrid(merged, time.Now())

	if queryLooksLikeTasks(query) {
		ranked = prioritizeKinds(ranked, []string{"decision", "feature", "bugfix"})
	} else if queryLooksLikeRecall(query) {
		ranked = prioritizeKinds(ranked, []string{"session_summary", "change", "note"})
	}

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func (s *Store) ftsSearch(ctx context.Context, query string, limit int, f Filters) ([]MemoryResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	match := ftsQuery(query)
	sqlQuery := `
		SELECT m.id, m.session_id, m.kind, m.title, m.body_text, m.confidence, m.tags_text,
			m.created_at, m.updated_at, m.active, m.metadata, m.import_key, COALESCE(m.project,''),
			bm25(memory_items_fts) AS rank
		FROM memory_items_fts
		JOIN memory_items m ON m.id = memory_items_fts.rowid
		WHERE memory_items_fts MATCH ? AND m.active = 1`
	args := []any{match}
	sqlQuery, args = applyFilters(sqlQuery, args, f)
	sqlQuery += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryResult
	for rows.Next() {
		var item MemoryItem
		var createdAt, updatedAt, metaStr string
		var importKey sql.NullString
		var active int
		var rank float64
		err := rows.Scan(&item.ID, &item.SessionID, &item.Kind, &item.Title, &item.BodyText, &item.Confidence,
			&item.TagsText, &createdAt, &updatedAt, &active, &metaStr, &importKey, &item.Project, &rank)
		if err != nil {
			return nil, err
		}
		item.Active = active == 1
		item.ImportKey = importKey.String
		item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if metaStr != "" {
			_ = json.Unmarshal([]byte(metaStr), &item.Metadata)
		}
		// bm25 is negative-is-better; fold into a 0..1-ish base score.
		base := 1.0 / (1.0 + maxFloat(0, rank))
		out = append(out, MemoryResult{MemoryItem: item, Score: base})
	}
	return out, rows.Err()
}

func (s *Store) semanticSearch(ctx context.Context, query string, limit int, f Filters) []MemoryResult {
	if !s.embedOn || strings.TrimSpace(query) == "" {
		return nil
	}
	qVec := embed.Vector(tokenize(query))

	sqlQuery := `SELECT id, session_id, kind, title, body_text, confidence, tags_text,
		created_at, updated_at, active, metadata, import_key, COALESCE(project, ''),
		(SELECT vector FROM memory_vectors WHERE memory_id = memory_items.id) AS vec
		FROM memory_items WHERE active = 1`
	var args []any
	sqlQuery, args = applyFilters(sqlQuery, args, f)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		// semantic search failures are skipped silently, per spec.
		return nil
	}
	defer rows.Close()

	var out []MemoryResult
	for rows.Next() {
		var item MemoryItem
		var createdAt, updatedAt, metaStr string
		var importKey sql.NullString
		var active int
		var vecBlob []byte
		err := rows.Scan(&item.ID, &item.SessionID, &item.Kind, &item.Title, &item.BodyText, &item.Confidence,
			&item.TagsText, &createdAt, &updatedAt, &active, &metaStr, &importKey, &item.Project, &vecBlob)
		if err != nil {
			continue
		}
		if vecBlob == nil {
			continue
		}
		item.Active = active == 1
		item.ImportKey = importKey.String
		item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if metaStr != "" {
			_ = json.Unmarshal([]byte(metaStr), &item.Metadata)
		}
		sim := embed.Cosine(qVec, embed.Decode(vecBlob))
		if sim <= 0 {
			continue
		}
		out = append(out, MemoryResult{MemoryItem: item, Score: sim, SemanticHit: true})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// fuzzySearch runs the trigram-tokenized FTS5 shadow table when neither
// FTS nor semantic search produced any candidates.
func (s *Store) fuzzySearch(ctx context.Context, query string, limit int, f Filters) ([]MemoryResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	sqlQuery := `
		SELECT m.id, m.session_id, m.kind, m.title, m.body_text, m.confidence, m.tags_text,
			m.created_at, m.updated_at, m.active, m.metadata, m.import_key, COALESCE(m.project,'')
		FROM memory_items_trgm
		JOIN memory_items m ON m.id = memory_items_trgm.rowid
		WHERE memory_items_trgm MATCH ? AND m.active = 1`
	args := []any{ftsQuery(query)}
	sqlQuery, args = applyFilters(sqlQuery, args, f)
	sqlQuery += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryResult
	for rows.Next() {
		item, err := scanMemoryItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, MemoryResult{MemoryItem: item, Score: 0.3})
	}
	return out, rows.Err()
}

// mergeRankedResults deduplicates by id across the three candidate pools,
// keeping the highest score and OR-ing the semantic/fuzzy flags.
func mergeRankedResults(pools ...[]MemoryResult) []MemoryResult {
	byID := make(map[int64]*MemoryResult)
	var order []int64
	for _, pool := range pools {
		for _, r := range pool {
			if existing, ok := byID[r.ID]; ok {
				if r.Score > existing.Score {
					existing.Score = r.Score
				}
				existing.SemanticHit = existing.SemanticHit || r.SemanticHit
				existing.FuzzyFallback = existing.FuzzyFallback || r.FuzzyFallback
				continue
			}
			cp := r
			byID[r.ID] = &cp
			order = append(order, r.ID)
		}
	}
	out := make([]MemoryResult, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// rerankResultsHybrid applies kind bonus + recency decay + semantic
// presence bonus, then sorts with the tie-break: score desc, then
// created_at desc, then id asc.
func rerankResultsHybrid(results []MemoryResult, now time.Time) []MemoryResult {
	for i := range results {
		r := &results[i]
		r.Score += kindBonus(r.Kind)
		r.Score += recencyDecay(r.CreatedAt, now)
		if r.SemanticHit {
			r.Score += 0.05
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return results
}

// recencyDecay is a monotonically non-increasing function of age bounded
// to [0,0.1] over RecencyWindowDays.
func recencyDecay(createdAt, now time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays <= 0 {
		return 1.0 * 0.1 // recency contributes a small bonus, not the whole score
	}
	if ageDays >= RecencyWindowDays {
		return 0
	}
	return (1 - ageDays/RecencyWindowDays) * 0.1
}

// prioritizeKinds stable-sorts results so the named kinds (in order) float
// to the top without disturbing relative order otherwise.
func prioritizeKinds(results []MemoryResult, kinds []string) []MemoryResult {
	priority := make(map[string]int, len(kinds))
	for i, k := range kinds {
		priority[k] = i
	}
	sort.SliceStable(results, func(i, j int) bool {
		pi, oki := priority[normalizeKind(results[i].Kind)]
		pj, okj := priority[normalizeKind(results[j].Kind)]
		if oki && okj {
			return pi < pj
		}
		if oki != okj {
			return oki
		}
		return false
	})
	return results
}

func ftsQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"*`)
	}
	return strings.Join(quoted, " OR ")
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
