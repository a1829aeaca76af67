package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// PackItem is one formatted item in a built pack.
type PackItem struct {
	ID           int64    `json:"id"`
	Kind         string   `json:"kind"`
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	Confidence   float64  `json:"confidence"`
	Tags         []string `json:"tags"`
	SupportCount int      `json:"support_count"`
	DuplicateIDs []int64  `json:"duplicate_ids"`

	workTokens     int64
	workSource     string
	discoveryGroup string
	avoidedTokens  int64
	avoidedSource  string
}

// PackMetrics mirrors the original pipeline's metrics dict field names so
// downstream JSON consumers see identical keys.
type PackMetrics struct {
	PackTokens         int64   `json:"pack_tokens"`
	WorkTokensSum      int64   `json:"work_tokens"`
	WorkTokensUnique   int64   `json:"work_tokens_unique"`
	TokensSaved        int64   `json:"tokens_saved"`
	CompressionRatio   float64 `json:"compression_ratio,omitempty"`
	OverheadTokens     int64   `json:"overhead_tokens"`
	WorkSourceLabel    string  `json:"work_source"`

	// AvoidedTokensTotal/AvoidedWorkSaved/AvoidedWorkRatio/AvoidedKnown/
	// AvoidedUnknown/AvoidedWorkSources/SavingsReliable are populated from
	// the per-item _avoided_work_tokens computation (only an explicit
	// discovery_tokens override counts; no estimate fallback), distinct
	// from WorkTokensSum/WorkTokensUnique's _estimate_work_tokens basis.
	AvoidedTokensTotal int64          `json:"avoided_work_tokens"`
	AvoidedWorkSaved   int64          `json:"avoided_work_saved"`
	AvoidedWorkRatio   float64        `json:"avoided_work_ratio,omitempty"`
	AvoidedKnown       int64          `json:"avoided_work_known_items"`
	AvoidedUnknown     int64          `json:"avoided_work_unknown_items"`
	AvoidedWorkSources map[string]int `json:"avoided_work_sources,omitempty"`
	SavingsReliable    bool           `json:"savings_reliable"`

	PackDeltaAvailable bool    `json:"pack_delta_available"`
	AddedIDs           []int64 `json:"added_ids,omitempty"`
	RemovedIDs         []int64 `json:"removed_ids,omitempty"`
	RetainedIDs        []int64 `json:"retained_ids,omitempty"`
	PackTokenDelta     int64   `json:"pack_token_delta"`

	SemanticHits                        int     `json:"semantic_hits"`
	FuzzyFallback                       bool    `json:"fuzzy_fallback"`
	ExactDedupeReductionPercentPack     float64 `json:"exact_pack_dedupe_reduction_percent"`
	ExactDedupeReductionPercentReturned float64 `json:"exact_dedupe_reduction_percent"`
}

// Pack is the result of build_memory_pack.
type Pack struct {
	Context  string      `json:"context"`
	Items    []PackItem  `json:"items"`
	PackText string      `json:"pack_text"`
	Metrics  PackMetrics `json:"metrics"`
}

// BuildMemoryPack implements §4.5: section selection, exact dedup, token
// budgeting, delta accounting, and savings metrics, matching
// original_source/codemem/store/packs.py's algorithm section-for-section.
func (s *Store) BuildMemoryPack(ctx context.Context, queryText string, limit int, tokenBudget *int64, f Filters, logUsage bool) (Pack, error) {
	if limit <= 0 {
		limit = 8
	}

	candidates, err := s.hybridCandidates(ctx, queryText, limit*4, f)
	if err != nil {
		return Pack{}, fmt.Errorf("gather pack candidates: %w", err)
	}

	semanticHits := 0
	fuzzyFallback := false
	for _, c := range candidates {
		if c.SemanticHit {
			semanticHits++
		}
		if c.FuzzyFallback {
			fuzzyFallback = true
		}
	}

	var summary *MemoryResult
	for i := range candidates {
		if normalizeKind(candidates[i].Kind) == "session_summary" {
			summary = &candidates[i]
			break
		}
	}
	if summary == nil {
		recentSummary, err := s.Recent(ctx, 1, Filters{Kind: "session_summary", Project: f.Project})
		if err != nil {
			return Pack{}, err
		}
		if len(recentSummary) > 0 {
			summary = &MemoryResult{MemoryItem: recentSummary[0]}
		}
	}

	remaining := limit
	var summaryItems []MemoryResult
	if summary != nil {
		summaryItems = []MemoryResult{*summary}
		remaining--
	}

	var nonSummary []MemoryResult
	for _, c := range candidates {
		if summary == nil || c.ID != summary.ID {
			if normalizeKind(c.Kind) != "session_summary" {
				nonSummary = append(nonSummary, c)
			}
		}
	}
	if len(nonSummary) == 0 {
		recent, err := s.Recent(ctx, limit, f)
		if err != nil {
			return Pack{}, err
		}
		for _, item := range recent {
			if normalizeKind(item.Kind) != "session_summary" {
				nonSummary = append(nonSummary, MemoryResult{MemoryItem: item})
			}
		}
	}

	timelineLimit := minInt(3, maxInt(0, remaining))
	timelineItems := nonSummary
	if len(timelineItems) > timelineLimit {
		timelineItems = timelineItems[:timelineLimit]
	}
	remaining -= len(timelineItems)

	observationLimit := maxInt(0, remaining)
	observationItems, err := s.selectObservations(ctx, queryText, timelineItems, observationLimit, f)
	if err != nil {
		return Pack{}, err
	}

	// dedupeState is shared across all three sections (matching
	// _collapse_exact_duplicates's externally-threaded canonical_by_key /
	// duplicate_ids dicts) so an exact duplicate spanning sections — e.g. a
	// note surfaced once in Timeline and again in the Observations pool —
	// collapses into a single canonical item.
	state := newDedupeState()
	dedupSummary := exactDedupe(summaryItems, state)
	dedupTimeline := exactDedupe(timelineItems, state)
	dedupObservations := exactDedupe(observationItems, state)
	annotateSupportCounts(dedupSummary, state.duplicateIDs)
	annotateSupportCounts(dedupTimeline, state.duplicateIDs)
	annotateSupportCounts(dedupObservations, state.duplicateIDs)

	if tokenBudget != nil {
		dedupSummary = trimToBudget(dedupSummary, *tokenBudget)
		dedupTimeline = trimToBudget(dedupTimeline, *tokenBudget)
		dedupObservations = trimToBudget(dedupObservations, *tokenBudget)
	}

	finalItems := dedupTimeline

	packText := buildPackText(dedupSummary, dedupTimeline, dedupObservations)
	packTokens := int64(estimateTokens(packText))

	metrics := s.computeMetrics(ctx, finalItems, dedupSummary, dedupTimeline, dedupObservations, packTokens, f.Project)
	metrics.SemanticHits = semanticHits
	metrics.FuzzyFallback = fuzzyFallback

	if logUsage {
		_ = s.RecordUsage(ctx, "pack", int(packTokens), int(metrics.TokensSaved), f.Project, packMetricsToMap(metrics, finalItems))
	}

	return Pack{Context: queryText, Items: finalItems, PackText: packText, Metrics: metrics}, nil
}

// selectObservations fills the observation pool per §4.5 step 2: ordered
// pool of observation kinds, re-sorted by (kind priority, tag overlap desc,
// created_at desc). The pool is always drawn from RecentByKinds (limit*3
// items), minus items already in the timeline.
func (s *Store) selectObservations(ctx context.Context, query string, timeline []MemoryResult, limit int, f Filters) ([]MemoryResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	pool, err := s.RecentByKinds(ctx, ObservationKinds, limit*3, f)
	if err != nil {
		return nil, err
	}

	timelineIDs := make(map[int64]bool, len(timeline))
	for _, t := range timeline {
		timelineIDs[t.ID] = true
	}

	queryTokens := tokenize(query)
	priority := make(map[string]int, len(ObservationKinds))
	for i, k := range ObservationKinds {
		priority[k] = i
	}

	results := make([]MemoryResult, 0, len(pool))
	for _, item := range pool {
		if timelineIDs[item.ID] {
			continue // items already in the timeline are not repeated
		}
		results = append(results, MemoryResult{MemoryItem: item})
	}

	sort.SliceStable(results, func(i, j int) bool {
		pi := priority[normalizeKind(results[i].Kind)]
		pj := priority[normalizeKind(results[j].Kind)]
		if pi != pj {
			return pi < pj
		}
		oi := tagOverlap(queryTokens, results[i].TagsText)
		oj := tagOverlap(queryTokens, results[j].TagsText)
		if oi != oj {
			return oi > oj
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func tagOverlap(queryTokens []string, tagsText string) int {
	set := make(map[string]bool)
	for _, t := range tokenize(tagsText) {
		set[t] = true
	}
	count := 0
	for _, q := range queryTokens {
		if set[q] {
			count++
		}
	}
	return count
}

// dedupeState is the canonical-key/duplicate-id bookkeeping
// _collapse_exact_duplicates threads across every section it's called for.
// Sharing one state across summary/timeline/observations is what makes a
// duplicate spanning sections collapse into a single canonical item.
type dedupeState struct {
	canonicalByKey map[string]int64
	duplicateIDs   map[int64][]int64
}

func newDedupeState() *dedupeState {
	return &dedupeState{
		canonicalByKey: make(map[string]int64),
		duplicateIDs:   make(map[int64][]int64),
	}
}

// exactDedupeKey implements §4.5 step 3's canonical key: (kind, norm_title,
// norm_body), with session_summary and title/body-less items exempt
// (empty key means "always its own canonical entry").
func exactDedupeKey(item MemoryResult) string {
	kind := normalizeKind(item.Kind)
	if kind == "session_summary" {
		return ""
	}
	nt := normalizeDedupeText(item.Title)
	nb := normalizeDedupeText(item.BodyText)
	if nt == "" && nb == "" {
		return ""
	}
	return kind + "|" + nt + "|" + nb
}

// exactDedupe collapses one section's items against the shared state,
// first occurrence (across all sections processed so far) wins.
func exactDedupe(items []MemoryResult, state *dedupeState) []PackItem {
	out := make([]PackItem, 0, len(items))
	for _, item := range items {
		key := exactDedupeKey(item)
		if key == "" {
			out = append(out, toPackItem(item))
			continue
		}
		canonicalID, ok := state.canonicalByKey[key]
		if !ok {
			state.canonicalByKey[key] = item.ID
			out = append(out, toPackItem(item))
			continue
		}
		if canonicalID == item.ID {
			out = append(out, toPackItem(item))
			continue
		}
		state.duplicateIDs[canonicalID] = append(state.duplicateIDs[canonicalID], item.ID)
	}
	return out
}

// annotateSupportCounts fills support_count/duplicate_ids after every
// section has run against the shared state, mirroring the original
// pipeline's format-time lookup (duplicate_ids is only complete once all
// three _collapse_exact_duplicates calls have returned).
func annotateSupportCounts(items []PackItem, duplicateIDs map[int64][]int64) {
	for i := range items {
		dups := duplicateIDs[items[i].ID]
		if len(dups) == 0 {
			items[i].SupportCount = 1
			continue
		}
		sorted := append([]int64(nil), dups...)
		sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
		items[i].DuplicateIDs = sorted
		items[i].SupportCount = 1 + len(sorted)
	}
}

func toPackItem(item MemoryResult) PackItem {
	tokens, source := estimateWorkTokens(item.MemoryItem)
	avoidedTokens, avoidedSource := avoidedWorkTokens(item.Metadata)
	return PackItem{
		ID:             item.ID,
		Kind:           item.Kind,
		Title:          item.Title,
		Body:           item.BodyText,
		Confidence:     item.Confidence,
		Tags:           tokenize(item.TagsText),
		workTokens:     tokens,
		workSource:     source,
		discoveryGroup: discoveryGroup(item.Metadata, item.ID),
		avoidedTokens:  avoidedTokens,
		avoidedSource:  avoidedSource,
	}
}

// estimateWorkTokens implements _estimate_work_tokens: an explicit
// metadata.discovery_tokens override (>= 0) is trusted outright; absent an
// override, falls back to a text-length estimate floored at 2000 so a
// short note never looks cheaper than the work it captured.
func estimateWorkTokens(item MemoryItem) (int64, string) {
	if tokens, ok := discoveryTokens(item.Metadata); ok {
		return tokens, discoverySource(item.Metadata)
	}
	est := int64(estimateTokens(item.Title + " " + item.BodyText))
	if est < 2000 {
		est = 2000
	}
	return est, "estimate"
}

// avoidedWorkTokens implements _avoided_work_tokens: unlike
// estimateWorkTokens, this counts ONLY an explicit, strictly-positive
// discovery_tokens override — no text-length fallback — since it feeds the
// "tokens of real work this pack avoided redoing" metric, which must not
// claim credit for work nobody ever measured.
func avoidedWorkTokens(meta map[string]any) (int64, string) {
	tokens, ok := discoveryTokens(meta)
	if !ok || tokens <= 0 {
		return 0, "unknown"
	}
	if meta != nil {
		if v, ok := meta["discovery_source"].(string); ok && v != "" {
			return tokens, v
		}
	}
	return tokens, "known"
}

// trimToBudget implements §4.5 step 4: greedy per-section fill, stopping
// once adding the next item would exceed tokenBudget AND at least one
// prior item is already included.
func trimToBudget(items []PackItem, tokenBudget int64) []PackItem {
	var out []PackItem
	var running int64
	for _, item := range items {
		est := int64(estimateTokens(item.Title + " " + item.Body))
		if running+est > tokenBudget && len(out) > 0 {
			break
		}
		out = append(out, item)
		running += est
	}
	return out
}

func buildPackText(sections ...[]PackItem) string {
	titles := []string{"Summary", "Timeline", "Observations"}
	var blocks []string
	for i, section := range sections {
		if len(section) == 0 {
			continue
		}
		var lines []string
		for _, item := range section {
			lines = append(lines, fmt.Sprintf("[%d] (%s) %s - %s", item.ID, item.Kind, item.Title, item.Body))
		}
		title := "Section"
		if i < len(titles) {
			title = titles[i]
		}
		blocks = append(blocks, fmt.Sprintf("## %s\n%s", title, strings.Join(lines, "\n")))
	}
	return strings.Join(blocks, "\n\n")
}

func (s *Store) computeMetrics(ctx context.Context, finalItems []PackItem, summary, timeline, observations []PackItem, packTokens int64, project string) PackMetrics {
	m := PackMetrics{PackTokens: packTokens}

	all := append(append(append([]PackItem{}, summary...), timeline...), observations...)

	var workSum int64
	groupWork := make(map[string]int64)
	usageCount, estimateCount := 0, 0
	for _, item := range all {
		workSum += item.workTokens
		if cur, ok := groupWork[item.discoveryGroup]; !ok || item.workTokens > cur {
			groupWork[item.discoveryGroup] = item.workTokens
		}
		if item.workSource == "usage" {
			usageCount++
		} else {
			estimateCount++
		}
	}
	m.WorkTokensSum = workSum
	var workUnique int64
	for _, v := range groupWork {
		workUnique += v
	}
	m.WorkTokensUnique = workUnique

	if usageCount > 0 && estimateCount > 0 {
		m.WorkSourceLabel = "mixed"
	} else if usageCount > 0 {
		m.WorkSourceLabel = "usage"
	} else {
		m.WorkSourceLabel = "estimate"
	}

	m.TokensSaved = maxInt64(0, workUnique-packTokens)

	if workUnique > 0 {
		m.CompressionRatio = float64(packTokens) / float64(workUnique)
		m.OverheadTokens = maxInt64(0, packTokens-workUnique)
	}

	// Avoided-work accounting runs over finalItems (the returned pack), per
	// _avoided_work_tokens — distinct from workSum/workUnique above, which
	// run over every candidate considered for a section (all).
	var avoidedTotal int64
	var avoidedKnownCount, avoidedUnknownCount int64
	avoidedSources := make(map[string]int)
	for _, item := range finalItems {
		if item.avoidedTokens > 0 {
			avoidedTotal += item.avoidedTokens
			avoidedKnownCount++
			avoidedSources[item.avoidedSource]++
		} else {
			avoidedUnknownCount++
		}
	}
	m.AvoidedTokensTotal = avoidedTotal
	m.AvoidedKnown = avoidedKnownCount
	m.AvoidedUnknown = avoidedUnknownCount
	if len(avoidedSources) > 0 {
		m.AvoidedWorkSources = avoidedSources
	}
	m.AvoidedWorkSaved = maxInt64(0, avoidedTotal-packTokens)
	if avoidedTotal > 0 {
		denom := packTokens
		if denom == 0 {
			denom = 1
		}
		m.AvoidedWorkRatio = float64(avoidedTotal) / float64(denom)
	}
	if avoidedKnownCount+avoidedUnknownCount > 0 {
		m.SavingsReliable = avoidedKnownCount >= avoidedUnknownCount
	} else {
		m.SavingsReliable = true
	}

	baseline, err := s.pickDeltaBaseline(ctx, project)
	if err == nil && baseline != nil {
		currentIDs := make([]int64, 0, len(finalItems))
		for _, item := range finalItems {
			currentIDs = append(currentIDs, item.ID)
		}
		m.PackDeltaAvailable = true
		m.AddedIDs, m.RemovedIDs, m.RetainedIDs = diffIDs(baseline.PackItemIDs, currentIDs)
		m.PackTokenDelta = packTokens - baseline.PackTokens
	}

	allIDsSet := make(map[int64]bool)
	for _, item := range all {
		allIDsSet[item.ID] = true
	}
	m.ExactDedupeReductionPercentPack = dedupeReduction(len(allIDsSet), all)
	m.ExactDedupeReductionPercentReturned = dedupeReduction(len(finalItems), timeline)

	return m
}

func dedupeReduction(uniqueCount int, items []PackItem) float64 {
	total := 0
	for _, item := range items {
		total += item.SupportCount
	}
	if total == 0 {
		return 0
	}
	return (1 - float64(uniqueCount)/float64(total)) * 100
}

// pickDeltaBaseline implements §4.5 step 5.
func (s *Store) pickDeltaBaseline(ctx context.Context, project string) (*PackEventRecord, error) {
	events, err := s.RecentPackEvents(ctx, 1, project)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func diffIDs(prior, current []int64) (added, removed, retained []int64) {
	priorSet := make(map[int64]bool, len(prior))
	for _, id := range prior {
		priorSet[id] = true
	}
	currentSet := make(map[int64]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}
	for _, id := range current {
		if priorSet[id] {
			retained = append(retained, id)
		} else {
			added = append(added, id)
		}
	}
	for _, id := range prior {
		if !currentSet[id] {
			removed = append(removed, id)
		}
	}
	return added, removed, retained
}

func packMetricsToMap(m PackMetrics, items []PackItem) map[string]any {
	return map[string]any{
		"pack_item_ids":              packItemIDs(items),
		"pack_tokens":                m.PackTokens,
		"work_tokens_sum":            m.WorkTokensSum,
		"work_tokens_unique":         m.WorkTokensUnique,
		"tokens_saved":               m.TokensSaved,
		"work_source":                m.WorkSourceLabel,
		"semantic_hits":              m.SemanticHits,
		"avoided_work_tokens":        m.AvoidedTokensTotal,
		"avoided_work_saved":         m.AvoidedWorkSaved,
		"avoided_work_known_items":   m.AvoidedKnown,
		"avoided_work_unknown_items": m.AvoidedUnknown,
		"savings_reliable":           m.SavingsReliable,
	}
}

func packItemIDs(items []PackItem) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
