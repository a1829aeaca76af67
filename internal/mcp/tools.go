package mcp

import (
	"context"
	"os"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kunickiaj/codemem/internal/store"
)

func toView(item store.MemoryItem) MemoryItemView {
	return MemoryItemView{
		ID:         item.ID,
		SessionID:  item.SessionID,
		Kind:       item.Kind,
		Title:      item.Title,
		Body:       item.BodyText,
		Confidence: item.Confidence,
		Tags:       item.TagsText,
		CreatedAt:  item.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  item.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Active:     item.Active,
		Metadata:   item.Metadata,
		Project:    item.Project,
	}
}

func toViews(items []store.MemoryItem) []MemoryItemView {
	out := make([]MemoryItemView, len(items))
	for i, item := range items {
		out[i] = toView(item)
	}
	return out
}

func (s *Server) handleSearch(
	ctx context.Context, req *gomcp.CallToolRequest, in SearchInput,
) (*gomcp.CallToolResult, SearchOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}
	f := store.Filters{Kind: in.Kind, Project: s.projectOrDefault(in.Project)}
	matches, err := s.store.Search(ctx, in.Query, limit, f, true)
	if err != nil {
		return nil, SearchOutput{}, err
	}
	items := make([]SearchResultItem, len(matches))
	for i, m := range matches {
		items[i] = SearchResultItem{
			ID:         m.ID,
			Title:      m.Title,
			Kind:       m.Kind,
			Body:       m.BodyText,
			Confidence: m.Confidence,
			Score:      m.Score,
			SessionID:  m.SessionID,
			Metadata:   m.Metadata,
		}
	}
	return nil, SearchOutput{Items: items}, nil
}

func (s *Server) handleSearchIndex(
	ctx context.Context, req *gomcp.CallToolRequest, in SearchIndexInput,
) (*gomcp.CallToolResult, SearchIndexOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 8
	}
	f := store.Filters{Kind: in.Kind, Project: s.projectOrDefault(in.Project)}
	matches, err := s.store.SearchIndex(ctx, in.Query, limit, f)
	if err != nil {
		return nil, SearchIndexOutput{}, err
	}
	items := make([]MemoryItemView, len(matches))
	for i, m := range matches {
		items[i] = toView(m.MemoryItem)
	}
	return nil, SearchIndexOutput{Items: items}, nil
}

func (s *Server) handleTimeline(
	ctx context.Context, req *gomcp.CallToolRequest, in TimelineInput,
) (*gomcp.CallToolResult, TimelineOutput, error) {
	depthBefore, depthAfter := in.DepthBefore, in.DepthAfter
	if depthBefore <= 0 {
		depthBefore = 3
	}
	if depthAfter <= 0 {
		depthAfter = 3
	}
	f := store.Filters{Project: s.projectOrDefault(in.Project)}
	items, err := s.store.Timeline(ctx, in.Query, in.MemoryID, depthBefore, depthAfter, f)
	if err != nil {
		return nil, TimelineOutput{}, err
	}
	return nil, TimelineOutput{Items: toViews(items)}, nil
}

func (s *Server) handleExpand(
	ctx context.Context, req *gomcp.CallToolRequest, in ExpandInput,
) (*gomcp.CallToolResult, ExpandOutput, error) {
	depthBefore, depthAfter := in.DepthBefore, in.DepthAfter
	if depthBefore <= 0 {
		depthBefore = 3
	}
	if depthAfter <= 0 {
		depthAfter = 3
	}
	resolvedProject := s.projectOrDefault(in.Project)
	f := store.Filters{Project: resolvedProject}

	orderedIDs, seen := make([]int64, 0, len(in.IDs)), map[int64]bool{}
	for _, id := range in.IDs {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		orderedIDs = append(orderedIDs, id)
	}

	var (
		errs               []ExpandError
		missingNotFound    []int64
		missingMismatch    []int64
		anchors            []store.MemoryItem
		timelineItems      []store.MemoryItem
		timelineSeen       = map[int64]bool{}
	)

	for _, id := range orderedIDs {
		item, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, ExpandOutput{}, err
		}
		if item == nil || !item.Active {
			missingNotFound = append(missingNotFound, id)
			continue
		}
		if resolvedProject != "" && !projectMatchesScope(resolvedProject, item.Project) {
			missingMismatch = append(missingMismatch, id)
			continue
		}

		anchors = append(anchors, *item)
		expanded, err := s.store.Timeline(ctx, "", &id, depthBefore, depthAfter, f)
		if err != nil {
			return nil, ExpandOutput{}, err
		}
		for _, e := range expanded {
			if e.ID <= 0 || timelineSeen[e.ID] {
				continue
			}
			timelineSeen[e.ID] = true
			timelineItems = append(timelineItems, e)
		}
	}

	if len(missingNotFound) > 0 {
		errs = append(errs, ExpandError{Code: "NOT_FOUND", Field: "ids", Message: "some requested ids were not found", IDs: missingNotFound})
	}
	if len(missingMismatch) > 0 {
		errs = append(errs, ExpandError{Code: "PROJECT_MISMATCH", Field: "project", Message: "some requested ids are outside the requested project scope", IDs: missingMismatch})
	}

	missingSet := map[int64]bool{}
	for _, id := range missingNotFound {
		missingSet[id] = true
	}
	for _, id := range missingMismatch {
		missingSet[id] = true
	}
	var missingIDs []int64
	for _, id := range orderedIDs {
		if missingSet[id] {
			missingIDs = append(missingIDs, id)
		}
	}

	var observations []store.MemoryItem
	if in.IncludeObservations {
		obsSeen := map[int64]bool{}
		var obsIDs []int64
		for _, item := range append(append([]store.MemoryItem{}, anchors...), timelineItems...) {
			if item.ID <= 0 || obsSeen[item.ID] {
				continue
			}
			obsSeen[item.ID] = true
			obsIDs = append(obsIDs, item.ID)
		}
		var err error
		observations, err = s.store.GetMany(ctx, obsIDs)
		if err != nil {
			return nil, ExpandOutput{}, err
		}
	}

	return nil, ExpandOutput{
		Anchors:      toViews(anchors),
		Timeline:     toViews(timelineItems),
		Observations: toViews(observations),
		MissingIDs:   missingIDs,
		Errors:       errs,
		Metadata: ExpandMetadata{
			Project:             resolvedProject,
			RequestedIDsCount:   len(orderedIDs),
			ReturnedAnchorCount: len(anchors),
			TimelineCount:       len(timelineItems),
			IncludeObservations: in.IncludeObservations,
		},
	}, nil
}

// projectMatchesScope mirrors the trailing-path-segment match the pack
// builder and timeline filters use: a bare name matches any project whose
// value ends with "/name"; an empty scope matches every non-empty project,
// and an item with no project never matches.
func projectMatchesScope(scope, item string) bool {
	if item == "" {
		return false
	}
	if scope == "" {
		return true
	}
	if scope == item {
		return true
	}
	return len(item) > len(scope) && item[len(item)-len(scope)-1:] == "/"+scope
}

func (s *Server) handleGetObservations(
	ctx context.Context, req *gomcp.CallToolRequest, in GetObservationsInput,
) (*gomcp.CallToolResult, GetObservationsOutput, error) {
	items, err := s.store.GetMany(ctx, in.IDs)
	if err != nil {
		return nil, GetObservationsOutput{}, err
	}
	return nil, GetObservationsOutput{Items: toViews(items)}, nil
}

func (s *Server) handleGet(
	ctx context.Context, req *gomcp.CallToolRequest, in GetInput,
) (*gomcp.CallToolResult, GetOutput, error) {
	item, err := s.store.Get(ctx, in.MemoryID)
	if err != nil {
		return nil, GetOutput{}, err
	}
	if item == nil {
		return nil, GetOutput{Error: "not_found"}, nil
	}
	v := toView(*item)
	return nil, GetOutput{Item: &v}, nil
}

func (s *Server) handleRecent(
	ctx context.Context, req *gomcp.CallToolRequest, in RecentInput,
) (*gomcp.CallToolResult, RecentOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 8
	}
	f := store.Filters{Kind: in.Kind, Project: s.projectOrDefault(in.Project)}
	items, err := s.store.Recent(ctx, limit, f)
	if err != nil {
		return nil, RecentOutput{}, err
	}
	return nil, RecentOutput{Items: toViews(items)}, nil
}

func (s *Server) handlePack(
	ctx context.Context, req *gomcp.CallToolRequest, in PackInput,
) (*gomcp.CallToolResult, PackOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = s.packLimit
	}
	f := store.Filters{Project: s.projectOrDefault(in.Project)}
	pack, err := s.store.BuildMemoryPack(ctx, in.Context, limit, nil, f, true)
	if err != nil {
		return nil, PackOutput{}, err
	}
	return nil, PackOutput{Context: pack.Context, PackText: pack.PackText, Items: pack.Items, Metrics: pack.Metrics}, nil
}

func (s *Server) handleRemember(
	ctx context.Context, req *gomcp.CallToolRequest, in RememberInput,
) (*gomcp.CallToolResult, RememberOutput, error) {
	confidence := in.Confidence
	if confidence == 0 {
		confidence = 0.5
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	cwd, _ := os.Getwd()

	sess, err := s.store.StartSession(ctx, store.Session{
		Cwd:         cwd,
		Project:     s.projectOrDefault(in.Project),
		User:        user,
		ToolVersion: "mcp",
		Metadata:    map[string]any{"mcp": true},
	})
	if err != nil {
		return nil, RememberOutput{}, err
	}

	item, err := s.store.Remember(ctx, store.RememberInput{
		SessionID:  sess.ID,
		Kind:       in.Kind,
		Title:      in.Title,
		Body:       in.Body,
		Confidence: confidence,
	})
	if err != nil {
		return nil, RememberOutput{}, err
	}

	if err := s.store.EndSession(ctx, sess.ID); err != nil {
		return nil, RememberOutput{}, err
	}

	return nil, RememberOutput{ID: item.ID}, nil
}

func (s *Server) handleForget(
	ctx context.Context, req *gomcp.CallToolRequest, in ForgetInput,
) (*gomcp.CallToolResult, ForgetOutput, error) {
	if err := s.store.Forget(ctx, in.MemoryID); err != nil {
		return nil, ForgetOutput{}, err
	}
	return nil, ForgetOutput{Status: "ok"}, nil
}

func (s *Server) handleSchema(
	ctx context.Context, req *gomcp.CallToolRequest, in SchemaInput,
) (*gomcp.CallToolResult, SchemaOutput, error) {
	kinds := make([]string, 0, len(store.ObservationKinds)+1)
	kinds = append(kinds, store.ObservationKinds...)
	kinds = append(kinds, "session_summary")
	return nil, SchemaOutput{
		Kinds: kinds,
		Fields: map[string]string{
			"title":      "short text",
			"body":       "long text",
			"confidence": "float 0-1",
			"tags":       "derived text",
			"metadata":   "json object",
		},
		Filters: []string{"kind", "session_id", "since", "project"},
	}, nil
}

func (s *Server) handleLearn(
	ctx context.Context, req *gomcp.CallToolRequest, in LearnInput,
) (*gomcp.CallToolResult, LearnOutput, error) {
	return nil, LearnOutput{
		Intro:      "Use this tool when you're new to codemem or unsure when to recall or persist memories.",
		ClientHint: "If you are unfamiliar with codemem, call memory_learn first.",
		Recall: LearnSection{
			When: []string{
				"Start of a task or when the user references prior work.",
				"When you need background context, decisions, or recent changes.",
			},
			How: []string{
				"Use memory_search_index to get compact candidates.",
				"Use memory_timeline to expand around a promising memory.",
				"Use memory_get_observations for full details only when needed.",
				"Use memory_pack for quick one-shot context blocks.",
				"Use the project filter unless the user requests cross-project context.",
			},
			Examples: []string{
				`memory_search_index(query="billing cache bug", limit=5)`,
				`memory_timeline(memory_id=123)`,
				`memory_get_observations(ids=[123, 456])`,
			},
		},
		Persistence: LearnSection{
			When: []string{
				"Milestones: task done, key decision, new facts learned.",
				"Notable regressions or follow-ups that should be remembered.",
			},
			How: []string{
				"Use memory_remember with kind decision/observation/note.",
				"Keep titles short and bodies high-signal.",
				"Always pass the project parameter if known.",
			},
			Examples: []string{
				`memory_remember(kind="decision", title="Switch to async cache", body="...why...", project="my-service")`,
				`memory_remember(kind="observation", title="Fixed retry loop", body="...impact...", project="my-service")`,
			},
		},
		Forget: LearnSection{
			When: []string{
				"Accidental or sensitive data stored in memory.",
				"Obsolete or incorrect items that should no longer surface.",
			},
			How: []string{
				"Call memory_forget(memory_id) to mark the item inactive.",
				"Prefer forgetting over overwriting to preserve auditability.",
			},
			Examples: []string{`memory_forget(memory_id=123)`},
		},
		PromptHint: "At task start: call memory_search_index; during work: memory_timeline + memory_get_observations; at milestones: memory_remember.",
		RecommendedSystemPrompt: "Trigger policy: if the user references prior work or starts a task, call memory_search_index; " +
			"then use memory_timeline and memory_get_observations; at milestones call memory_remember; use memory_forget for " +
			"incorrect or sensitive items. Always pass the project parameter when known.",
	}, nil
}
