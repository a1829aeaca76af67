package mcp

import (
	"context"
	"testing"
)

func remember(t *testing.T, s *Server, kind, title, body string) int64 {
	t.Helper()
	_, out, err := s.handleRemember(context.Background(), nil, RememberInput{Kind: kind, Title: title, Body: body})
	if err != nil {
		t.Fatalf("handleRemember(%q) failed: %v", title, err)
	}
	return out.ID
}

func TestHandleForget_DeactivatesItem(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id := remember(t, s, "note", "scratch", "temporary")

	if _, _, err := s.handleForget(ctx, nil, ForgetInput{MemoryID: id}); err != nil {
		t.Fatalf("handleForget failed: %v", err)
	}

	_, got, err := s.handleGet(ctx, nil, GetInput{MemoryID: id})
	if err != nil {
		t.Fatalf("handleGet failed: %v", err)
	}
	if got.Error != "not_found" {
		t.Errorf("expected forgotten item to read as not_found, got %+v", got)
	}
}

func TestHandleRecent_ReturnsNewestFirst(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	remember(t, s, "feature", "first", "body")
	remember(t, s, "feature", "second", "body")

	_, out, err := s.handleRecent(ctx, nil, RecentInput{Limit: 5})
	if err != nil {
		t.Fatalf("handleRecent failed: %v", err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(out.Items))
	}
	if out.Items[0].Title != "second" {
		t.Errorf("Items[0].Title = %q, want second", out.Items[0].Title)
	}
}

func TestHandleExpand_ReportsNotFoundAndDedupesIDs(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id := remember(t, s, "decision", "anchor", "body")

	_, out, err := s.handleExpand(ctx, nil, ExpandInput{IDs: []int64{id, id, 999999}})
	if err != nil {
		t.Fatalf("handleExpand failed: %v", err)
	}
	if out.Metadata.RequestedIDsCount != 2 {
		t.Errorf("RequestedIDsCount = %d, want 2 (deduped)", out.Metadata.RequestedIDsCount)
	}
	if len(out.Anchors) != 1 {
		t.Fatalf("expected 1 anchor, got %d", len(out.Anchors))
	}
	if len(out.MissingIDs) != 1 || out.MissingIDs[0] != 999999 {
		t.Errorf("MissingIDs = %v, want [999999]", out.MissingIDs)
	}
	foundNotFound := false
	for _, e := range out.Errors {
		if e.Code == "NOT_FOUND" {
			foundNotFound = true
		}
	}
	if !foundNotFound {
		t.Error("expected a NOT_FOUND error entry")
	}
}

func TestHandleSearch_FindsRememberedItem(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	remember(t, s, "bugfix", "fix the parser crash", "null pointer on empty input")

	_, out, err := s.handleSearch(ctx, nil, SearchInput{Query: "parser crash", Limit: 5})
	if err != nil {
		t.Fatalf("handleSearch failed: %v", err)
	}
	if len(out.Items) == 0 {
		t.Fatal("expected at least one search hit")
	}
}

func TestHandleSchema_ListsFilters(t *testing.T) {
	s := newTestServer(t)
	_, out, err := s.handleSchema(context.Background(), nil, SchemaInput{})
	if err != nil {
		t.Fatalf("handleSchema failed: %v", err)
	}
	if len(out.Kinds) == 0 {
		t.Error("expected at least one kind")
	}
	if len(out.Filters) != 4 {
		t.Errorf("expected 4 filters, got %d", len(out.Filters))
	}
}

func TestHandleLearn_ReturnsNonEmptyGuide(t *testing.T) {
	s := newTestServer(t)
	_, out, err := s.handleLearn(context.Background(), nil, LearnInput{})
	if err != nil {
		t.Fatalf("handleLearn failed: %v", err)
	}
	if out.Intro == "" || len(out.Recall.How) == 0 {
		t.Error("expected a populated learn guide")
	}
}
