package mcp

import "github.com/kunickiaj/codemem/internal/store"

// SearchInput is the input for the memory_search tool.
type SearchInput struct {
	Query   string `json:"query" jsonschema:"Free-text search query"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Max results. Default 5"`
	Kind    string `json:"kind,omitempty" jsonschema:"Restrict to a single memory kind"`
	Project string `json:"project,omitempty" jsonschema:"Restrict to a single project. Defaults to the server's resolved project"`
}

// SearchResultItem is one hit returned by memory_search.
type SearchResultItem struct {
	ID         int64          `json:"id"`
	Title      string         `json:"title"`
	Kind       string         `json:"kind"`
	Body       string         `json:"body"`
	Confidence float64        `json:"confidence"`
	Score      float64        `json:"score"`
	SessionID  string         `json:"session_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SearchOutput is the output for the memory_search tool.
type SearchOutput struct {
	Items []SearchResultItem `json:"items"`
}

// SearchIndexInput is the input for the memory_search_index tool.
type SearchIndexInput struct {
	Query   string `json:"query" jsonschema:"Free-text search query"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Max results. Default 8"`
	Kind    string `json:"kind,omitempty" jsonschema:"Restrict to a single memory kind"`
	Project string `json:"project,omitempty" jsonschema:"Restrict to a single project. Defaults to the server's resolved project"`
}

// MemoryItemView is the JSON shape shared by most memory-reading tools.
type MemoryItemView struct {
	ID         int64          `json:"id"`
	SessionID  string         `json:"session_id"`
	Kind       string         `json:"kind"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Confidence float64        `json:"confidence"`
	Tags       string         `json:"tags,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
	Active     bool           `json:"active"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Project    string         `json:"project,omitempty"`
}

// SearchIndexOutput is the output for the memory_search_index tool.
type SearchIndexOutput struct {
	Items []MemoryItemView `json:"items"`
}

// TimelineInput is the input for the memory_timeline tool.
type TimelineInput struct {
	Query       string `json:"query,omitempty" jsonschema:"Query to anchor the timeline on, when memory_id is omitted"`
	MemoryID    *int64 `json:"memory_id,omitempty" jsonschema:"Memory id to anchor the timeline on"`
	DepthBefore int    `json:"depth_before,omitempty" jsonschema:"Items to include before the anchor. Default 3"`
	DepthAfter  int    `json:"depth_after,omitempty" jsonschema:"Items to include after the anchor. Default 3"`
	Project     string `json:"project,omitempty" jsonschema:"Restrict to a single project. Defaults to the server's resolved project"`
}

// TimelineOutput is the output for the memory_timeline tool.
type TimelineOutput struct {
	Items []MemoryItemView `json:"items"`
}

// ExpandInput is the input for the memory_expand tool.
type ExpandInput struct {
	IDs                 []int64 `json:"ids" jsonschema:"Memory ids to expand"`
	DepthBefore         int     `json:"depth_before,omitempty" jsonschema:"Items to include before each anchor. Default 3"`
	DepthAfter          int     `json:"depth_after,omitempty" jsonschema:"Items to include after each anchor. Default 3"`
	IncludeObservations bool    `json:"include_observations,omitempty" jsonschema:"Also return the full observation bodies for every anchor and timeline item"`
	Project             string  `json:"project,omitempty" jsonschema:"Restrict to a single project. Defaults to the server's resolved project"`
}

// ExpandError is one entry of the errors list returned by memory_expand.
type ExpandError struct {
	Code    string  `json:"code"`
	Field   string  `json:"field"`
	Message string  `json:"message"`
	IDs     []int64 `json:"ids"`
}

// ExpandMetadata carries request-echo bookkeeping for memory_expand.
type ExpandMetadata struct {
	Project              string `json:"project,omitempty"`
	RequestedIDsCount    int    `json:"requested_ids_count"`
	ReturnedAnchorCount  int    `json:"returned_anchor_count"`
	TimelineCount        int    `json:"timeline_count"`
	IncludeObservations  bool   `json:"include_observations"`
}

// ExpandOutput is the output for the memory_expand tool.
type ExpandOutput struct {
	Anchors      []MemoryItemView `json:"anchors"`
	Timeline     []MemoryItemView `json:"timeline"`
	Observations []MemoryItemView `json:"observations"`
	MissingIDs   []int64          `json:"missing_ids"`
	Errors       []ExpandError    `json:"errors"`
	Metadata     ExpandMetadata   `json:"metadata"`
}

// GetObservationsInput is the input for the memory_get_observations tool.
type GetObservationsInput struct {
	IDs []int64 `json:"ids" jsonschema:"Memory ids to fetch in full"`
}

// GetObservationsOutput is the output for the memory_get_observations tool.
type GetObservationsOutput struct {
	Items []MemoryItemView `json:"items"`
}

// GetInput is the input for the memory_get tool.
type GetInput struct {
	MemoryID int64 `json:"memory_id" jsonschema:"Memory id to fetch"`
}

// GetOutput is the output for the memory_get tool. Error is set instead
// of Item when the id does not resolve to an active memory.
type GetOutput struct {
	Item  *MemoryItemView `json:"item,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RecentInput is the input for the memory_recent tool.
type RecentInput struct {
	Limit   int    `json:"limit,omitempty" jsonschema:"Max results. Default 8"`
	Kind    string `json:"kind,omitempty" jsonschema:"Restrict to a single memory kind"`
	Project string `json:"project,omitempty" jsonschema:"Restrict to a single project. Defaults to the server's resolved project"`
}

// RecentOutput is the output for the memory_recent tool.
type RecentOutput struct {
	Items []MemoryItemView `json:"items"`
}

// PackInput is the input for the memory_pack tool.
type PackInput struct {
	Context string `json:"context" jsonschema:"Task or query text the pack should be built around"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Max observation items to include. Defaults to the server's configured observation limit"`
	Project string `json:"project,omitempty" jsonschema:"Restrict to a single project. Defaults to the server's resolved project"`
}

// PackOutput mirrors store.Pack's JSON shape directly.
type PackOutput struct {
	Context  string           `json:"context"`
	PackText string           `json:"pack_text"`
	Items    []store.PackItem `json:"items"`
	Metrics  store.PackMetrics `json:"metrics"`
}

// RememberInput is the input for the memory_remember tool.
type RememberInput struct {
	Kind       string  `json:"kind" jsonschema:"Memory kind: decision, feature, bugfix, refactor, change, discovery, exploration, note, observation"`
	Title      string  `json:"title" jsonschema:"Short title"`
	Body       string  `json:"body" jsonschema:"High-signal body text"`
	Confidence float64 `json:"confidence,omitempty" jsonschema:"Confidence 0-1. Default 0.5"`
	Project    string  `json:"project,omitempty" jsonschema:"Project this memory belongs to. Defaults to the server's resolved project"`
}

// RememberOutput is the output for the memory_remember tool.
type RememberOutput struct {
	ID int64 `json:"id"`
}

// ForgetInput is the input for the memory_forget tool.
type ForgetInput struct {
	MemoryID int64 `json:"memory_id" jsonschema:"Memory id to mark inactive"`
}

// ForgetOutput is the output for the memory_forget tool.
type ForgetOutput struct {
	Status string `json:"status"`
}

// SchemaInput is the (empty) input for the memory_schema tool.
type SchemaInput struct{}

// SchemaOutput is the output for the memory_schema tool.
type SchemaOutput struct {
	Kinds   []string          `json:"kinds"`
	Fields  map[string]string `json:"fields"`
	Filters []string          `json:"filters"`
}

// LearnInput is the (empty) input for the memory_learn tool.
type LearnInput struct{}

// LearnSection documents when and how to use a slice of the tool surface.
type LearnSection struct {
	When     []string `json:"when"`
	How      []string `json:"how"`
	Examples []string `json:"examples"`
}

// LearnOutput is the output for the memory_learn tool: a short onboarding
// document an agent unfamiliar with the tool surface can read once.
type LearnOutput struct {
	Intro                   string       `json:"intro"`
	ClientHint              string       `json:"client_hint"`
	Recall                  LearnSection `json:"recall"`
	Persistence             LearnSection `json:"persistence"`
	Forget                  LearnSection `json:"forget"`
	PromptHint              string       `json:"prompt_hint"`
	RecommendedSystemPrompt string       `json:"recommended_system_prompt"`
}
