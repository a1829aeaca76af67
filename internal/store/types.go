// Package store implements the memory-item persistence, indexing,
// retrieval, and pack-building pipeline.
package store

import "time"

// Session is a bounded unit of work: created on StartSession, closed on
// EndSession, immutable once ended.
type Session struct {
	ID          string         `json:"id"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Cwd         string         `json:"cwd,omitempty"`
	Project     string         `json:"project,omitempty"`
	User        string         `json:"user,omitempty"`
	ToolVersion string         `json:"tool_version,omitempty"`
	GitRemote   string         `json:"git_remote,omitempty"`
	GitBranch   string         `json:"git_branch,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MemoryItem is a persisted note.
type MemoryItem struct {
	ID         int64          `json:"id"`
	SessionID  string         `json:"session_id"`
	Kind       string         `json:"kind"`
	Title      string         `json:"title"`
	BodyText   string         `json:"body_text"`
	Confidence float64        `json:"confidence"`
	TagsText   string         `json:"tags_text"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Active     bool           `json:"active"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ImportKey  string         `json:"import_key,omitempty"`
	Project    string         `json:"project,omitempty"`
}

// RememberInput is the set of fields a caller supplies to create a memory
// item; derived fields (id, timestamps, tags_text) are filled by the
// writer and indexer.
type RememberInput struct {
	SessionID  string
	Kind       string
	Title      string
	Body       string
	Confidence float64
	Metadata   map[string]any
	ImportKey  string
}

// MemoryResult is a MemoryItem annotated with retrieval-time fields.
type MemoryResult struct {
	MemoryItem
	Score         float64 `json:"score"`
	SemanticHit   bool    `json:"semantic_hit"`
	FuzzyFallback bool    `json:"fuzzy_fallback"`
	SupportCount  int     `json:"support_count"`
	DuplicateIDs  []int64 `json:"duplicate_ids,omitempty"`
}

// Filters is the retrieval filter grammar: {kind, session_id, since, project}.
type Filters struct {
	Kind      string
	SessionID string
	Since     *time.Time
	Project   string
}

// ObservationKinds is the ordered pool pack observations are filled from.
var ObservationKinds = []string{
	"decision", "feature", "bugfix", "refactor", "change", "discovery", "exploration", "note",
}

// KindBonus is additive to the base retrieval score, keyed by normalized kind.
var KindBonus = map[string]float64{
	"session_summary": 0.25,
	"decision":        0.20,
	"feature":         0.18,
	"bugfix":          0.18,
	"refactor":        0.17,
	"note":            0.15,
	"change":          0.12,
	"discovery":       0.12,
	"observation":     0.10,
	"exploration":     0.10,
	"entities":        0.05,
}

// kindBonus returns the additive rank bonus for kind, normalized to
// lowercase/trimmed; unknown or empty kinds score 0.
func kindBonus(kind string) float64 {
	k := normalizeKind(kind)
	return KindBonus[k]
}
