package rawevents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// classifierTimeout bounds the classifier subprocess call; output is
// discarded on non-zero exit, the same shape the teacher's safecmd
// wrapper uses for git.
const classifierTimeout = 20 * time.Second

// authBackoffWindow is how long the sweeper suspends all flush work after
// the classifier reports an auth failure.
const authBackoffWindow = 5 * time.Minute

// allowedCategories is the observation-kind subset a classifier result may
// use; anything else is dropped.
var allowedCategories = map[string]bool{
	"discovery": true,
	"change":    true,
	"feature":   true,
	"bugfix":    true,
	"refactor":  true,
	"decision":  true,
}

// TypedMemory is one classifier-produced candidate memory.
type TypedMemory struct {
	Category       string         `json:"category"`
	Title          string         `json:"title"`
	Subtitle       string         `json:"subtitle,omitempty"`
	Narrative      string         `json:"narrative"`
	Facts          []string       `json:"facts,omitempty"`
	Concepts       []string       `json:"concepts,omitempty"`
	FilesRead      []string       `json:"files_read,omitempty"`
	FilesModified  []string       `json:"files_modified,omitempty"`
	Confidence     float64        `json:"confidence"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ErrClassifierAuth signals the classifier subprocess failed for an
// authentication reason, triggering the sweeper's backoff.
var ErrClassifierAuth = fmt.Errorf("classifier: authentication failed")

// Classifier turns a session's pending raw events into typed memories.
type Classifier interface {
	Classify(ctx context.Context, sessionID string, events []RawEvent) ([]TypedMemory, error)
}

// RawEvent is the minimal shape the classifier needs per event.
type RawEvent struct {
	EventID   string
	EventType string
	Payload   json.RawMessage
	TsWallMs  int64
}

// SubprocessClassifier shells out to an external classifier binary (the
// teacher's safecmd pattern: fixed timeout, discard output on non-zero
// exit) and parses a JSON array of candidate memories from stdout.
type SubprocessClassifier struct {
	Command []string
}

// NewSubprocessClassifier builds a classifier that runs the given command,
// appending the built prompt as its final argument.
func NewSubprocessClassifier(command ...string) *SubprocessClassifier {
	return &SubprocessClassifier{Command: command}
}

func (c *SubprocessClassifier) Classify(ctx context.Context, sessionID string, events []RawEvent) ([]TypedMemory, error) {
	if len(c.Command) == 0 {
		return heuristicClassify(events), nil
	}

	prompt := buildPrompt(sessionID, events)
	ctx, cancel := context.WithTimeout(ctx, classifierTimeout)
	defer cancel()

	args := append(append([]string{}, c.Command[1:]...), prompt)
	cmd := exec.CommandContext(ctx, c.Command[0], args...) //nolint:gosec // command is operator-configured, not user input
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if isAuthFailure(stderr.String()) {
			return nil, ErrClassifierAuth
		}
		return heuristicClassify(events), nil
	}

	memories := parseClassifierOutput(stdout.String())
	if len(memories) == 0 {
		return heuristicClassify(events), nil
	}
	return memories, nil
}

func isAuthFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") || strings.Contains(lower, "authentication")
}

func buildPrompt(sessionID string, events []RawEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s, %d events\n", sessionID, len(events))
	for _, e := range events {
		fmt.Fprintf(&b, "- %s: %s\n", e.EventType, truncate(string(e.Payload), 200))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// parseClassifierOutput extracts text parts the way the original
// implementation reads opencode's line-delimited JSON stream, falling
// back to treating the whole output as a single JSON array.
func parseClassifierOutput(output string) []TypedMemory {
	var parts []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var evt struct {
			Type string `json:"type"`
			Part struct {
				Text string `json:"text"`
			} `json:"part"`
		}
		if err := json.Unmarshal([]byte(line), &evt); err == nil && evt.Type == "text" && evt.Part.Text != "" {
			parts = append(parts, evt.Part.Text)
		}
	}
	text := output
	if len(parts) > 0 {
		text = strings.Join(parts, "\n")
	}

	var raw []map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return nil
	}

	var out []TypedMemory
	for _, item := range raw {
		category, _ := item["category"].(string)
		if category == "" {
			category, _ = item["type"].(string)
		}
		if !allowedCategories[category] {
			continue
		}
		tm := TypedMemory{
			Category:   category,
			Title:      stringField(item, "title"),
			Subtitle:   stringField(item, "subtitle"),
			Narrative:  firstNonEmpty(stringField(item, "narrative"), stringField(item, "body"), stringField(item, "text")),
			Facts:      stringSliceField(item, "facts"),
			Concepts:   stringSliceField(item, "concepts"),
			FilesRead:  stringSliceField(item, "files_read"),
			FilesModified: stringSliceField(item, "files_modified"),
			Confidence: 0.5,
		}
		if v, ok := item["confidence"].(float64); ok {
			tm.Confidence = v
		}
		if tm.Title == "" {
			tm.Title = truncate(firstLine(tm.Narrative), 80)
		}
		out = append(out, tm)
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringSliceField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// heuristicClassify is the fallback used when no classifier command is
// configured, or the subprocess yields nothing usable: a keyword-based
// categorizer over each event's payload, matching the original
// implementation's detect_category heuristic.
func heuristicClassify(events []RawEvent) []TypedMemory {
	var out []TypedMemory
	for i, e := range events {
		if i >= 6 {
			break
		}
		text := string(e.Payload)
		out = append(out, TypedMemory{
			Category:   detectCategory(text),
			Title:      truncate(text, 80),
			Narrative:  text,
			Confidence: 0.35,
		})
	}
	return out
}

func detectCategory(text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "decision", "decid", "choose", "option", "plan"):
		return "decision"
	case containsAny(lower, "bug", "fix", "error", "failure", "crash"):
		return "bugfix"
	case containsAny(lower, "refactor", "cleanup", "simplif", "restruct"):
		return "refactor"
	case containsAny(lower, "feature", "add", "implement", "introduc"):
		return "feature"
	case containsAny(lower, "change", "update", "migrat", "rename"):
		return "change"
	default:
		return "discovery"
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// AuthBackoff tracks the classifier auth-failure backoff window: once
// tripped, all flush work is suspended for authBackoffWindow and the trip
// is logged exactly once.
type AuthBackoff struct {
	mu       sync.Mutex
	until    time.Time
	loggedAt time.Time
}

// Trip starts (or extends) the backoff window, reporting whether this call
// is the one that should log it (the first trip of a given window).
func (b *AuthBackoff) Trip(now time.Time) (shouldLog bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.until) {
		return false
	}
	b.until = now.Add(authBackoffWindow)
	b.loggedAt = now
	return true
}

// Active reports whether flush work is currently suspended.
func (b *AuthBackoff) Active(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Before(b.until)
}
