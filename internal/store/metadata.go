package store

import (
	"strconv"
	"strings"
	"unicode"
)

// normalizeKind lowercases and trims a kind string; callers treat an
// unrecognized result the same as "unknown" (zero bonus, falls outside the
// canonical kind set but is never rejected outright at read time).
func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

// canonicalKindSet restricts a value to the allowed kinds at write time;
// anything else is coerced to "note" the way an unrecognized classifier
// category would be rejected upstream (callers of remember are expected to
// validate against the allowed set, but the writer never panics).
var canonicalKindSet = func() map[string]bool {
	m := make(map[string]bool, len(ObservationKinds)+3)
	m["session_summary"] = true
	m["observation"] = true
	m["entities"] = true
	for _, k := range ObservationKinds {
		m[k] = true
	}
	return m
}()

func canonicalizeKind(kind string) string {
	k := normalizeKind(kind)
	if canonicalKindSet[k] {
		return k
	}
	return "note"
}

// tokenize lowercases text and extracts alphanumeric-and-underscore runs,
// the same shape the original tagger and tag-overlap scorer use.
func tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// tagsText derives the tags_text column from title+body: a deduplicated,
// space-joined token stream in first-seen order.
func tagsText(title, body string) string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range tokenize(title + " " + body) {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return strings.Join(out, " ")
}

// estimateTokens is a cheap word-count-based token estimate, used wherever
// the pipeline needs an approximate token cost without calling a real
// tokenizer (work-token accounting, pack token budgeting).
func estimateTokens(text string) int {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	// ~0.75 words per token is the common rule of thumb; round up.
	return (len(fields)*4 + 2) / 3
}

// normalizeDedupeText lowercases and collapses whitespace for the exact
// dedup canonical key.
func normalizeDedupeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// coerceNonNegativeInt rejects nil, bools, floats-in-disguise, and negative
// values; accepts ints and digit strings. Mirrors the metadata coercion
// design note: reject booleans/floats/negatives/non-digit strings, never
// treat an unknown key as an error.
func coerceNonNegativeInt(v any) (int64, bool) {
	switch t := v.(type) {
	case bool:
		return 0, false
	case int:
		if t < 0 {
			return 0, false
		}
		return int64(t), true
	case int64:
		if t < 0 {
			return 0, false
		}
		return t, true
	case float64:
		// JSON numbers decode as float64; only accept integral values.
		if t != float64(int64(t)) || t < 0 {
			return 0, false
		}
		return int64(t), true
	case string:
		if t == "" {
			return 0, false
		}
		for _, r := range t {
			if !unicode.IsDigit(r) {
				return 0, false
			}
		}
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// coercePackItemIDs validates a metadata value as a list of positive ids,
// rejecting a non-list, nil elements, or bool elements outright.
func coercePackItemIDs(v any) ([]int64, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(list))
	for _, el := range list {
		if el == nil {
			return nil, false
		}
		if _, isBool := el.(bool); isBool {
			return nil, false
		}
		n, ok := coerceNonNegativeInt(el)
		if !ok || n <= 0 {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

// discoveryTokens reads metadata.discovery_tokens if present and valid.
func discoveryTokens(meta map[string]any) (int64, bool) {
	if meta == nil {
		return 0, false
	}
	v, ok := meta["discovery_tokens"]
	if !ok {
		return 0, false
	}
	return coerceNonNegativeInt(v)
}

// discoveryGroup reads metadata.discovery_group, defaulting to "memory:{id}".
func discoveryGroup(meta map[string]any, id int64) string {
	if meta != nil {
		if v, ok := meta["discovery_group"].(string); ok && v != "" {
			return v
		}
	}
	return "memory:" + strconv.FormatInt(id, 10)
}

// discoverySource reads metadata.discovery_source, one of "usage"|"estimate".
func discoverySource(meta map[string]any) string {
	if meta != nil {
		if v, ok := meta["discovery_source"].(string); ok && v == "usage" {
			return "usage"
		}
	}
	return "estimate"
}
