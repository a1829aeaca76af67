package replication_test

import (
	"testing"
	"time"

	"github.com/kunickiaj/codemem/internal/replication"
)

func TestCursorFormat(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := replication.Cursor(ts, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	want := "2026-01-02T03:04:05Z|01ARZ3NDEKTSV4RRFFQ69G5FAV"
	if got != want {
		t.Errorf("Cursor = %q, want %q", got, want)
	}
}

func TestCursorAdvances(t *testing.T) {
	cases := []struct {
		name             string
		current, candidate string
		want             bool
	}{
		{"empty current always advances", "", "2026-01-01T00:00:00Z|abc", true},
		{"empty candidate never advances", "2026-01-01T00:00:00Z|abc", "", false},
		{"candidate missing pipe is rejected", "", "not-a-cursor", false},
		{"strictly greater advances", "2026-01-01T00:00:00Z|abc", "2026-01-02T00:00:00Z|abc", true},
		{"equal does not advance", "2026-01-01T00:00:00Z|abc", "2026-01-01T00:00:00Z|abc", false},
		{"lesser does not advance", "2026-01-02T00:00:00Z|abc", "2026-01-01T00:00:00Z|abc", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := replication.CursorAdvances(tc.current, tc.candidate); got != tc.want {
				t.Errorf("CursorAdvances(%q, %q) = %v, want %v", tc.current, tc.candidate, got, tc.want)
			}
		})
	}
}
