package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kunickiaj/codemem/internal/store"
)

func rememberCmd() *cobra.Command {
	var sessionID, kind, body, importKey string
	var confidence float64

	cmd := &cobra.Command{
		Use:   "remember <title>",
		Short: "Persist a new memory item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if sessionID == "" {
				sess, err := st.StartSession(cmd.Context(), store.Session{Project: flagProject})
				if err != nil {
					return fmt.Errorf("start session: %w", err)
				}
				sessionID = sess.ID
			}

			item, err := st.Remember(cmd.Context(), store.RememberInput{
				SessionID:  sessionID,
				Kind:       kind,
				Title:      args[0],
				Body:       body,
				Confidence: confidence,
				ImportKey:  importKey,
			})
			if err != nil {
				return err
			}
			printResult(item, func() { fmt.Printf("remembered #%d: %s\n", item.ID, item.Title) })
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to attach this memory to (starts a new one if empty)")
	cmd.Flags().StringVar(&kind, "kind", "note", "Memory kind (decision, feature, bugfix, refactor, change, discovery, exploration, note, ...)")
	cmd.Flags().StringVar(&body, "body", "", "Memory body text")
	cmd.Flags().Float64Var(&confidence, "confidence", 1.0, "Confidence in [0,1]")
	cmd.Flags().StringVar(&importKey, "import-key", "", "Idempotency key for imports")
	return cmd
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <id>",
		Short: "Mark a memory item inactive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid memory id %q: %w", args[0], err)
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.Forget(cmd.Context(), id); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Printf("forgot #%d\n", id)
			}
			return nil
		},
	}
}

func searchFlags(cmd *cobra.Command, kind *string, limit *int) {
	cmd.Flags().StringVar(kind, "kind", "", "Filter by memory kind")
	cmd.Flags().IntVar(limit, "limit", 10, "Maximum results")
}

func searchCmd() *cobra.Command {
	var kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank and return memories matching a free-text query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			f := store.Filters{Kind: kind, Project: flagProject}
			results, err := st.Search(cmd.Context(), args[0], limit, f, true)
			if err != nil {
				return err
			}
			printResult(results, func() { printMemoryResults(results) })
			return nil
		},
	}
	searchFlags(cmd, &kind, &limit)
	return cmd
}

func searchIndexCmd() *cobra.Command {
	var kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "search-index <query>",
		Short: "Like search, but returns compact candidates for a follow-up timeline/expand call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			f := store.Filters{Kind: kind, Project: flagProject}
			results, err := st.SearchIndex(cmd.Context(), args[0], limit, f)
			if err != nil {
				return err
			}
			printResult(results, func() { printMemoryResults(results) })
			return nil
		},
	}
	searchFlags(cmd, &kind, &limit)
	return cmd
}

func timelineCmd() *cobra.Command {
	var id int64
	var before, after int
	cmd := &cobra.Command{
		Use:   "timeline [query]",
		Short: "Return memories chronologically around a query match or a specific memory id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var query string
			if len(args) == 1 {
				query = args[0]
			}
			var idPtr *int64
			if id != 0 {
				idPtr = &id
			}
			f := store.Filters{Project: flagProject}
			items, err := st.Timeline(cmd.Context(), query, idPtr, before, after, f)
			if err != nil {
				return err
			}
			printResult(items, func() { printMemoryItems(items) })
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "Center the timeline on this memory id instead of a query match")
	cmd.Flags().IntVar(&before, "before", 5, "Items to include before the anchor")
	cmd.Flags().IntVar(&after, "after", 5, "Items to include after the anchor")
	return cmd
}

func expandCmd() *cobra.Command {
	var before, after int
	var full bool
	cmd := &cobra.Command{
		Use:   "expand <id> [id...]",
		Short: "Expand memory ids into their anchors plus surrounding timeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			f := store.Filters{Project: flagProject}
			out := make(map[int64][]store.MemoryItem, len(ids))
			for _, id := range ids {
				anchor := id
				items, err := st.Timeline(cmd.Context(), "", &anchor, before, after, f)
				if err != nil {
					return err
				}
				out[id] = items
			}
			if full {
				// full observation bodies are already included by GetMany below for
				// callers that want them without the surrounding timeline.
				many, err := st.GetMany(cmd.Context(), ids)
				if err != nil {
					return err
				}
				printResult(struct {
					Timeline     map[int64][]store.MemoryItem `json:"timeline"`
					Observations []store.MemoryItem           `json:"observations"`
				}{out, many}, func() { printExpand(out) })
				return nil
			}
			printResult(out, func() { printExpand(out) })
			return nil
		},
	}
	cmd.Flags().IntVar(&before, "before", 3, "Items to include before each anchor")
	cmd.Flags().IntVar(&after, "after", 3, "Items to include after each anchor")
	cmd.Flags().BoolVar(&full, "full", false, "Include full observation bodies alongside the timeline")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch the full record for a single memory id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid memory id %q: %w", args[0], err)
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			item, err := st.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if item == nil {
				return fmt.Errorf("no memory with id %d", id)
			}
			printResult(item, func() { printMemoryItems([]store.MemoryItem{*item}) })
			return nil
		},
	}
}

func getManyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-many <id> [id...]",
		Short: "Fetch the full record for a batch of memory ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			items, err := st.GetMany(cmd.Context(), ids)
			if err != nil {
				return err
			}
			printResult(items, func() { printMemoryItems(items) })
			return nil
		},
	}
}

func recentCmd() *cobra.Command {
	var kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Return the most recently created memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			f := store.Filters{Kind: kind, Project: flagProject}
			items, err := st.Recent(cmd.Context(), limit, f)
			if err != nil {
				return err
			}
			printResult(items, func() { printMemoryItems(items) })
			return nil
		},
	}
	searchFlags(cmd, &kind, &limit)
	return cmd
}

func packCmd() *cobra.Command {
	var limit int
	var tokenBudget int64
	cmd := &cobra.Command{
		Use:   "pack <task description>",
		Short: "Build a token-budgeted context pack around a task description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			f := store.Filters{Project: flagProject}
			var budgetPtr *int64
			if tokenBudget > 0 {
				budgetPtr = &tokenBudget
			}
			pack, err := st.BuildMemoryPack(cmd.Context(), args[0], limit, budgetPtr, f, true)
			if err != nil {
				return err
			}
			printResult(pack, func() { fmt.Println(pack.PackText) })
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 12, "Maximum observations to include")
	cmd.Flags().Int64Var(&tokenBudget, "token-budget", 0, "Token budget for the pack (0 = unbounded)")
	return cmd
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Describe the memory kinds, fields, and filters codemem understands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := make([]string, 0, len(store.ObservationKinds)+1)
			kinds = append(kinds, store.ObservationKinds...)
			kinds = append(kinds, "session_summary")
			out := map[string]any{
				"kinds": kinds,
				"fields": map[string]string{
					"title":      "short text",
					"body":       "long text",
					"confidence": "float 0-1",
					"tags":       "derived text",
					"metadata":   "json object",
				},
				"filters": []string{"kind", "session_id", "since", "project"},
			}
			printResult(out, func() {
				fmt.Println("kinds:", strings.Join(kinds, ", "))
				fmt.Println("filters: kind, session_id, since, project")
			})
			return nil
		},
	}
}

func learnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "learn",
		Short: "Onboarding document for an agent unfamiliar with this tool surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(`Use codemem when you're new to this tool surface or unsure when to recall or persist memories.

Recall:
  - codemem search-index "<query>" for compact candidates
  - codemem timeline --id <id> to expand around a promising memory
  - codemem pack "<task>" for a quick one-shot context block

Persist:
  - codemem remember "<title>" --kind decision --body "<detail>"
  - codemem forget <id> once a memory is stale or wrong`)
			return nil
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid memory id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printMemoryItems(items []store.MemoryItem) {
	for _, item := range items {
		fmt.Printf("#%-6d %-10s %-40s %s\n", item.ID, item.Kind, truncateLine(item.Title, 40), item.CreatedAt.Format(time.RFC3339))
	}
}

func printMemoryResults(results []store.MemoryResult) {
	for _, r := range results {
		fmt.Printf("#%-6d %5.2f %-10s %s\n", r.ID, r.Score, r.Kind, truncateLine(r.Title, 50))
	}
}

func printExpand(out map[int64][]store.MemoryItem) {
	for id, items := range out {
		fmt.Printf("=== around #%d ===\n", id)
		printMemoryItems(items)
	}
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
