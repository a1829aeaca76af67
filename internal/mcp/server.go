// Package mcp exposes codemem's memory store as an MCP tool surface:
// search/search_index/timeline/expand/get/get_observations/recent/pack
// for recall, remember/forget for persistence, and schema/learn for
// self-description, onto github.com/modelcontextprotocol/go-sdk/mcp.
package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kunickiaj/codemem/internal/config"
	"github.com/kunickiaj/codemem/internal/store"
)

const defaultPackObservationLimit = 12

// Server is the codemem MCP server. It owns a single *store.Store shared
// across tool calls — safedb already serializes writer transactions, so
// unlike the teacher's per-goroutine thread-local store pool this needs no
// pooling of its own.
type Server struct {
	store          *store.Store
	defaultProject string
	packLimit      int
	version        string
	server         *gomcp.Server
}

// Option configures the MCP server.
type Option func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithProject overrides the default project scope tools fall back to
// when a call omits its own project argument.
func WithProject(project string) Option {
	return func(s *Server) {
		if project != "" {
			s.defaultProject = project
		}
	}
}

// NewServer opens the configured memory store and builds an MCP server
// exposing it. The caller owns the returned Server's lifetime and must
// call Close when done.
func NewServer(cfg config.Config, opts ...Option) (*Server, error) {
	st, err := store.Open(cfg.DBPath, cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	s := &Server{
		store:          st,
		defaultProject: cfg.Project,
		packLimit:      defaultPackObservationLimit,
		version:        "dev",
	}
	if s.defaultProject == "" {
		if cwd, err := os.Getwd(); err == nil {
			s.defaultProject = resolveProject(cwd)
		}
	}

	for _, opt := range opts {
		opt(s)
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{
			Name:    "codemem",
			Version: s.version,
		},
		nil,
	)
	s.registerTools()

	return s, nil
}

// Close releases the underlying store's database handle.
func (s *Server) Close() error {
	return s.store.Close()
}

// Run starts the MCP server on stdin/stdout and blocks until the client
// disconnects or ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// resolveProject derives a project name from a working directory the way
// a developer would name it on the command line: the directory's base
// name, with path separators normalized first.
func resolveProject(cwd string) string {
	clean := filepath.Clean(strings.ReplaceAll(cwd, "\\", "/"))
	base := filepath.Base(clean)
	if base == "." || base == "/" || base == "" {
		return ""
	}
	return base
}

// projectOrDefault returns the caller-supplied project, falling back to
// the server's resolved default project when empty.
func (s *Server) projectOrDefault(project string) string {
	if project != "" {
		return project
	}
	return s.defaultProject
}

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_search",
		Description: "Rank and return memories matching a free-text query, combining full-text, semantic, and fuzzy search.",
	}, s.handleSearch)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_search_index",
		Description: "Like memory_search but returns compact candidate records, meant for a follow-up memory_timeline or memory_get_observations call.",
	}, s.handleSearchIndex)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_timeline",
		Description: "Return memories chronologically around a query match or a specific memory id.",
	}, s.handleTimeline)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_expand",
		Description: "Expand a set of memory ids into their anchors plus surrounding timeline, with optional full observation bodies.",
	}, s.handleExpand)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_get_observations",
		Description: "Fetch the full record for a batch of memory ids.",
	}, s.handleGetObservations)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_get",
		Description: "Fetch the full record for a single memory id.",
	}, s.handleGet)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_recent",
		Description: "Return the most recently created memories.",
	}, s.handleRecent)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_pack",
		Description: "Build a token-budgeted context pack around a task description.",
	}, s.handlePack)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_remember",
		Description: "Persist a new memory item.",
	}, s.handleRemember)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_forget",
		Description: "Mark a memory item inactive so it no longer surfaces in recall.",
	}, s.handleForget)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_schema",
		Description: "Describe the memory kinds, fields, and filters this server understands.",
	}, s.handleSchema)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "memory_learn",
		Description: "Onboarding document for an agent unfamiliar with this tool surface: when and how to recall, persist, and forget.",
	}, s.handleLearn)
}
