// Command codemem is the CLI entry point: memory recall/persistence
// subcommands backed by internal/store, "mcp serve" exposing the same
// store over MCP, and daemon/sync subcommands driving the background
// replication and ingestion pipelines.
package main

import (
	goruntime "runtime"

	"github.com/spf13/cobra"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagDB      string
	flagProject string
	flagJSON    bool
	flagQuiet   bool
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codemem",
		Short: "Local-first developer memory store",
		Long: `codemem is a local-first memory store for coding agents and the
developers driving them.

It persists session notes, decisions, and raw tool-call events into a
local SQLite database, serves them back through hybrid full-text,
semantic, and fuzzy search, and can replicate that store to other
devices over a signed peer-to-peer sync protocol.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Path to the memory database (default: XDG state dir)")
	rootCmd.PersistentFlags().StringVar(&flagProject, "project", "", "Project scope for memory operations")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("codemem v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(
		rememberCmd(),
		forgetCmd(),
		searchCmd(),
		searchIndexCmd(),
		timelineCmd(),
		expandCmd(),
		getCmd(),
		getManyCmd(),
		recentCmd(),
		packCmd(),
		schemaCmd(),
		learnCmd(),
		mcpCmd(),
		daemonCmd(),
		syncCmd(),
		dashboardCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		exitWithError(err)
	}
}
