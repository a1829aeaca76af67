package main

import (
	"github.com/spf13/cobra"

	"github.com/kunickiaj/codemem/internal/mcp"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Model Context Protocol server",
	}
	cmd.AddCommand(mcpServeCmd())
	return cmd
}

func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the memory store as an MCP tool surface over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			srv, err := mcp.NewServer(cfg, mcp.WithVersion(Version), mcp.WithProject(flagProject))
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()
			return srv.Run(cmd.Context())
		},
	}
}
