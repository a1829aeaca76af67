package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kunickiaj/codemem/internal/daemon"
)

func dashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Inspect the running daemon's viewer dashboard",
	}
	cmd.AddCommand(dashboardStatusCmd())
	return cmd
}

func dashboardStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the port of a running dashboard, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			port, err := daemon.ReadPortFile(daemon.DashboardPortFilePath(filepath.Dir(cfg.DBPath)))
			if err != nil {
				return fmt.Errorf("no dashboard appears to be running: %w", err)
			}
			printResult(map[string]int{"port": port}, func() { fmt.Printf("dashboard listening on 127.0.0.1:%d\n", port) })
			return nil
		},
	}
}
