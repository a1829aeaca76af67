package main

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show codemem version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printResult(map[string]string{
				"version":    Version,
				"build":      Build,
				"go_version": goruntime.Version(),
			}, func() {
				fmt.Printf("codemem v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
			})
			return nil
		},
	}
}
