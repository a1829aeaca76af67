package main

import (
	"fmt"
	"os"

	"github.com/kunickiaj/codemem/internal/cli"
	"github.com/kunickiaj/codemem/internal/config"
	"github.com/kunickiaj/codemem/internal/store"
)

// exitWithError prints err to stderr (unless --quiet) and exits 1.
func exitWithError(err error) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(1)
}

// loadConfig resolves the runtime configuration, applying any CLI flag
// overrides on top of config.Load's environment-derived defaults.
func loadConfig() (config.Config, error) {
	cfg := config.Load()
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagProject != "" {
		cfg.Project = flagProject
	}
	return cfg, nil
}

// openStore opens the configured memory store; the caller must Close it.
func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath, cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	return st, nil
}

// printResult renders v as JSON when --json is set, otherwise via fmtFn.
func printResult(v any, fmtFn func()) {
	if flagJSON {
		fmt.Println(cli.MarshalJSONIndent(v))
		return
	}
	fmtFn()
}
