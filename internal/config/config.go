// Package config loads codemem's runtime configuration from environment
// variables, the documented configuration surface — no config file parsing,
// matching the teacher's config.Load priority-chain shape (explicit value
// wins, otherwise a documented default) without the identity-file layer the
// teacher's agent-identity config needed.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/kunickiaj/codemem/internal/paths"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	DBPath     string
	Project    string
	KeysDir    string
	Embeddings bool
	RawEvents  RawEventsConfig
}

// RawEventsConfig controls the raw-event ingestion pipeline (C9).
type RawEventsConfig struct {
	AutoFlush       bool
	DebounceMS      int
	SweeperEnabled  bool
	SweeperInterval int
	SweeperIdleMS   int
	SweeperLimit    int
	WorkerMaxEvents int
	RetentionMS     int
	StuckBatchMS    int
}

// Load resolves configuration from the environment, applying the
// documented defaults for anything unset.
func Load() Config {
	return Config{
		DBPath:     envString("CODEMEM_DB", defaultDBPath()),
		Project:    envString("CODEMEM_PROJECT", ""),
		KeysDir:    envString("CODEMEM_KEYS_DIR", defaultKeysDir()),
		Embeddings: envBool("CODEMEM_EMBEDDINGS", true),
		RawEvents: RawEventsConfig{
			AutoFlush:       envBool("CODEMEM_RAW_EVENTS_AUTO_FLUSH", false),
			DebounceMS:      envInt("CODEMEM_RAW_EVENTS_DEBOUNCE_MS", 60000),
			SweeperEnabled:  envSweeperEnabled("CODEMEM_RAW_EVENTS_SWEEPER", true),
			SweeperInterval: envInt("CODEMEM_RAW_EVENTS_SWEEPER_INTERVAL_MS", 30000),
			SweeperIdleMS:   envInt("CODEMEM_RAW_EVENTS_SWEEPER_IDLE_MS", 120000),
			SweeperLimit:    envInt("CODEMEM_RAW_EVENTS_SWEEPER_LIMIT", 25),
			WorkerMaxEvents: envInt("CODEMEM_RAW_EVENTS_WORKER_MAX_EVENTS", 250),
			RetentionMS:     envInt("CODEMEM_RAW_EVENTS_RETENTION_MS", 0),
			StuckBatchMS:    envInt("CODEMEM_RAW_EVENTS_STUCK_BATCH_MS", 300000),
		},
	}
}

// defaultDBPath resolves the XDG-aware default database path, falling back
// to a relative path in the unlikely case the home directory can't be
// resolved, so Load never needs to return an error.
func defaultDBPath() string {
	p, err := paths.DefaultDBPath()
	if err != nil {
		log.Printf("config: resolve default db path: %v", err)
		return "codemem.db"
	}
	return p
}

func defaultKeysDir() string {
	p, err := paths.DefaultKeysDir()
	if err != nil {
		log.Printf("config: resolve default keys dir: %v", err)
		return "codemem-keys"
	}
	return p
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// envSweeperEnabled implements the sweeper's documented inverse-default
// grammar: "0/false/off" disables; any other value (including unset)
// leaves it enabled.
func envSweeperEnabled(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "0", "false", "off":
		return false
	default:
		return true
	}
}
