// Package paths resolves codemem's on-disk layout: the state directory, the
// database file within it, and the device identity keys directory. Follows
// the teacher's paths package shape of one resolution entry point per
// concern, XDG-aware, with a one-shot legacy-location migration.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const appDirName = "codemem"

// StateDir returns codemem's XDG-aware state directory, without creating it.
func StateDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", appDirName), nil
}

// DefaultDBPath returns the default database path, creating the state
// directory and migrating a legacy ~/.codemem.db into it if present.
func DefaultDBPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	target := filepath.Join(dir, "memory.db")
	if err := migrateLegacyDB(target); err != nil {
		return "", err
	}
	return target, nil
}

// DefaultKeysDir returns the default directory for device identity keys.
func DefaultKeysDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "keys"), nil
}

// migrateLegacyDB moves a pre-XDG ~/.codemem.db (and any -wal/-shm
// companions) into target, once, if target doesn't already exist.
func migrateLegacyDB(target string) error {
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	legacy := filepath.Join(home, ".codemem.db")
	info, err := os.Stat(legacy)
	if err != nil || info.IsDir() {
		return nil
	}
	if err := os.Rename(legacy, target); err != nil {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(legacy + suffix); err == nil {
			if err := os.Rename(legacy+suffix, target+suffix); err != nil {
				return err
			}
		}
	}
	return nil
}
