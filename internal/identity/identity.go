// Package identity generates and persists the identifiers codemem hands out
// at runtime: the local device id and the prefixed ULIDs used for sessions
// and raw events. IDs are lexicographically sortable by creation time,
// matching the convention the store and replication log already use for
// memory ops.
package identity

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// GenerateSessionID returns a new session id: "sess_" + ULID.
func GenerateSessionID() string {
	return "sess_" + generateULID()
}

// GenerateRawEventID returns a new raw event id: "evt_" + ULID.
func GenerateRawEventID() string {
	return "evt_" + generateULID()
}

// GenerateDeviceID returns a new device id: "dev_" + ULID.
func GenerateDeviceID() string {
	return "dev_" + generateULID()
}

// LoadOrCreateDeviceID reads the device id persisted at
// {stateDir}/device_id, generating and persisting one on first run. The
// device id is stable for the lifetime of the state directory and is the
// identity replication ops and sync peers key off of.
func LoadOrCreateDeviceID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, "device_id")

	data, err := os.ReadFile(path) //nolint:gosec // path is under our own state dir
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	id := GenerateDeviceID()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// ULIDTimestamp extracts the creation time encoded in a prefixed ULID
// identifier (the part after the last underscore).
func ULIDTimestamp(id string) (time.Time, error) {
	raw := id
	if idx := strings.LastIndex(id, "_"); idx >= 0 {
		raw = id[idx+1:]
	}
	parsed, err := ulid.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ULID from %q: %w", id, err)
	}
	ms := parsed.Time()
	return time.UnixMilli(int64(ms)), nil //nolint:gosec // ULID ms timestamps fit int64 until year 10889
}
