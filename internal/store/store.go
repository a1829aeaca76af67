package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kunickiaj/codemem/internal/safedb"
	"github.com/kunickiaj/codemem/internal/schema"
)

// Store is the process-wide persistence handle: one safedb.DB per open
// database file, a mutex serializing writer transactions, and an explicit
// registry of live handles so a signal-driven teardown can close them all.
// This is the Go-shaped equivalent of the teacher corpus's
// threading.local()-pooled-store-plus-atexit-hook pattern: no true
// weakrefs or atexit in Go, so the registry and the teardown hook are both
// explicit.
type Store struct {
	db       *safedb.DB
	writeMu  sync.Mutex
	embedOn  bool
	deviceID string
	observer func(MemoryItem)
}

// OnRemember registers fn to be called, outside the write transaction,
// each time Remember commits a new item. Used by the dashboard viewer to
// push live updates; nil by default, so wiring one is opt-in.
func (s *Store) OnRemember(fn func(MemoryItem)) {
	s.observer = fn
}

var (
	registryMu sync.Mutex
	registry   = map[*Store]struct{}{}
	teardownOnce sync.Once
)

// Open opens (creating if necessary) the database at path, migrates it to
// the current schema, and registers the handle for teardown.
func Open(path string, embedEnabled bool) (*Store, error) {
	db, err := schema.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := schema.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{db: safedb.New(db), embedOn: embedEnabled}
	registerStore(s)
	installTeardownHook()
	return s, nil
}

// Close closes the underlying database and deregisters the handle.
func (s *Store) Close() error {
	unregisterStore(s)
	return s.db.Close()
}

func registerStore(s *Store) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s] = struct{}{}
}

func unregisterStore(s *Store) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, s)
}

// CloseAllStores closes every live store handle; used by process shutdown
// and by tests that need a clean slate.
func CloseAllStores() {
	registryMu.Lock()
	stores := make([]*Store, 0, len(registry))
	for s := range registry {
		stores = append(stores, s)
	}
	registryMu.Unlock()

	for _, s := range stores {
		_ = s.Close()
	}
}

// installTeardownHook arranges for CloseAllStores to run once on SIGINT/SIGTERM,
// the closest Go equivalent to atexit.register(close_all_stores) in the
// original process.
func installTeardownHook() {
	teardownOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-ch
			CloseAllStores()
		}()
	})
}

// withTx runs fn inside a write transaction, serialized by writeMu so at
// most one logical writer touches the database at a time; readers use
// separate short-lived context-scoped calls and never take writeMu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
