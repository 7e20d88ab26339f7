// Package sqlite persists the in-memory store state to a single SQLite table
// of JSON bucket blobs, snapshotting the full state after every successful
// transaction and rehydrating on open.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"stagecore/internal/infra/persistence/memory"
	"stagecore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

var buckets = []string{"workspaces", "templates", "versions", "instances", "records", "history"}

// Store wraps the in-memory engine with SQLite durability.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (or creates) a SQLite-backed store at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "stagecore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	payloads := map[string][]byte{}
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan state: %w", err)
		}
		payloads[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if len(payloads) == 0 {
		return nil
	}

	snap, err := decodeSnapshot(payloads)
	if err != nil {
		return err
	}
	s.Store.ImportState(snap)
	return nil
}

func decodeSnapshot(payloads map[string][]byte) (memory.Snapshot, error) {
	var snap memory.Snapshot
	targets := map[string]any{
		"workspaces": &snap.Workspaces,
		"templates":  &snap.Templates,
		"versions":   &snap.Versions,
		"instances":  &snap.Instances,
		"records":    &snap.Records,
		"history":    &snap.History,
	}
	for bucket, target := range targets {
		payload, ok := payloads[bucket]
		if !ok {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	return snap, nil
}

func encodeSnapshot(snap memory.Snapshot) (map[string][]byte, error) {
	sources := map[string]any{
		"workspaces": snap.Workspaces,
		"templates":  snap.Templates,
		"versions":   snap.Versions,
		"instances":  snap.Instances,
		"records":    snap.Records,
		"history":    snap.History,
	}
	out := make(map[string][]byte, len(sources))
	for bucket, source := range sources {
		payload, err := json.Marshal(source)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", bucket, err)
		}
		out[bucket] = payload
	}
	return out, nil
}

// RunInTransaction applies fn in the memory engine, then snapshots the full
// state to SQLite.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	if err := s.Store.RunInTransaction(ctx, fn); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloads, err := encodeSnapshot(s.Store.ExportState())
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, bucket := range buckets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state (bucket, payload) VALUES (?, ?)
			 ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload`,
			bucket, payloads[bucket]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("write %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
