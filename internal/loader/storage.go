package loader

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable, host-side key-value store for mod storage
// snapshots. Runners hold the fast in-memory copy; every storage.set
// and storage.delete notification lands here, and the snapshot rides
// back in on the next init.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenStore creates or opens the storage database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS mod_storage (
			mod        TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			PRIMARY KEY (mod, key)
		)`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set upserts one value for a mod.
func (s *Store) Set(mod, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO mod_storage (mod, key, value, updated_at)
		VALUES (?, ?, ?, strftime('%s','now'))
		ON CONFLICT(mod, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		mod, key, string(value))
	if err != nil {
		return fmt.Errorf("persist %s/%s: %w", mod, key, err)
	}
	return nil
}

// Delete removes one key for a mod. Missing keys are not an error.
func (s *Store) Delete(mod, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM mod_storage WHERE mod = ? AND key = ?`, mod, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", mod, key, err)
	}
	return nil
}

// Snapshot returns all stored values for a mod, for handing to a
// freshly initialized runner.
func (s *Store) Snapshot(mod string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key, value FROM mod_storage WHERE mod = ?`, mod)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", mod, err)
	}
	defer rows.Close()

	snapshot := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", mod, err)
		}
		snapshot[key] = json.RawMessage(value)
	}
	return snapshot, rows.Err()
}

// Purge removes every stored value for a mod, for uninstall flows.
func (s *Store) Purge(mod string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM mod_storage WHERE mod = ?`, mod); err != nil {
		return fmt.Errorf("purge %s: %w", mod, err)
	}
	return nil
}
