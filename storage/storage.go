// Package storage persists reassembled inbound binaries: blob files on disk
// plus a SQLite index keyed by transfer identifier. The transfer engine only
// ever holds the location string this package returns.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir
	DefaultDBFileName = "meshdrop.db"
	// blobDirName holds the reassembled binaries themselves
	blobDirName = "blobs"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS received_binaries (
  transfer_id   TEXT PRIMARY KEY,
  original_type TEXT NOT NULL,
  size          INTEGER NOT NULL,
  location      TEXT NOT NULL,
  received_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_received_binaries_received_at
  ON received_binaries(received_at);
`,
}

// typeExtensions maps declared media kinds to blob file extensions. The tag
// is declared, not validated against content, so unknown kinds get .bin.
var typeExtensions = map[string]string{
	"image/jpeg":               ".jpg",
	"image/png":                ".png",
	"image/gif":                ".gif",
	"application/octet-stream": ".bin",
	"text/plain":               ".txt",
}

// Store saves reassembled binaries and answers location lookups
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	blobDir string
}

// Open creates or opens the store under dataDir
func Open(dataDir string) (*Store, error) {
	blobDir := filepath.Join(dataDir, blobDirName)
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create blob dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	for i, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: apply migration %d: %w", i, err)
		}
	}

	return &Store{db: db, blobDir: blobDir}, nil
}

// Save writes the reassembled bytes to a blob file and records the index
// row, returning the stable file location. A second save for the same
// transfer identifier returns the existing location untouched.
func (s *Store) Save(transferID, originalType string, data []byte) (string, error) {
	if transferID == "" {
		return "", errors.New("storage: transfer_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if loc, err := s.locationLocked(transferID); err == nil {
		return loc, nil
	}

	ext, ok := typeExtensions[originalType]
	if !ok {
		ext = ".bin"
	}
	location := filepath.Join(s.blobDir, transferID+ext)

	if err := os.WriteFile(location, data, 0644); err != nil {
		return "", fmt.Errorf("storage: write blob %s: %w", transferID, err)
	}

	_, err := s.db.Exec(
		`INSERT INTO received_binaries (transfer_id, original_type, size, location, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO NOTHING`,
		transferID,
		originalType,
		len(data),
		location,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("storage: index blob %s: %w", transferID, err)
	}

	return location, nil
}

// Location returns the stored blob location for a transfer
func (s *Store) Location(transferID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locationLocked(transferID)
}

func (s *Store) locationLocked(transferID string) (string, error) {
	var location string
	err := s.db.QueryRow(
		`SELECT location FROM received_binaries WHERE transfer_id = ?`,
		transferID,
	).Scan(&location)
	if err != nil {
		return "", fmt.Errorf("storage: lookup %s: %w", transferID, err)
	}
	return location, nil
}

// Delete removes a blob and its index row
func (s *Store) Delete(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	location, err := s.locationLocked(transferID)
	if err != nil {
		return err
	}
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove blob %s: %w", transferID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM received_binaries WHERE transfer_id = ?`, transferID); err != nil {
		return fmt.Errorf("storage: delete index row %s: %w", transferID, err)
	}
	return nil
}

// PruneOlderThan removes blobs received before the cutoff, returning how
// many were dropped.
func (s *Store) PruneOlderThan(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT transfer_id, location FROM received_binaries WHERE received_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: query stale blobs: %w", err)
	}
	defer rows.Close()

	type stale struct{ id, location string }
	var victims []stale
	for rows.Next() {
		var v stale
		if err := rows.Scan(&v.id, &v.location); err != nil {
			return 0, fmt.Errorf("storage: scan stale blob: %w", err)
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("storage: iterate stale blobs: %w", err)
	}

	var pruned int64
	for _, v := range victims {
		if err := os.Remove(v.location); err != nil && !os.IsNotExist(err) {
			return pruned, fmt.Errorf("storage: remove blob %s: %w", v.id, err)
		}
		if _, err := s.db.Exec(`DELETE FROM received_binaries WHERE transfer_id = ?`, v.id); err != nil {
			return pruned, fmt.Errorf("storage: delete index row %s: %w", v.id, err)
		}
		pruned++
	}
	return pruned, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
