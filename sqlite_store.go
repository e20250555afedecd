package tinyids

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

const (
	sqliteFileName = "fingerprints.sqlite"
	sqliteTimeout  = 5 * time.Second
)

type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (Backend, error) {
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// PRAGMAs are per connection; one connection keeps them all applied
	// and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS fingerprints (
  client TEXT PRIMARY KEY,
  value  TEXT NOT NULL       -- fingerprint ":" passphrase digest
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := os.Chmod(dsn, 0600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod database: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

// Load returns the record stored for id.
func (s *sqliteStore) Load(id string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM fingerprints WHERE client=?`, id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec, err := decodeRecord(value)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Save upserts the record for id.
func (s *sqliteStore) Save(id string, r Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints(client, value) VALUES(?, ?)
		 ON CONFLICT(client) DO UPDATE SET value=excluded.value`,
		id, r.encode())
	return err
}

// Delete removes the record for id.
func (s *sqliteStore) Delete(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE client=?`, id)
	return err
}

// Close closes the database handle.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}
