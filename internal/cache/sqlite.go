package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps entries in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			host_id TEXT PRIMARY KEY,
			last_update INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS cache_fields (
			host_id TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (host_id, field)
		);
	`)
	if err != nil {
		return fmt.Errorf("create cache tables: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, hostID string) (*Entry, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT last_update FROM cache_entries WHERE host_id = ?`, hostID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cache entry: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT field, value, updated_at FROM cache_fields WHERE host_id = ?`, hostID)
	if err != nil {
		return nil, fmt.Errorf("load cache fields: %w", err)
	}
	defer rows.Close()

	e := &Entry{
		HostID:       hostID,
		Fields:       make(map[string]json.RawMessage),
		LastUpdate:   time.Unix(0, last),
		FieldUpdated: make(map[string]time.Time),
	}
	for rows.Next() {
		var (
			field, value string
			updated      int64
		)
		if err := rows.Scan(&field, &value, &updated); err != nil {
			return nil, fmt.Errorf("scan cache field: %w", err)
		}
		e.Fields[field] = json.RawMessage(value)
		e.FieldUpdated[field] = time.Unix(0, updated)
	}
	return e, rows.Err()
}

// SetField implements Store.
func (s *SQLiteStore) SetField(ctx context.Context, hostID, field string, value json.RawMessage, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_fields (host_id, field, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(host_id, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, hostID, field, string(value), at.UnixNano()); err != nil {
		return fmt.Errorf("write cache field: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_entries (host_id, last_update) VALUES (?, ?)
		ON CONFLICT(host_id) DO UPDATE SET last_update = excluded.last_update
	`, hostID, at.UnixNano()); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return tx.Commit()
}

// DeleteField implements Store.
func (s *SQLiteStore) DeleteField(ctx context.Context, hostID, field string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_fields WHERE host_id = ? AND field = ?`, hostID, field); err != nil {
		return fmt.Errorf("delete cache field: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, hostID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_fields WHERE host_id = ?`, hostID); err != nil {
		return fmt.Errorf("delete cache fields: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE host_id = ?`, hostID); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return tx.Commit()
}

// Hosts implements Store.
func (s *SQLiteStore) Hosts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host_id FROM cache_entries ORDER BY host_id`)
	if err != nil {
		return nil, fmt.Errorf("list cache hosts: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		hosts = append(hosts, id)
	}
	return hosts, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
