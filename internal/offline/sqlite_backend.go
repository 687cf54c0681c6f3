package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// CacheFileName is the SQLite file holding the offline cache.
const CacheFileName = "offline_cache.db"

// SQLiteBackend persists cache entries in a device-local SQLite file.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the cache database in dir.
func NewSQLiteBackend(dir string) (*SQLiteBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	dsn := filepath.Join(dir, CacheFileName) + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open offline cache db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS offline_cache (
			account_id TEXT PRIMARY KEY,
			entry      TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init offline cache schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Load implements Backend.
func (b *SQLiteBackend) Load(ctx context.Context) (map[string]Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT account_id, entry FROM offline_cache`)
	if err != nil {
		return nil, fmt.Errorf("query offline cache: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var account, raw string
		if err := rows.Scan(&account, &raw); err != nil {
			return nil, fmt.Errorf("scan offline cache entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode offline cache entry %q: %w", account, err)
		}
		out[account] = e
	}
	return out, rows.Err()
}

// Save implements Backend.
func (b *SQLiteBackend) Save(ctx context.Context, accountID string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode offline cache entry: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO offline_cache (account_id, entry, updated_at)
		VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(account_id) DO UPDATE SET entry = excluded.entry, updated_at = excluded.updated_at`,
		accountID, string(raw))
	if err != nil {
		return fmt.Errorf("write offline cache entry: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *SQLiteBackend) Delete(ctx context.Context, accountID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM offline_cache WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("delete offline cache entry: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
