package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned when an insert violates the dedup_key unique constraint.
var ErrDuplicate = errors.New("duplicate dedup key")

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps a SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM articles", &s.TotalArticles},
		{"SELECT COUNT(*) FROM articles WHERE enrichment_status = 'done'", &s.EnrichedArticles},
		{"SELECT COUNT(DISTINCT source_name) FROM articles", &s.Sources},
		{"SELECT COUNT(*) FROM custom_sources", &s.TotalCustomSources},
		{"SELECT COUNT(*) FROM custom_sources WHERE is_active = 1", &s.ActiveCustomSources},
		{"SELECT COUNT(*) FROM sync_runs", &s.SyncRuns},
	}

	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	var last sql.NullString
	if err := db.conn.QueryRowContext(ctx, "SELECT MAX(finished_at) FROM sync_runs").Scan(&last); err != nil {
		return nil, err
	}
	if last.Valid {
		s.LastRunAt = &last.String
	}

	return s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
