package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// InsertCustomSource adds a user-defined feed. The URL must be unique.
func (db *DB) InsertCustomSource(ctx context.Context, name, url string) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO custom_sources (name, url) VALUES (?, ?)`,
		name, url,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("source %s: %w", url, ErrDuplicate)
		}
		return 0, err
	}
	return result.LastInsertId()
}

// GetAllCustomSources returns all custom sources in insertion order.
func (db *DB) GetAllCustomSources(ctx context.Context) ([]CustomSource, error) {
	return db.queryCustomSources(ctx, "SELECT id, name, url, is_active, created_at, updated_at FROM custom_sources ORDER BY id")
}

// GetActiveCustomSources returns only enabled custom sources in insertion order.
func (db *DB) GetActiveCustomSources(ctx context.Context) ([]CustomSource, error) {
	return db.queryCustomSources(ctx, "SELECT id, name, url, is_active, created_at, updated_at FROM custom_sources WHERE is_active = 1 ORDER BY id")
}

// GetCustomSource returns a single custom source by ID, or nil if none exists.
func (db *DB) GetCustomSource(ctx context.Context, id int64) (*CustomSource, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, name, url, is_active, created_at, updated_at FROM custom_sources WHERE id = ?",
		id,
	)
	s, err := scanCustomSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateCustomSource updates the given fields of a custom source.
func (db *DB) UpdateCustomSource(ctx context.Context, id int64, name, url *string) error {
	var updates []string
	var args []any

	if name != nil {
		updates = append(updates, "name = ?")
		args = append(args, *name)
	}
	if url != nil {
		updates = append(updates, "url = ?")
		args = append(args, *url)
	}
	if len(updates) == 0 {
		return nil
	}

	updates = append(updates, "updated_at = datetime('now')")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE custom_sources SET %s WHERE id = ?", strings.Join(updates, ", "))
	_, err := db.conn.ExecContext(ctx, query, args...)
	return err
}

// ToggleCustomSource flips the active state of a custom source.
func (db *DB) ToggleCustomSource(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE custom_sources SET is_active = NOT is_active, updated_at = datetime('now') WHERE id = ?`,
		id,
	)
	return err
}

// DeleteCustomSource removes a custom source. Articles already synced from it are kept.
func (db *DB) DeleteCustomSource(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM custom_sources WHERE id = ?", id)
	return err
}

func (db *DB) queryCustomSources(ctx context.Context, query string, args ...any) ([]CustomSource, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []CustomSource
	for rows.Next() {
		s, err := scanCustomSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

func scanCustomSource(row rowScanner) (*CustomSource, error) {
	var s CustomSource
	var active int
	if err := row.Scan(&s.ID, &s.Name, &s.URL, &active, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.IsActive = active != 0
	return &s, nil
}
