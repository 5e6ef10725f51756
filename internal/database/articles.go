package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var articleColumns = []string{
	"id", "dedup_key", "title", "original_title", "content", "summary", "source_name",
	"category", "published_at", "image_url", "enrichment_status", "created_at", "updated_at",
}

// FindByDedupKey returns the article with the given dedup key, or nil if none exists.
func (db *DB) FindByDedupKey(ctx context.Context, key string) (*Article, error) {
	query, args, err := sq.Select(articleColumns...).
		From("articles").
		Where(sq.Eq{"dedup_key": key}).
		ToSql()
	if err != nil {
		return nil, err
	}

	a, err := scanArticle(db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetArticleByID returns a single article by ID, or nil if none exists.
func (db *DB) GetArticleByID(ctx context.Context, articleID int64) (*Article, error) {
	query, args, err := sq.Select(articleColumns...).
		From("articles").
		Where(sq.Eq{"id": articleID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	a, err := scanArticle(db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// InsertArticle inserts a new article. A dedup key collision returns ErrDuplicate.
func (db *DB) InsertArticle(ctx context.Context, a *Article) error {
	query, args, err := sq.Insert("articles").
		SetMap(map[string]any{
			"dedup_key":         a.DedupKey,
			"title":             a.Title,
			"original_title":    a.OriginalTitle,
			"content":           a.Content,
			"summary":           a.Summary,
			"source_name":       a.SourceName,
			"category":          a.Category,
			"published_at":      formatTime(a.PublishedAt),
			"image_url":         a.ImageURL,
			"enrichment_status": a.EnrichmentStatus,
			"created_at":        formatTime(a.CreatedAt),
			"updated_at":        formatTime(a.UpdatedAt),
		}).
		ToSql()
	if err != nil {
		return err
	}

	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting article: %w", err)
	}
	id, err := result.LastInsertId()
	if err == nil {
		a.ID = id
	}
	return nil
}

// UpdateArticle overwrites the mutable fields of the article with the given dedup key.
func (db *DB) UpdateArticle(ctx context.Context, key string, u ArticleUpdate) error {
	query, args, err := sq.Update("articles").
		SetMap(map[string]any{
			"title":             u.Title,
			"original_title":    u.OriginalTitle,
			"content":           u.Content,
			"summary":           u.Summary,
			"image_url":         u.ImageURL,
			"category":          u.Category,
			"published_at":      formatTime(u.PublishedAt),
			"enrichment_status": u.EnrichmentStatus,
			"updated_at":        formatTime(u.UpdatedAt),
		}).
		Where(sq.Eq{"dedup_key": key}).
		ToSql()
	if err != nil {
		return err
	}

	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating article: %w", err)
	}
	n, err := result.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("updating article %s: %w", key, sql.ErrNoRows)
	}
	return nil
}

// ListArticles returns articles, most recently published first.
func (db *DB) ListArticles(ctx context.Context, f ArticleFilter) ([]Article, error) {
	b := sq.Select(articleColumns...).
		From("articles").
		OrderBy("published_at DESC", "id DESC")
	if f.SourceName != "" {
		b = b.Where(sq.Eq{"source_name": f.SourceName})
	}
	if f.Category != "" {
		b = b.Where(sq.Eq{"category": f.Category})
	}
	// SQLite only accepts OFFSET after LIMIT.
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
		if f.Offset > 0 {
			b = b.Offset(f.Offset)
		}
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (*Article, error) {
	var a Article
	var published, created, updated string
	if err := row.Scan(&a.ID, &a.DedupKey, &a.Title, &a.OriginalTitle, &a.Content, &a.Summary,
		&a.SourceName, &a.Category, &published, &a.ImageURL, &a.EnrichmentStatus,
		&created, &updated); err != nil {
		return nil, err
	}
	a.PublishedAt = parseTime(published)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
