// Package persist writes enriched items to the article store.
package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/FeedSync/internal/database"
)

const defaultPlaceholder = "https://picsum.photos/seed/%s/800/450"

// Store is the document store contract: lookup by unique key, insert, field-level update.
// Insert must return database.ErrDuplicate when the key already exists.
type Store interface {
	FindByDedupKey(ctx context.Context, key string) (*database.Article, error)
	InsertArticle(ctx context.Context, a *database.Article) error
	UpdateArticle(ctx context.Context, key string, u database.ArticleUpdate) error
	Ping(ctx context.Context) error
}

// Outcome tells whether an upsert created or updated a record.
type Outcome int

const (
	Created Outcome = iota + 1
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

// Fields is everything an upsert writes. Title and Summary are the enriched values.
type Fields struct {
	Title         string
	OriginalTitle string
	Content       string
	Summary       string
	SourceName    string
	Category      string
	PublishedAt   *time.Time
	ImageURL      string
}

// Upserter is the only writer of article records.
type Upserter struct {
	store       Store
	placeholder string
	now         func() time.Time
}

// NewUpserter creates an Upserter. placeholder is a format string with one %s for the title hash.
func NewUpserter(store Store, placeholder string) *Upserter {
	if placeholder == "" || !strings.Contains(placeholder, "%s") {
		placeholder = defaultPlaceholder
	}
	return &Upserter{store: store, placeholder: placeholder, now: time.Now}
}

// Upsert inserts the record if no record has the key, otherwise updates its mutable fields.
// A concurrent insert of the same key is resolved by updating the winner's record.
func (u *Upserter) Upsert(ctx context.Context, key string, f Fields) (Outcome, error) {
	if key == "" {
		return 0, errors.New("empty dedup key")
	}

	existing, err := u.store.FindByDedupKey(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("looking up %s: %w", key, err)
	}

	now := u.now().UTC()
	if existing == nil {
		a := &database.Article{
			DedupKey:         key,
			Title:            f.Title,
			OriginalTitle:    f.OriginalTitle,
			Content:          f.Content,
			Summary:          f.Summary,
			SourceName:       f.SourceName,
			Category:         f.Category,
			PublishedAt:      publishedOr(f.PublishedAt, now),
			ImageURL:         u.imageURL(f.ImageURL, "", f.OriginalTitle),
			EnrichmentStatus: database.EnrichmentDone,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		err := u.store.InsertArticle(ctx, a)
		if err == nil {
			return Created, nil
		}
		if !errors.Is(err, database.ErrDuplicate) {
			return 0, fmt.Errorf("inserting %s: %w", key, err)
		}
		// Lost an insert race; fall through to update the record that won.
		existing, err = u.store.FindByDedupKey(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("looking up %s after conflict: %w", key, err)
		}
		if existing == nil {
			return 0, fmt.Errorf("record %s vanished after insert conflict", key)
		}
	}

	update := database.ArticleUpdate{
		Title:            f.Title,
		OriginalTitle:    f.OriginalTitle,
		Content:          f.Content,
		Summary:          f.Summary,
		ImageURL:         u.imageURL(f.ImageURL, existing.ImageURL, f.OriginalTitle),
		Category:         f.Category,
		PublishedAt:      publishedOr(f.PublishedAt, existing.PublishedAt),
		EnrichmentStatus: database.EnrichmentDone,
		UpdatedAt:        now,
	}
	if err := u.store.UpdateArticle(ctx, key, update); err != nil {
		return 0, fmt.Errorf("updating %s: %w", key, err)
	}
	return Updated, nil
}

// imageURL prefers the feed image, then an image already on the record, then the title placeholder.
func (u *Upserter) imageURL(supplied, current, title string) string {
	if supplied != "" {
		return supplied
	}
	if current != "" {
		return current
	}
	return PlaceholderImage(u.placeholder, title)
}

// PlaceholderImage derives a stable image URL from the title.
func PlaceholderImage(format, title string) string {
	sum := sha256.Sum256([]byte(title))
	return fmt.Sprintf(format, hex.EncodeToString(sum[:8]))
}

func publishedOr(p *time.Time, fallback time.Time) time.Time {
	if p == nil || p.IsZero() {
		return fallback
	}
	return p.UTC()
}
