package persist

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/FeedSync/internal/database"
)

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	articles map[string]database.Article
	// beforeInsert runs inside InsertArticle before the uniqueness check.
	beforeInsert func()
	findErr      error
	inserts      int
	updates      int
}

func newMemStore() *memStore {
	return &memStore{articles: make(map[string]database.Article)}
}

func (m *memStore) FindByDedupKey(_ context.Context, key string) (*database.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	a, ok := m.articles[key]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *memStore) InsertArticle(_ context.Context, a *database.Article) error {
	if m.beforeInsert != nil {
		m.beforeInsert()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.articles[a.DedupKey]; ok {
		return database.ErrDuplicate
	}
	m.inserts++
	m.articles[a.DedupKey] = *a
	return nil
}

func (m *memStore) UpdateArticle(_ context.Context, key string, u database.ArticleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[key]
	if !ok {
		return errors.New("not found")
	}
	m.updates++
	a.Title, a.OriginalTitle, a.Content, a.Summary = u.Title, u.OriginalTitle, u.Content, u.Summary
	a.ImageURL, a.Category, a.PublishedAt = u.ImageURL, u.Category, u.PublishedAt
	a.EnrichmentStatus, a.UpdatedAt = u.EnrichmentStatus, u.UpdatedAt
	m.articles[key] = a
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func fields() Fields {
	return Fields{
		Title:         "モデル更新",
		OriginalTitle: "Model Update",
		Content:       "content",
		Summary:       "要約文",
		SourceName:    "X",
		Category:      "Reliable",
	}
}

func TestUpsertCreatesRecord(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store, "")
	now := time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC)
	u.now = fixedClock(now)

	outcome, err := u.Upsert(context.Background(), "https://x.test/a1", fields())
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)

	a := store.articles["https://x.test/a1"]
	assert.Equal(t, "モデル更新", a.Title)
	assert.Equal(t, "Model Update", a.OriginalTitle)
	assert.Equal(t, database.EnrichmentDone, a.EnrichmentStatus)
	assert.Equal(t, now, a.CreatedAt)
	assert.Equal(t, now, a.UpdatedAt)
	assert.Equal(t, now, a.PublishedAt, "missing publish date falls back to ingestion time")
	assert.Equal(t, PlaceholderImage(defaultPlaceholder, "Model Update"), a.ImageURL)
}

func TestUpsertUpdatesRecord(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store, "")
	created := time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC)
	u.now = fixedClock(created)

	_, err := u.Upsert(context.Background(), "https://x.test/a1", fields())
	require.NoError(t, err)
	store.articles["https://x.test/a1"] = func() database.Article {
		a := store.articles["https://x.test/a1"]
		a.ImageURL = "https://img.test/kept.jpg"
		return a
	}()

	later := created.Add(time.Hour)
	u.now = fixedClock(later)
	published := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)
	f := fields()
	f.Title = "モデルの更新"
	f.Summary = "新しい要約"
	f.PublishedAt = &published
	f.SourceName = "Renamed"

	outcome, err := u.Upsert(context.Background(), "https://x.test/a1", f)
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)

	a := store.articles["https://x.test/a1"]
	assert.Equal(t, "モデルの更新", a.Title)
	assert.Equal(t, "新しい要約", a.Summary)
	assert.Equal(t, created, a.CreatedAt)
	assert.Equal(t, later, a.UpdatedAt)
	assert.Equal(t, published, a.PublishedAt)
	assert.Equal(t, "X", a.SourceName, "source name is not part of an update")
	assert.Equal(t, "https://img.test/kept.jpg", a.ImageURL)
	assert.Equal(t, 1, store.inserts)
	assert.Equal(t, 1, store.updates)
}

func TestUpsertKeepsPublishDateWhenFeedHasNone(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store, "")
	first := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	u.now = fixedClock(first)

	_, err := u.Upsert(context.Background(), "https://x.test/undated", fields())
	require.NoError(t, err)

	u.now = fixedClock(time.Date(2026, 1, 3, 8, 0, 0, 0, time.UTC))
	outcome, err := u.Upsert(context.Background(), "https://x.test/undated", fields())
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)

	a := store.articles["https://x.test/undated"]
	assert.Equal(t, first, a.PublishedAt, "refreshing an undated item must not move it to the top")
}

func TestUpsertUsesSuppliedImage(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store, "https://img.test/%s.png")

	f := fields()
	f.ImageURL = "https://cdn.test/feed.jpg"
	_, err := u.Upsert(context.Background(), "k", f)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/feed.jpg", store.articles["k"].ImageURL)

	_, err = u.Upsert(context.Background(), "k2", fields())
	require.NoError(t, err)
	assert.Equal(t, PlaceholderImage("https://img.test/%s.png", "Model Update"), store.articles["k2"].ImageURL)
}

func TestPlaceholderImageIsDeterministic(t *testing.T) {
	a := PlaceholderImage(defaultPlaceholder, "Model Update")
	b := PlaceholderImage(defaultPlaceholder, "Model Update")
	c := PlaceholderImage(defaultPlaceholder, "Other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "https://picsum.photos/seed/")
}

func TestUpsertResolvesInsertRace(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store, "")

	// Another writer inserts the same key between our lookup and our insert.
	store.beforeInsert = func() {
		store.beforeInsert = nil
		store.mu.Lock()
		store.articles["https://x.test/a1"] = database.Article{
			DedupKey:  "https://x.test/a1",
			Title:     "他の書き込み",
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		store.mu.Unlock()
	}

	outcome, err := u.Upsert(context.Background(), "https://x.test/a1", fields())
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)
	assert.Len(t, store.articles, 1)
	assert.Equal(t, "モデル更新", store.articles["https://x.test/a1"].Title)
	assert.Equal(t, 2026, store.articles["https://x.test/a1"].CreatedAt.Year())
	assert.Equal(t, time.January, store.articles["https://x.test/a1"].CreatedAt.Month())
}

func TestUpsertLookupError(t *testing.T) {
	store := newMemStore()
	store.findErr = errors.New("store offline")

	_, err := NewUpserter(store, "").Upsert(context.Background(), "k", fields())
	assert.ErrorContains(t, err, "store offline")
	assert.Empty(t, store.articles)
}

func TestUpsertEmptyKey(t *testing.T) {
	_, err := NewUpserter(newMemStore(), "").Upsert(context.Background(), "", fields())
	assert.Error(t, err)
}

func TestUpsertAgainstSQLite(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	u := NewUpserter(db, "")
	ctx := context.Background()

	outcome, err := u.Upsert(ctx, "https://x.test/a1", fields())
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)

	outcome, err = u.Upsert(ctx, "https://x.test/a1", fields())
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)

	all, err := db.ListArticles(ctx, database.ArticleFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
