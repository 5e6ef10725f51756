package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/FeedSync/internal/collect"
	"github.com/TobiSchelling/FeedSync/internal/database"
	"github.com/TobiSchelling/FeedSync/internal/enrich"
	"github.com/TobiSchelling/FeedSync/internal/metrics"
	"github.com/TobiSchelling/FeedSync/internal/ratelimit"
	"github.com/TobiSchelling/FeedSync/internal/runlock"
)

type fetchResult struct {
	items []collect.Item
	err   error
}

// fakeRetriever serves canned items per source URL.
type fakeRetriever struct {
	feeds map[string]fetchResult
	calls []string
}

func (f *fakeRetriever) Fetch(_ context.Context, src collect.Source) ([]collect.Item, error) {
	f.calls = append(f.calls, src.Name)
	r, ok := f.feeds[src.URL]
	if !ok {
		return nil, errors.New("no such feed")
	}
	return r.items, r.err
}

// mockProvider implements llm.Provider for testing.
type mockProvider struct {
	response string
	err      error
	calls    int
	prompts  []string
}

func (m *mockProvider) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.calls++
	m.prompts = append(m.prompts, prompt)
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return true }

type countingSleep struct{ n int }

func (c *countingSleep) sleep(context.Context, time.Duration) error {
	c.n++
	return nil
}

type fakeFetcher struct {
	text  string
	calls int
}

func (f *fakeFetcher) FetchText(context.Context, string) (string, error) {
	f.calls++
	return f.text, nil
}

// flakyStore wraps a real database and fails lookups for one key.
type flakyStore struct {
	*database.DB
	failKey string
	pingErr error
}

func (s *flakyStore) FindByDedupKey(ctx context.Context, key string) (*database.Article, error) {
	if key == s.failKey {
		return nil, errors.New("boom")
	}
	return s.DB.FindByDedupKey(ctx, key)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	if s.pingErr != nil {
		return s.pingErr
	}
	return s.DB.Ping(ctx)
}

const enrichedJSON = `{"translatedTitle": "モデル更新", "summary": "要約文"}`

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type harness struct {
	db        *database.DB
	retriever *fakeRetriever
	provider  *mockProvider
	sleeps    *countingSleep
	syncer    *Syncer
}

func newHarness(t *testing.T, feeds map[string]fetchResult, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		db:        openTestDB(t),
		retriever: &fakeRetriever{feeds: feeds},
		provider:  &mockProvider{response: enrichedJSON},
		sleeps:    &countingSleep{},
	}
	d := Deps{
		Retriever: h.retriever,
		Enricher:  enrich.NewEnricher(h.provider, enrich.Options{}),
		Store:     h.db,
		Governor:  ratelimit.NewFixed(time.Second, h.sleeps.sleep),
		Recorder:  h.db,
	}
	if mutate != nil {
		mutate(&d)
	}
	h.syncer = New(d)
	return h
}

func src(name, url string) collect.Source {
	return collect.Source{Name: name, URL: url, Category: collect.CategoryReliable}
}

func item(key, title string) collect.Item {
	return collect.Item{Title: title, DedupKey: key, Content: "A new model was released."}
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t, map[string]fetchResult{
		"https://x.test/feed": {items: []collect.Item{item("https://x.test/a1", "Model Update")}},
	}, nil)
	ctx := context.Background()

	sum, err := h.syncer.Run(ctx, []collect.Source{src("X", "https://x.test/feed")}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.AddedCount)
	assert.Equal(t, 0, sum.UpdatedCount)
	assert.Empty(t, sum.Errors)
	assert.Equal(t, 1, sum.ProcessedSources)
	assert.NotEmpty(t, sum.RunID)

	a, err := h.db.FindByDedupKey(ctx, "https://x.test/a1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "モデル更新", a.Title)
	assert.Equal(t, "要約文", a.Summary)
	assert.Equal(t, "Model Update", a.OriginalTitle)
	assert.Equal(t, "X", a.SourceName)
	assert.Equal(t, "Reliable", a.Category)
	assert.Equal(t, database.EnrichmentDone, a.EnrichmentStatus)
	assert.NotEmpty(t, a.ImageURL)

	assert.Equal(t, 1, h.sleeps.n, "one throttle per enrichment attempt")

	runs, err := h.db.ListSyncRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, sum.RunID, runs[0].RunID)
	assert.Equal(t, "alice", runs[0].Requester)
	assert.Equal(t, StatusCompleted, runs[0].Status)
	assert.Equal(t, 1, runs[0].AddedCount)
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, map[string]fetchResult{
		"https://x.test/feed": {items: []collect.Item{
			item("https://x.test/a1", "Model Update"),
			item("https://x.test/a2", "Another Update"),
		}},
	}, nil)
	ctx := context.Background()
	sources := []collect.Source{src("X", "https://x.test/feed")}

	first, err := h.syncer.Run(ctx, sources, "")
	require.NoError(t, err)
	assert.Equal(t, 2, first.AddedCount)

	second, err := h.syncer.Run(ctx, sources, "")
	require.NoError(t, err)
	assert.Equal(t, 0, second.AddedCount)
	assert.Equal(t, 0, second.UpdatedCount)
	assert.Equal(t, 2, second.SkippedCount)
	assert.Equal(t, 2, h.provider.calls, "fresh items are not re-enriched")
	assert.Equal(t, 2, h.sleeps.n, "skipped items are not throttled")

	all, err := h.db.ListArticles(ctx, database.ArticleFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "one record per dedup key")
}

func TestRunUpdatesStaleRecord(t *testing.T) {
	h := newHarness(t, map[string]fetchResult{
		"https://x.test/feed": {items: []collect.Item{item("https://x.test/a1", "Model Update")}},
	}, nil)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// A previous run stored the untranslated title.
	require.NoError(t, h.db.InsertArticle(ctx, &database.Article{
		DedupKey:         "https://x.test/a1",
		Title:            "New GPT Release",
		Summary:          "summary",
		SourceName:       "X",
		PublishedAt:      now,
		ImageURL:         "https://img.test/a.jpg",
		EnrichmentStatus: database.EnrichmentDone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}))

	sum, err := h.syncer.Run(ctx, []collect.Source{src("X", "https://x.test/feed")}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.AddedCount)
	assert.Equal(t, 1, sum.UpdatedCount)

	a, err := h.db.FindByDedupKey(ctx, "https://x.test/a1")
	require.NoError(t, err)
	assert.Equal(t, "モデル更新", a.Title)
	assert.Equal(t, "https://img.test/a.jpg", a.ImageURL)
	assert.True(t, now.Equal(a.CreatedAt))
}

func TestRunIsolatesFailingSource(t *testing.T) {
	h := newHarness(t, map[string]fetchResult{
		"https://a.test/feed": {items: []collect.Item{item("https://a.test/1", "Alpha")}},
		"https://b.test/feed": {err: errors.New("feed returned HTTP 500")},
		"https://c.test/feed": {items: []collect.Item{item("https://c.test/1", "Gamma")}},
	}, nil)

	sum, err := h.syncer.Run(context.Background(), []collect.Source{
		src("A", "https://a.test/feed"),
		src("B", "https://b.test/feed"),
		src("C", "https://c.test/feed"),
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.AddedCount)
	assert.Equal(t, 2, sum.ProcessedSources)
	assert.Equal(t, []string{"B: feed returned HTTP 500"}, sum.Errors)
	assert.Equal(t, []string{"A", "B", "C"}, h.retriever.calls)

	runs, err := h.db.ListSyncRuns(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithErrors, runs[0].Status)
	assert.Equal(t, []string{"B: feed returned HTTP 500"}, runs[0].Errors)
}

func TestRunValidationGate(t *testing.T) {
	h := newHarness(t, map[string]fetchResult{
		"https://x.test/feed": {items: []collect.Item{item("https://x.test/a1", "Model Update")}},
	}, nil)
	h.provider.response = `{"translatedTitle": "", "summary": "ok"}`

	sum, err := h.syncer.Run(context.Background(), []collect.Source{src("X", "https://x.test/feed")}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.AddedCount)
	assert.Equal(t, 0, sum.UpdatedCount)
	assert.Equal(t, 1, sum.SkippedCount)
	assert.Empty(t, sum.Errors, "enrichment failures are not run errors")
	assert.Equal(t, 1, h.sleeps.n, "failed attempts are throttled too")

	a, err := h.db.FindByDedupKey(context.Background(), "https://x.test/a1")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestRunEnrichmentErrorLeavesItemForNextRun(t *testing.T) {
	h := newHarness(t, map[string]fetchResult{
		"https://x.test/feed": {items: []collect.Item{item("https://x.test/a1", "Model Update")}},
	}, nil)
	ctx := context.Background()
	sources := []collect.Source{src("X", "https://x.test/feed")}

	h.provider.err = errors.New("service unavailable")
	sum, err := h.syncer.Run(ctx, sources, "")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.AddedCount)

	h.provider.err = nil
	sum, err = h.syncer.Run(ctx, sources, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.AddedCount)
}

func TestRunSkipsUnsupportedScheme(t *testing.T) {
	h := newHarness(t, map[string]fetchResult{}, nil)

	sum, err := h.syncer.Run(context.Background(), []collect.Source{src("F", "ftp://x.test/feed")}, "")
	require.NoError(t, err)
	assert.Empty(t, sum.Errors)
	assert.Equal(t, 0, sum.ProcessedSources)
	assert.Empty(t, h.retriever.calls)
}

func TestRunStoreUnavailable(t *testing.T) {
	db := openTestDB(t)
	store := &flakyStore{DB: db, pingErr: errors.New("connection refused")}
	h := newHarness(t, map[string]fetchResult{}, func(d *Deps) {
		d.Store = store
		d.Recorder = db
	})

	sum, err := h.syncer.Run(context.Background(), []collect.Source{src("X", "https://x.test/feed")}, "")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Nil(t, sum)
	assert.Empty(t, h.retriever.calls)

	runs, err := db.ListSyncRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFailed, runs[0].Status)
}

func TestRunPersistFailureSkipsRestOfSource(t *testing.T) {
	db := openTestDB(t)
	store := &flakyStore{DB: db, failKey: "https://x.test/k2"}
	h := newHarness(t, map[string]fetchResult{
		"https://x.test/feed": {items: []collect.Item{
			item("https://x.test/k1", "One"),
			item("https://x.test/k2", "Two"),
			item("https://x.test/k3", "Three"),
		}},
		"https://y.test/feed": {items: []collect.Item{item("https://y.test/k1", "Four")}},
	}, func(d *Deps) { d.Store = store })

	sum, err := h.syncer.Run(context.Background(), []collect.Source{
		src("X", "https://x.test/feed"),
		src("Y", "https://y.test/feed"),
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.AddedCount)
	assert.Equal(t, 2, sum.ProcessedSources)
	assert.Equal(t, []string{"X: persist https://x.test/k2: boom"}, sum.Errors)

	k3, err := db.FindByDedupKey(context.Background(), "https://x.test/k3")
	require.NoError(t, err)
	assert.Nil(t, k3)
}

func TestRunLocked(t *testing.T) {
	locker := runlock.NewLocal()
	release, err := locker.Acquire(context.Background(), LockKey)
	require.NoError(t, err)

	h := newHarness(t, map[string]fetchResult{}, func(d *Deps) { d.Locker = locker })
	_, err = h.syncer.Run(context.Background(), []collect.Source{src("X", "https://x.test/feed")}, "")
	assert.ErrorIs(t, err, runlock.ErrLocked)

	release()
	_, err = h.syncer.Run(context.Background(), nil, "")
	assert.NoError(t, err)
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, map[string]fetchResult{
		"https://x.test/feed": {items: []collect.Item{item("https://x.test/a1", "Model Update")}},
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.syncer.Run(ctx, []collect.Source{src("X", "https://x.test/feed")}, "")
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.Equal(t, 0, sum.AddedCount)
}

func TestRunFetchesMissingContent(t *testing.T) {
	fetcher := &fakeFetcher{text: "Full article text from the page."}
	empty := collect.Item{Title: "Model Update", DedupKey: "https://x.test/a1"}
	h := newHarness(t, map[string]fetchResult{
		"https://x.test/feed": {items: []collect.Item{empty, item("https://x.test/a2", "Other")}},
	}, func(d *Deps) { d.Fetcher = fetcher })

	_, err := h.syncer.Run(context.Background(), []collect.Source{src("X", "https://x.test/feed")}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls, "only items without content are fetched")
	require.Len(t, h.provider.prompts, 2)
	assert.Contains(t, h.provider.prompts[0], "Full article text from the page.")

	a, err := h.db.FindByDedupKey(context.Background(), "https://x.test/a1")
	require.NoError(t, err)
	assert.Equal(t, "Full article text from the page.", a.Content)
}

func TestRunRecordsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := newHarness(t, map[string]fetchResult{
		"https://x.test/feed": {items: []collect.Item{item("https://x.test/a1", "Model Update")}},
		"https://b.test/feed": {err: errors.New("timeout")},
	}, func(d *Deps) { d.Metrics = m })

	_, err := h.syncer.Run(context.Background(), []collect.Source{
		src("X", "https://x.test/feed"),
		src("B", "https://b.test/feed"),
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourcesProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourcesFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsEnriched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Persisted.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues(StatusCompletedWithErrors)))
}

func TestAdaptiveGovernorSeesOutcomes(t *testing.T) {
	sleeps := &countingSleep{}
	gov := ratelimit.NewAdaptive(time.Second, 8*time.Second, sleeps.sleep)
	h := newHarness(t, map[string]fetchResult{
		"https://x.test/feed": {items: []collect.Item{item("https://x.test/a1", "Model Update")}},
	}, func(d *Deps) { d.Governor = gov })
	h.provider.err = errors.New("rate limited")

	_, err := h.syncer.Run(context.Background(), []collect.Source{src("X", "https://x.test/feed")}, "")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, gov.Current())
	assert.Equal(t, 1, sleeps.n)
}

func TestSummaryJSON(t *testing.T) {
	sum := &Summary{Errors: []string{}, AddedCount: 1, ProcessedSources: 1}
	data, err := json.Marshal(sum)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 1.0, decoded["addedCount"])
	assert.Equal(t, 0.0, decoded["updatedCount"])
	assert.Equal(t, []any{}, decoded["errors"])
	assert.Equal(t, 1.0, decoded["processedSources"])
}

func TestDryRun(t *testing.T) {
	h := newHarness(t, map[string]fetchResult{
		"https://x.test/feed": {items: []collect.Item{
			item("https://x.test/a1", "Model Update"),
			item("https://x.test/a2", "Other"),
		}},
		"https://b.test/feed": {err: errors.New("feed returned HTTP 404")},
	}, nil)
	ctx := context.Background()
	sources := []collect.Source{src("X", "https://x.test/feed"), src("B", "https://b.test/feed")}

	// Enrich both, then blank a2's summary so only it is stale.
	_, err := h.syncer.Run(ctx, sources[:1], "")
	require.NoError(t, err)
	h.provider.calls = 0
	h.sleeps.n = 0
	err = h.db.UpdateArticle(ctx, "https://x.test/a2", database.ArticleUpdate{
		Title: "Other", EnrichmentStatus: database.EnrichmentDone, UpdatedAt: time.Now(), PublishedAt: time.Now(),
	})
	require.NoError(t, err)

	plan, err := h.syncer.DryRun(ctx, sources)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.TotalItems)
	assert.Equal(t, 1, plan.ToEnrich)
	require.Len(t, plan.Sources, 2)
	assert.Equal(t, 1, plan.Sources[0].Reasons["missing_summary"])
	assert.Equal(t, "feed returned HTTP 404", plan.Sources[1].Error)
	assert.Zero(t, h.provider.calls)
	assert.Zero(t, h.sleeps.n)
}
