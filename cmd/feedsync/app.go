package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"github.com/TobiSchelling/FeedSync/internal/collect"
	"github.com/TobiSchelling/FeedSync/internal/database"
	"github.com/TobiSchelling/FeedSync/internal/dynamostore"
	"github.com/TobiSchelling/FeedSync/internal/enrich"
	"github.com/TobiSchelling/FeedSync/internal/fetch"
	"github.com/TobiSchelling/FeedSync/internal/llm"
	"github.com/TobiSchelling/FeedSync/internal/metrics"
	"github.com/TobiSchelling/FeedSync/internal/persist"
	"github.com/TobiSchelling/FeedSync/internal/pipeline"
	"github.com/TobiSchelling/FeedSync/internal/ratelimit"
	"github.com/TobiSchelling/FeedSync/internal/runlock"
	"github.com/TobiSchelling/FeedSync/internal/server"
	"github.com/TobiSchelling/FeedSync/internal/staleness"
)

// app holds the wired components shared by sync and serve.
type app struct {
	db       *database.DB
	articles articleStore
	syncer   *pipeline.Syncer
	logger   *slog.Logger
	closers  []func()
}

// articleStore is the write side used by sync and the read side used by
// serve and the articles command, backed by the same storage.
type articleStore interface {
	persist.Store
	server.ArticleReader
}

// newApp wires the pipeline from cfg. needProvider is false for dry runs,
// which never call the enrichment service.
func newApp(ctx context.Context, needProvider bool) (*app, error) {
	logger := slog.Default()

	db, err := openDB()
	if err != nil {
		return nil, err
	}
	a := &app{db: db, logger: logger, closers: []func(){func() { db.Close() }}}

	store, err := newStore(ctx, db)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.articles = store

	heuristic, err := newHeuristic(cfg.Sync.Heuristic, cfg.Enrichment.TargetLanguage)
	if err != nil {
		a.Close()
		return nil, err
	}

	e := cfg.Enrichment
	provider := llm.CreateProvider(llm.ProviderConfig{
		Provider:      e.Provider,
		Model:         e.Model,
		OllamaURL:     e.OllamaURL,
		OpenAIModel:   e.OpenAIModel,
		OpenAIBaseURL: e.OpenAIBaseURL,
		APIKeyEnv:     e.APIKeyEnv,
		Timeout:       e.Timeout,
	}, logger)
	if provider == nil && needProvider {
		a.Close()
		return nil, errors.New("no enrichment provider available: start Ollama or set " + e.APIKeyEnv)
	}

	var locker runlock.Locker = runlock.NewLocal()
	if cfg.Lock.ValkeyAddress != "" {
		l, closeLock, err := runlock.NewValkey(ctx, cfg.Lock.ValkeyAddress, cfg.Lock.ValkeyPassword, cfg.Lock.TTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		locker = l
		a.closers = append(a.closers, closeLock)
	}

	var fetcher pipeline.ContentFetcher
	if cfg.Sync.FetchMissingContent {
		fetcher = fetch.NewContentFetcher(cfg.Sync.FetchTimeout, cfg.Sync.UserAgent)
	}

	s := cfg.Sync
	a.syncer = pipeline.New(pipeline.Deps{
		Retriever: collect.NewFeedRetriever(collect.FeedOptions{
			Client:          &http.Client{Timeout: s.FetchTimeout},
			UserAgent:       s.UserAgent,
			MaxItems:        s.MaxItemsPerSource,
			ContentMaxChars: s.ContentMaxChars,
		}),
		Classifier: staleness.NewClassifier(heuristic),
		Enricher: enrich.NewEnricher(provider, enrich.Options{
			TargetLanguage: e.TargetLanguage,
			MaxChars:       s.EnrichMaxChars,
			MaxTokens:      e.MaxTokens,
		}),
		Store:           store,
		Upserter:        persist.NewUpserter(store, cfg.Images.PlaceholderURL),
		Governor:        ratelimit.New(s.Throttle.Strategy, s.Throttle.Interval, s.Throttle.MaxInterval),
		Fetcher:         fetcher,
		Locker:          locker,
		Recorder:        db,
		Metrics:         metrics.New(prometheus.DefaultRegisterer),
		Logger:          logger,
		ContentMaxChars: s.ContentMaxChars,
	})
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// sources returns the configured sources followed by the active custom ones.
func (a *app) sources(ctx context.Context) ([]collect.Source, error) {
	custom, err := a.db.GetActiveCustomSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading custom sources: %w", err)
	}
	extra := lo.Map(custom, func(s database.CustomSource, _ int) collect.Source {
		return collect.Source{Name: s.Name, URL: s.URL, Category: collect.CategoryCustom}
	})
	return append(collect.SourcesFromConfig(cfg.Sources), extra...), nil
}

// newStore returns the article store named by store.driver. Custom sources and
// run history stay in SQLite either way.
func newStore(ctx context.Context, db *database.DB) (articleStore, error) {
	if cfg.Store.Driver != "dynamodb" {
		return db, nil
	}
	d := cfg.Store.DynamoDB
	store, err := dynamostore.New(ctx, d.Table, d.Region, d.Endpoint)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newHeuristic(name, targetLanguage string) (staleness.Heuristic, error) {
	switch name {
	case "lingua":
		h, err := staleness.NewLinguaHeuristic(targetLanguage)
		if err != nil {
			return nil, err
		}
		return h, nil
	case "none":
		return staleness.None, nil
	default:
		return staleness.ASCII, nil
	}
}
