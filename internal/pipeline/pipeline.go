// Package pipeline runs the feed sync: retrieve, classify, enrich, persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/FeedSync/internal/collect"
	"github.com/TobiSchelling/FeedSync/internal/database"
	"github.com/TobiSchelling/FeedSync/internal/enrich"
	"github.com/TobiSchelling/FeedSync/internal/metrics"
	"github.com/TobiSchelling/FeedSync/internal/persist"
	"github.com/TobiSchelling/FeedSync/internal/ratelimit"
	"github.com/TobiSchelling/FeedSync/internal/runlock"
	"github.com/TobiSchelling/FeedSync/internal/staleness"
)

// ErrStoreUnavailable aborts a run before any source is processed.
var ErrStoreUnavailable = errors.New("article store unavailable")

// LockKey is the run lock shared by every trigger.
const LockKey = "feedsync:sync"

// Run statuses stored in the run history.
const (
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusFailed              = "failed"
	StatusAborted             = "aborted"
)

// Enricher turns a title and content into a translated title and summary.
type Enricher interface {
	Enrich(ctx context.Context, title, content string) (*enrich.Result, error)
}

// ContentFetcher downloads article text for items whose feed carries none.
type ContentFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// RunRecorder stores the run history.
type RunRecorder interface {
	InsertSyncRun(ctx context.Context, r *database.SyncRun) (int64, error)
}

// Deps are the collaborators of a Syncer. Retriever, Enricher and Store are required.
type Deps struct {
	Retriever  collect.Retriever
	Classifier *staleness.Classifier
	Enricher   Enricher
	Store      persist.Store
	Upserter   *persist.Upserter
	Governor   ratelimit.Governor
	Fetcher    ContentFetcher
	Locker     runlock.Locker
	Recorder   RunRecorder
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// ContentMaxChars caps text obtained from Fetcher.
	ContentMaxChars int
}

// Summary is the result of a run.
type Summary struct {
	RunID            string    `json:"runId"`
	AddedCount       int       `json:"addedCount"`
	UpdatedCount     int       `json:"updatedCount"`
	SkippedCount     int       `json:"skippedCount"`
	Errors           []string  `json:"errors"`
	ProcessedSources int       `json:"processedSources"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
}

// Syncer is the run orchestrator. Sources are processed one at a time in the
// order given, and items in feed order. It never retries: an item whose
// enrichment failed stays stale and is picked up by the next run.
type Syncer struct {
	retriever       collect.Retriever
	classifier      *staleness.Classifier
	enricher        Enricher
	store           persist.Store
	upserter        *persist.Upserter
	governor        ratelimit.Governor
	fetcher         ContentFetcher
	locker          runlock.Locker
	recorder        RunRecorder
	metrics         *metrics.Metrics
	logger          *slog.Logger
	contentMaxChars int
	now             func() time.Time
}

// New creates a Syncer, filling optional deps with defaults.
func New(d Deps) *Syncer {
	s := &Syncer{
		retriever:       d.Retriever,
		classifier:      d.Classifier,
		enricher:        d.Enricher,
		store:           d.Store,
		upserter:        d.Upserter,
		governor:        d.Governor,
		fetcher:         d.Fetcher,
		locker:          d.Locker,
		recorder:        d.Recorder,
		metrics:         d.Metrics,
		logger:          d.Logger,
		contentMaxChars: d.ContentMaxChars,
		now:             time.Now,
	}
	if s.classifier == nil {
		s.classifier = staleness.NewClassifier(nil)
	}
	if s.upserter == nil {
		s.upserter = persist.NewUpserter(d.Store, "")
	}
	if s.governor == nil {
		s.governor = ratelimit.NewFixed(ratelimit.DefaultInterval, nil)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.contentMaxChars <= 0 {
		s.contentMaxChars = 2000
	}
	return s
}

type itemOutcome int

const (
	itemAdded itemOutcome = iota
	itemUpdated
	itemFresh
	itemEnrichFailed
)

// Run synchronizes the given sources. Source and item failures are reported in
// the summary; only a lock conflict, an unreachable store or cancellation
// produce an error.
func (s *Syncer) Run(ctx context.Context, sources []collect.Source, requester string) (*Summary, error) {
	sum := &Summary{
		RunID:     uuid.NewString(),
		Errors:    []string{},
		StartedAt: s.now().UTC(),
	}
	logger := s.logger.With("run_id", sum.RunID)

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, LockKey)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	logger.Info("sync started", "sources", len(sources), "requester", requester)

	if err := s.store.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			s.finish(ctx, logger, sum, requester, len(sources), StatusAborted)
			return sum, ctx.Err()
		}
		err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		sum.Errors = append(sum.Errors, err.Error())
		s.finish(ctx, logger, sum, requester, len(sources), StatusFailed)
		return nil, err
	}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			s.finish(ctx, logger, sum, requester, len(sources), StatusAborted)
			return sum, err
		}
		if err := s.syncSource(ctx, logger, src, sum); err != nil {
			s.finish(ctx, logger, sum, requester, len(sources), StatusAborted)
			return sum, err
		}
	}

	status := StatusCompleted
	if len(sum.Errors) > 0 {
		status = StatusCompletedWithErrors
	}
	s.finish(ctx, logger, sum, requester, len(sources), status)
	return sum, nil
}

// syncSource processes one source. It returns an error only when the run must stop.
func (s *Syncer) syncSource(ctx context.Context, logger *slog.Logger, src collect.Source, sum *Summary) error {
	log := logger.With("source", src.Name)

	if !collect.IsHTTPURL(src.URL) {
		log.Debug("skipping source with unsupported URL", "url", src.URL)
		return nil
	}

	items, err := s.retriever.Fetch(ctx, src)
	if errors.Is(err, collect.ErrUnsupportedScheme) {
		log.Debug("skipping source with unsupported URL", "url", src.URL)
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("source failed", "error", err)
		sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", src.Name, err))
		s.metrics.SourceFailed()
		return nil
	}

	sum.ProcessedSources++
	s.metrics.SourceProcessed()
	log.Debug("feed retrieved", "items", len(items))

	for _, item := range items {
		outcome, err := s.syncItem(ctx, log, src, item)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("persisting failed, skipping rest of source", "key", item.DedupKey, "error", err)
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: persist %s: %v", src.Name, item.DedupKey, err))
			s.metrics.SourceFailed()
			return nil
		}
		switch outcome {
		case itemAdded:
			sum.AddedCount++
		case itemUpdated:
			sum.UpdatedCount++
		default:
			sum.SkippedCount++
		}
	}
	return nil
}

func (s *Syncer) syncItem(ctx context.Context, log *slog.Logger, src collect.Source, item collect.Item) (itemOutcome, error) {
	existing, err := s.store.FindByDedupKey(ctx, item.DedupKey)
	if err != nil {
		return 0, err
	}

	reason := s.classifier.Classify(item, existing)
	if reason == staleness.ReasonFresh {
		s.metrics.ItemSkipped()
		return itemFresh, nil
	}
	log.Debug("item needs enrichment", "key", item.DedupKey, "reason", reason)

	content := s.contentFor(ctx, log, item)

	start := time.Now()
	res, enrichErr := s.enricher.Enrich(ctx, item.Title, content)
	s.metrics.Enriched(enrichErr == nil, time.Since(start).Seconds())
	if rec, ok := s.governor.(ratelimit.Recorder); ok {
		rec.Record(enrichErr == nil)
	}
	if err := s.governor.Throttle(ctx); err != nil {
		return 0, err
	}

	if enrichErr != nil {
		log.Warn("enrichment failed, item left for next run", "key", item.DedupKey, "error", enrichErr)
		return itemEnrichFailed, nil
	}

	outcome, err := s.upserter.Upsert(ctx, item.DedupKey, persist.Fields{
		Title:         res.TranslatedTitle,
		OriginalTitle: item.Title,
		Content:       content,
		Summary:       res.Summary,
		SourceName:    src.Name,
		Category:      string(src.Category),
		PublishedAt:   item.PublishedAt,
		ImageURL:      item.ImageURL,
	})
	if err != nil {
		return 0, err
	}
	s.metrics.RecordPersisted(outcome.String())

	if outcome == persist.Created {
		return itemAdded, nil
	}
	return itemUpdated, nil
}

// contentFor returns the feed snippet, or the page text when the snippet is
// empty and a fetcher is configured.
func (s *Syncer) contentFor(ctx context.Context, log *slog.Logger, item collect.Item) string {
	if item.Content != "" || s.fetcher == nil {
		return item.Content
	}
	text, err := s.fetcher.FetchText(ctx, item.DedupKey)
	if err != nil {
		log.Debug("full-text fetch failed", "key", item.DedupKey, "error", err)
		return ""
	}
	return enrich.Truncate(text, s.contentMaxChars)
}

func (s *Syncer) finish(ctx context.Context, logger *slog.Logger, sum *Summary, requester string, sourceCount int, status string) {
	sum.FinishedAt = s.now().UTC()
	s.metrics.RunFinished(status, sum.FinishedAt.Sub(sum.StartedAt).Seconds())

	logger.Info("sync finished",
		"status", status,
		"added", sum.AddedCount,
		"updated", sum.UpdatedCount,
		"skipped", sum.SkippedCount,
		"processed_sources", sum.ProcessedSources,
		"errors", len(sum.Errors),
	)

	if s.recorder == nil {
		return
	}
	// Record even when ctx was cancelled.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := s.recorder.InsertSyncRun(recCtx, &database.SyncRun{
		RunID:            sum.RunID,
		Requester:        requester,
		Status:           status,
		StartedAt:        sum.StartedAt,
		FinishedAt:       sum.FinishedAt,
		SourceCount:      sourceCount,
		ProcessedSources: sum.ProcessedSources,
		AddedCount:       sum.AddedCount,
		UpdatedCount:     sum.UpdatedCount,
		SkippedCount:     sum.SkippedCount,
		Errors:           sum.Errors,
	})
	if err != nil {
		logger.Warn("failed to record sync run", "error", err)
	}
}
