package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/TobiSchelling/FeedSync/internal/collect"
	"github.com/TobiSchelling/FeedSync/internal/staleness"
)

// SourcePlan is what a run would do for one source.
type SourcePlan struct {
	Name     string                   `json:"name"`
	Items    int                      `json:"items"`
	ToEnrich int                      `json:"toEnrich"`
	Reasons  map[staleness.Reason]int `json:"reasons,omitempty"`
	Skipped  bool                     `json:"skipped,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// Plan is the result of DryRun.
type Plan struct {
	Sources    []SourcePlan `json:"sources"`
	TotalItems int          `json:"totalItems"`
	ToEnrich   int          `json:"toEnrich"`
}

// DryRun retrieves the feeds and classifies every item without enriching,
// throttling or writing anything.
func (s *Syncer) DryRun(ctx context.Context, sources []collect.Source) (*Plan, error) {
	if err := s.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	plan := &Plan{Sources: make([]SourcePlan, 0, len(sources))}
	for _, src := range sources {
		sp := SourcePlan{Name: src.Name}

		items, err := s.retriever.Fetch(ctx, src)
		switch {
		case errors.Is(err, collect.ErrUnsupportedScheme):
			sp.Skipped = true
		case err != nil:
			sp.Error = err.Error()
		default:
			sp.Items = len(items)
			for _, item := range items {
				existing, err := s.store.FindByDedupKey(ctx, item.DedupKey)
				if err != nil {
					return nil, fmt.Errorf("looking up %s: %w", item.DedupKey, err)
				}
				reason := s.classifier.Classify(item, existing)
				if reason == staleness.ReasonFresh {
					continue
				}
				if sp.Reasons == nil {
					sp.Reasons = make(map[staleness.Reason]int)
				}
				sp.Reasons[reason]++
				sp.ToEnrich++
			}
		}

		plan.TotalItems += sp.Items
		plan.ToEnrich += sp.ToEnrich
		plan.Sources = append(plan.Sources, sp)
	}
	return plan, nil
}
