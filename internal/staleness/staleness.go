// Package staleness decides whether a feed item needs (re-)enrichment.
package staleness

import (
	"strings"
	"unicode"

	"github.com/TobiSchelling/FeedSync/internal/collect"
	"github.com/TobiSchelling/FeedSync/internal/database"
)

// Reason explains a classification.
type Reason string

const (
	ReasonFresh          Reason = ""
	ReasonNew            Reason = "new"
	ReasonNotEnriched    Reason = "not_enriched"
	ReasonMissingSummary Reason = "missing_summary"
	ReasonMissingTitle   Reason = "missing_title"
	ReasonUntranslated   Reason = "untranslated"
)

// Heuristic reports whether a stored title still looks untranslated.
type Heuristic interface {
	Untranslated(title string) bool
}

// HeuristicFunc adapts a function to Heuristic.
type HeuristicFunc func(title string) bool

func (f HeuristicFunc) Untranslated(title string) bool { return f(title) }

// ASCII treats a title made only of ASCII letters, digits, punctuation and spaces as untranslated.
var ASCII = HeuristicFunc(IsASCIITitle)

// None never flags a title.
var None = HeuristicFunc(func(string) bool { return false })

// IsASCIITitle reports whether every rune of title is printable ASCII or whitespace.
func IsASCIITitle(title string) bool {
	for _, r := range title {
		if r > unicode.MaxASCII {
			return false
		}
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// Classifier applies the staleness rules in order; the first match wins.
//  1. no existing record
//  2. record not marked as enriched
//  3. empty summary
//  4. empty title
//  5. title flagged by the heuristic
type Classifier struct {
	heuristic Heuristic
}

// NewClassifier creates a Classifier. A nil heuristic means ASCII.
func NewClassifier(h Heuristic) *Classifier {
	if h == nil {
		h = ASCII
	}
	return &Classifier{heuristic: h}
}

// Classify returns the reason the item needs enrichment, or ReasonFresh.
func (c *Classifier) Classify(_ collect.Item, existing *database.Article) Reason {
	switch {
	case existing == nil:
		return ReasonNew
	// A translated title with a summary is still stale until the record has
	// been through enrichment at least once.
	case existing.EnrichmentStatus != database.EnrichmentDone:
		return ReasonNotEnriched
	case strings.TrimSpace(existing.Summary) == "":
		return ReasonMissingSummary
	case strings.TrimSpace(existing.Title) == "":
		return ReasonMissingTitle
	case c.heuristic.Untranslated(existing.Title):
		return ReasonUntranslated
	default:
		return ReasonFresh
	}
}

// NeedsEnrichment reports whether the item must be sent for enrichment.
func (c *Classifier) NeedsEnrichment(item collect.Item, existing *database.Article) bool {
	return c.Classify(item, existing) != ReasonFresh
}
