package staleness

import (
	"fmt"
	"strings"

	lingua "github.com/pemistahl/lingua-go"
	"github.com/samber/lo"
)

// LinguaHeuristic flags titles that are detected as a language other than the target.
// Titles the detector cannot place fall back to the ASCII check.
type LinguaHeuristic struct {
	detector lingua.LanguageDetector
	target   lingua.Language
}

// NewLinguaHeuristic builds a detector for the target language name, e.g. "Japanese".
func NewLinguaHeuristic(targetName string) (*LinguaHeuristic, error) {
	target, ok := LanguageByName(targetName)
	if !ok {
		return nil, fmt.Errorf("unknown target language %q", targetName)
	}

	languages := lo.Uniq([]lingua.Language{
		lingua.English,
		lingua.German,
		lingua.French,
		lingua.Spanish,
		target,
	})

	detector := lingua.NewLanguageDetectorBuilder().
		FromLanguages(languages...).
		WithMinimumRelativeDistance(0.1).
		Build()

	return &LinguaHeuristic{detector: detector, target: target}, nil
}

func (h *LinguaHeuristic) Untranslated(title string) bool {
	lang, ok := h.detector.DetectLanguageOf(title)
	if !ok {
		return IsASCIITitle(title)
	}
	return lang != h.target
}

// LanguageByName resolves a lingua language from its English name, case-insensitively.
func LanguageByName(name string) (lingua.Language, bool) {
	return lo.Find(lingua.AllLanguages(), func(l lingua.Language) bool {
		return strings.EqualFold(l.String(), strings.TrimSpace(name))
	})
}
