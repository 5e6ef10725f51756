// Package enrich translates and summarizes feed items through an LLM provider.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TobiSchelling/FeedSync/internal/llm"
)

const (
	defaultMaxChars  = 1500
	defaultMaxTokens = 512
	defaultLanguage  = "Japanese"
)

// ErrEnrichmentFailed covers every failure mode: transport errors, malformed
// output and missing fields. Callers only need to know the item was not enriched.
var ErrEnrichmentFailed = errors.New("enrichment failed")

const promptTemplate = `You are a news editor. Translate the article title into %[1]s and write a concise %[1]s summary of the article in 2-3 sentences.

Title: %[2]s

Content:
%[3]s

Respond with a JSON object only, in exactly this format:
{"translatedTitle": "<title in %[1]s>", "summary": "<summary in %[1]s>"}`

// Result is a validated enrichment. Both fields are always non-empty.
type Result struct {
	TranslatedTitle string `json:"translatedTitle"`
	Summary         string `json:"summary"`
}

// Options configures an Enricher.
type Options struct {
	TargetLanguage string
	MaxChars       int
	MaxTokens      int
}

// Enricher makes exactly one provider call per Enrich. It never retries.
type Enricher struct {
	provider  llm.Provider
	language  string
	maxChars  int
	maxTokens int
}

// NewEnricher creates an Enricher.
func NewEnricher(provider llm.Provider, opts Options) *Enricher {
	e := &Enricher{
		provider:  provider,
		language:  opts.TargetLanguage,
		maxChars:  opts.MaxChars,
		maxTokens: opts.MaxTokens,
	}
	if e.language == "" {
		e.language = defaultLanguage
	}
	if e.maxChars <= 0 {
		e.maxChars = defaultMaxChars
	}
	if e.maxTokens <= 0 {
		e.maxTokens = defaultMaxTokens
	}
	return e
}

// Enrich returns the translated title and summary for an item.
// All errors wrap ErrEnrichmentFailed.
func (e *Enricher) Enrich(ctx context.Context, title, content string) (*Result, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("%w: no provider configured", ErrEnrichmentFailed)
	}

	prompt := fmt.Sprintf(promptTemplate, e.language, title, Truncate(content, e.maxChars))

	text, err := e.provider.Generate(ctx, prompt, e.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnrichmentFailed, err)
	}

	var r Result
	if err := llm.DecodeJSONResponse(text, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnrichmentFailed, err)
	}

	r.TranslatedTitle = strings.TrimSpace(r.TranslatedTitle)
	r.Summary = strings.TrimSpace(r.Summary)
	if r.TranslatedTitle == "" || r.Summary == "" {
		return nil, fmt.Errorf("%w: response missing translatedTitle or summary", ErrEnrichmentFailed)
	}

	return &r, nil
}

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
