package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider implements llm.Provider for testing.
type mockProvider struct {
	response string
	err      error
	calls    int
	prompt   string
}

func (m *mockProvider) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.calls++
	m.prompt = prompt
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return true }

func TestEnrichSuccess(t *testing.T) {
	p := &mockProvider{response: `{"translatedTitle": "モデル更新", "summary": "要約文"}`}
	e := NewEnricher(p, Options{})

	r, err := e.Enrich(context.Background(), "Model Update", "Some content")
	require.NoError(t, err)
	assert.Equal(t, "モデル更新", r.TranslatedTitle)
	assert.Equal(t, "要約文", r.Summary)
	assert.Contains(t, p.prompt, "Model Update")
	assert.Contains(t, p.prompt, "Japanese")
}

func TestEnrichAcceptsFencedJSON(t *testing.T) {
	p := &mockProvider{response: "```json\n{\"translatedTitle\": \"題\", \"summary\": \"要約\"}\n```"}
	r, err := NewEnricher(p, Options{}).Enrich(context.Background(), "Title", "")
	require.NoError(t, err)
	assert.Equal(t, "題", r.TranslatedTitle)
}

func TestEnrichValidationGate(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"empty title", `{"translatedTitle": "", "summary": "ok"}`},
		{"empty summary", `{"translatedTitle": "ok", "summary": ""}`},
		{"whitespace title", `{"translatedTitle": "   ", "summary": "ok"}`},
		{"missing fields", `{"title": "ok"}`},
		{"not json", `I cannot help with that.`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEnricher(&mockProvider{response: tt.response}, Options{})
			r, err := e.Enrich(context.Background(), "Title", "content")
			assert.Nil(t, r)
			assert.ErrorIs(t, err, ErrEnrichmentFailed)
		})
	}
}

func TestEnrichProviderErrorNoRetry(t *testing.T) {
	p := &mockProvider{err: errors.New("connection refused")}
	e := NewEnricher(p, Options{})

	_, err := e.Enrich(context.Background(), "Title", "content")
	assert.ErrorIs(t, err, ErrEnrichmentFailed)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, p.calls)
}

func TestEnrichNilProvider(t *testing.T) {
	_, err := NewEnricher(nil, Options{}).Enrich(context.Background(), "Title", "content")
	assert.ErrorIs(t, err, ErrEnrichmentFailed)
}

func TestEnrichTruncatesContent(t *testing.T) {
	p := &mockProvider{response: `{"translatedTitle": "t", "summary": "s"}`}
	e := NewEnricher(p, Options{MaxChars: 20, TargetLanguage: "German"})

	content := strings.Repeat("x", 20) + "TAIL"
	_, err := e.Enrich(context.Background(), "Title", content)
	require.NoError(t, err)
	assert.NotContains(t, p.prompt, "TAIL")
	assert.Contains(t, p.prompt, strings.Repeat("x", 20))
	assert.Contains(t, p.prompt, "German")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "日本", Truncate("日本語", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
}
