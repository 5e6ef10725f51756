package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Provider is the interface for LLM providers.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured() bool
}

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *http.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string, timeout time.Duration) *OllamaProvider {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	slog.Warn("ollama model not found", "model", o.Model)
	return false
}

// Generate sends a prompt to Ollama and returns the response.
// The request asks for JSON output.
func (o *OllamaProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"num_predict": maxTokens,
			"temperature": 0.3,
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return result.Message.Content, nil
}

// OpenAIProvider talks to the OpenAI chat completions API, or any compatible endpoint.
type OpenAIProvider struct {
	Model  string
	apiKey string
	client *openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider. An empty baseURL uses the public API.
func NewOpenAIProvider(model, apiKeyEnv, baseURL string, timeout time.Duration) *OpenAIProvider {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	apiKey := os.Getenv(apiKeyEnv)

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIProvider{
		Model:  model,
		apiKey: apiKey,
		client: openai.NewClientWithConfig(cfg),
	}
}

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.apiKey != ""
}

// Generate sends a prompt to OpenAI in JSON mode and returns the response.
func (o *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if o.apiKey == "" {
		return "", fmt.Errorf("OpenAI API key not configured")
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.3,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("OpenAI API returned %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in OpenAI response")
	}

	return resp.Choices[0].Message.Content, nil
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider      string
	Model         string
	OllamaURL     string
	OpenAIModel   string
	OpenAIBaseURL string
	APIKeyEnv     string
	Timeout       time.Duration
}

// CreateProvider creates an LLM provider based on configuration.
// An unavailable Ollama falls back to OpenAI. Returns nil if neither is usable.
func CreateProvider(cfg ProviderConfig, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}

	if strings.ToLower(cfg.Provider) == "ollama" {
		p := NewOllamaProvider(cfg.Model, cfg.OllamaURL, cfg.Timeout)
		if p.IsConfigured() {
			logger.Info("using ollama", "model", cfg.Model)
			return p
		}
		logger.Warn("ollama not available, trying OpenAI fallback")
	}

	p := NewOpenAIProvider(cfg.OpenAIModel, cfg.APIKeyEnv, cfg.OpenAIBaseURL, cfg.Timeout)
	if p.IsConfigured() {
		logger.Info("using OpenAI", "model", cfg.OpenAIModel)
		return p
	}

	logger.Error("no LLM provider available; check Ollama is running or set the API key", "api_key_env", cfg.APIKeyEnv)
	return nil
}
