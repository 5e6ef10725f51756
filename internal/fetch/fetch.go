package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const minTextLength = 100

// ContentFetcher fetches full article text via HTTP + readability extraction.
// It backfills items whose feed entry carries no snippet.
type ContentFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// NewContentFetcher creates a new content fetcher.
func NewContentFetcher(timeout time.Duration, userAgent string) *ContentFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if userAgent == "" {
		userAgent = "FeedSync/1.0 (feed synchronizer)"
	}
	return &ContentFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: userAgent,
		maxBytes:  4 << 20,
	}
}

// HTTPError is returned when the article page answers with a 4xx/5xx status.
type HTTPError struct {
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.Code, http.StatusText(e.Code))
}

// FetchText returns the readable text of the page at articleURL.
// An empty string with a nil error means the page had no extractable text.
func (f *ContentFetcher) FetchText(ctx context.Context, articleURL string) (string, error) {
	parsedURL, err := url.Parse(articleURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &HTTPError{Code: resp.StatusCode}
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, f.maxBytes), parsedURL)
	if err != nil {
		return "", nil
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > minTextLength {
		return text, nil
	}
	return "", nil
}
