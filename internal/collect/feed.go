package collect

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

const (
	defaultMaxItems     = 3
	defaultFetchTimeout = 15 * time.Second
	defaultContentChars = 2000
)

// ErrUnsupportedScheme is returned for source URLs that are not http or https.
// No network call is made for such sources.
var ErrUnsupportedScheme = errors.New("unsupported feed URL scheme")

// FeedOptions configures a FeedRetriever.
type FeedOptions struct {
	// Client performs the HTTP requests. Its Timeout bounds each fetch.
	// When nil, a client with a 15s timeout is used.
	Client          *http.Client
	UserAgent       string
	MaxItems        int
	ContentMaxChars int
}

// FeedRetriever parses RSS/Atom feeds with gofeed.
type FeedRetriever struct {
	parser          *gofeed.Parser
	maxItems        int
	contentMaxChars int
	policy          *bluemonday.Policy
}

// NewFeedRetriever creates a FeedRetriever.
func NewFeedRetriever(opts FeedOptions) *FeedRetriever {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	contentMax := opts.ContentMaxChars
	if contentMax <= 0 {
		contentMax = defaultContentChars
	}

	parser := gofeed.NewParser()
	parser.Client = client
	if opts.UserAgent != "" {
		parser.UserAgent = opts.UserAgent
	}

	return &FeedRetriever{
		parser:          parser,
		maxItems:        maxItems,
		contentMaxChars: contentMax,
		policy:          bluemonday.StrictPolicy(),
	}
}

// Fetch retrieves at most the first MaxItems entries of the source feed, in feed order.
// Entries without a link/guid or title are dropped.
func (r *FeedRetriever) Fetch(ctx context.Context, src Source) ([]Item, error) {
	if !IsHTTPURL(src.URL) {
		return nil, ErrUnsupportedScheme
	}

	feed, err := r.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) {
			return nil, fmt.Errorf("feed returned HTTP %d", httpErr.StatusCode)
		}
		return nil, fmt.Errorf("fetching feed: %w", err)
	}

	entries := feed.Items
	if len(entries) > r.maxItems {
		entries = entries[:r.maxItems]
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		item, ok := r.parseItem(entry)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *FeedRetriever) parseItem(entry *gofeed.Item) (Item, bool) {
	key := strings.TrimSpace(entry.Link)
	if key == "" {
		key = strings.TrimSpace(entry.GUID)
	}
	if key == "" {
		return Item{}, false
	}

	title := strings.TrimSpace(entry.Title)
	if title == "" {
		return Item{}, false
	}

	var published *time.Time
	if entry.PublishedParsed != nil {
		published = entry.PublishedParsed
	} else if entry.UpdatedParsed != nil {
		published = entry.UpdatedParsed
	}

	rawHTML := entry.Content
	if rawHTML == "" {
		rawHTML = entry.Description
	}

	return Item{
		Title:       title,
		DedupKey:    key,
		Content:     truncateRunes(r.cleanText(rawHTML), r.contentMaxChars),
		ImageURL:    imageFor(entry, rawHTML),
		PublishedAt: published,
	}, true
}

// cleanText strips all markup and collapses whitespace.
func (r *FeedRetriever) cleanText(raw string) string {
	if raw == "" {
		return ""
	}
	text := html.UnescapeString(r.policy.Sanitize(raw))
	return strings.Join(strings.Fields(text), " ")
}

// imageFor picks the item image: feed image, then an image enclosure, then the first <img> in the body.
func imageFor(entry *gofeed.Item, rawHTML string) string {
	if entry.Image != nil && IsHTTPURL(entry.Image.URL) {
		return entry.Image.URL
	}
	for _, enc := range entry.Enclosures {
		if enc == nil {
			continue
		}
		if strings.HasPrefix(enc.Type, "image/") && IsHTTPURL(enc.URL) {
			return enc.URL
		}
	}
	if rawHTML == "" || !strings.Contains(rawHTML, "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	src, ok := doc.Find("img[src]").First().Attr("src")
	if !ok || !IsHTTPURL(src) {
		return ""
	}
	return src
}

// IsHTTPURL reports whether raw is an absolute http or https URL.
func IsHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
