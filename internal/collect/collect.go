package collect

import (
	"context"
	"time"

	"github.com/TobiSchelling/FeedSync/internal/config"
)

// Category classifies a feed source.
type Category string

const (
	CategoryReliable  Category = "Reliable"
	CategoryDiscovery Category = "Discovery"
	CategoryCustom    Category = "Custom"
)

// Source describes one feed. It is immutable for the duration of a run.
type Source struct {
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Category Category `json:"category"`
}

// Item is a raw feed entry as retrieved, before any enrichment.
type Item struct {
	Title       string
	DedupKey    string // link, falling back to guid
	Content     string
	ImageURL    string
	PublishedAt *time.Time
}

// Retriever fetches the items of a single source.
type Retriever interface {
	Fetch(ctx context.Context, src Source) ([]Item, error)
}

// SourcesFromConfig converts configured sources, preserving order.
func SourcesFromConfig(sources []config.Source) []Source {
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		out = append(out, Source{Name: s.Name, URL: s.URL, Category: Category(s.Category)})
	}
	return out
}
