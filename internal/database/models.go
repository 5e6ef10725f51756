package database

import "time"

// EnrichmentDone marks a record whose title and summary came from a successful enrichment.
// Rows written before the status existed carry an empty value.
const EnrichmentDone = "done"

// Article is the persisted, enriched form of a feed item.
type Article struct {
	ID               int64     `json:"id,omitempty"`
	DedupKey         string    `json:"dedupKey"`
	Title            string    `json:"title"`
	OriginalTitle    string    `json:"originalTitle"`
	Content          string    `json:"content"`
	Summary          string    `json:"summary"`
	SourceName       string    `json:"sourceName"`
	Category         string    `json:"category"`
	PublishedAt      time.Time `json:"publishedAt"`
	ImageURL         string    `json:"imageUrl"`
	EnrichmentStatus string    `json:"enrichmentStatus"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ArticleUpdate holds the fields an update may touch. DedupKey, SourceName
// and CreatedAt are immutable once inserted.
type ArticleUpdate struct {
	Title            string
	OriginalTitle    string
	Content          string
	Summary          string
	ImageURL         string
	Category         string
	PublishedAt      time.Time
	EnrichmentStatus string
	UpdatedAt        time.Time
}

// ArticleFilter narrows ListArticles. Zero values mean no filter.
type ArticleFilter struct {
	SourceName string
	Category   string
	Limit      uint64
	Offset     uint64
}

// CustomSource is a user-added feed, synced with category Custom.
type CustomSource struct {
	ID        int64
	Name      string
	URL       string
	IsActive  bool
	CreatedAt *string
	UpdatedAt *string
}

// SyncRun records the outcome of one pipeline run.
type SyncRun struct {
	ID               int64     `json:"-"`
	RunID            string    `json:"runId"`
	Requester        string    `json:"requester"`
	Status           string    `json:"status"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	SourceCount      int       `json:"sourceCount"`
	ProcessedSources int       `json:"processedSources"`
	AddedCount       int       `json:"addedCount"`
	UpdatedCount     int       `json:"updatedCount"`
	SkippedCount     int       `json:"skippedCount"`
	Errors           []string  `json:"errors"`
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalArticles       int
	EnrichedArticles    int
	Sources             int
	TotalCustomSources  int
	ActiveCustomSources int
	SyncRuns            int
	LastRunAt           *string
}
