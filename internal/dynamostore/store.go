// Package dynamostore keeps article records in a DynamoDB table keyed by dedup_key.
package dynamostore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/TobiSchelling/FeedSync/internal/database"
)

const timeLayout = time.RFC3339Nano

// Client is the part of the DynamoDB API the store calls.
type Client interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Store implements the article store on DynamoDB.
type Store struct {
	client Client
	table  string
}

// item is the stored shape of an article.
type item struct {
	DedupKey         string `dynamodbav:"dedup_key"`
	ID               int64  `dynamodbav:"id"`
	Title            string `dynamodbav:"title"`
	OriginalTitle    string `dynamodbav:"original_title"`
	Content          string `dynamodbav:"content"`
	Summary          string `dynamodbav:"summary"`
	SourceName       string `dynamodbav:"source_name"`
	Category         string `dynamodbav:"category"`
	PublishedAt      string `dynamodbav:"published_at"`
	ImageURL         string `dynamodbav:"image_url"`
	EnrichmentStatus string `dynamodbav:"enrichment_status"`
	CreatedAt        string `dynamodbav:"created_at"`
	UpdatedAt        string `dynamodbav:"updated_at"`
}

// New creates a Store using the default AWS credential chain.
// endpoint overrides the service URL, e.g. for DynamoDB Local.
func New(ctx context.Context, table, region, endpoint string) (*Store, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	slog.Debug("dynamodb store configured", "table", table, "region", cfg.Region, "endpoint", endpoint)
	return NewWithClient(client, table), nil
}

// NewWithClient creates a Store on an existing client.
func NewWithClient(client Client, table string) *Store {
	return &Store{client: client, table: table}
}

// Ping checks that the table is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		return fmt.Errorf("describing table %s: %w", s.table, err)
	}
	return nil
}

// FindByDedupKey returns nil, nil when no record has the key.
func (s *Store) FindByDedupKey(ctx context.Context, key string) (*database.Article, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return it.article(), nil
}

// InsertArticle writes a new record, failing with database.ErrDuplicate if the key exists.
func (s *Store) InsertArticle(ctx context.Context, a *database.Article) error {
	av, err := attributevalue.MarshalMap(fromArticle(a))
	if err != nil {
		return fmt.Errorf("encoding %s: %w", a.DedupKey, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(dedup_key)"),
	})
	var conflict *types.ConditionalCheckFailedException
	if errors.As(err, &conflict) {
		return fmt.Errorf("%w: %s", database.ErrDuplicate, a.DedupKey)
	}
	if err != nil {
		return fmt.Errorf("putting %s: %w", a.DedupKey, err)
	}
	a.ID = articleID(a.DedupKey)
	return nil
}

// UpdateArticle overwrites the mutable fields of an existing record.
func (s *Store) UpdateArticle(ctx context.Context, key string, u database.ArticleUpdate) error {
	values, err := attributevalue.MarshalMap(map[string]string{
		":title":    u.Title,
		":original": u.OriginalTitle,
		":content":  u.Content,
		":summary":  u.Summary,
		":image":    u.ImageURL,
		":category": u.Category,
		":pub":      u.PublishedAt.UTC().Format(timeLayout),
		":status":   u.EnrichmentStatus,
		":updated":  u.UpdatedAt.UTC().Format(timeLayout),
	})
	if err != nil {
		return fmt.Errorf("encoding update for %s: %w", key, err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       keyOf(key),
		UpdateExpression: aws.String("SET #title = :title, #original = :original, #content = :content, " +
			"#summary = :summary, #image = :image, #category = :category, #pub = :pub, " +
			"#status = :status, #updated = :updated"),
		ConditionExpression: aws.String("attribute_exists(dedup_key)"),
		ExpressionAttributeNames: map[string]string{
			"#title":    "title",
			"#original": "original_title",
			"#content":  "content",
			"#summary":  "summary",
			"#image":    "image_url",
			"#category": "category",
			"#pub":      "published_at",
			"#status":   "enrichment_status",
			"#updated":  "updated_at",
		},
		ExpressionAttributeValues: values,
	})
	var missing *types.ConditionalCheckFailedException
	if errors.As(err, &missing) {
		return fmt.Errorf("no article with dedup key %s", key)
	}
	if err != nil {
		return fmt.Errorf("updating %s: %w", key, err)
	}
	return nil
}

// ListArticles scans the table and returns matching records, newest first.
// Offset only applies together with a limit, as in the SQLite store.
func (s *Store) ListArticles(ctx context.Context, f database.ArticleFilter) ([]database.Article, error) {
	all, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	articles := lo.Filter(all, func(a database.Article, _ int) bool {
		return (f.SourceName == "" || a.SourceName == f.SourceName) &&
			(f.Category == "" || a.Category == f.Category)
	})
	sort.SliceStable(articles, func(i, j int) bool {
		if !articles[i].PublishedAt.Equal(articles[j].PublishedAt) {
			return articles[i].PublishedAt.After(articles[j].PublishedAt)
		}
		return articles[i].DedupKey > articles[j].DedupKey
	})

	if f.Limit > 0 {
		articles = lo.Subset(articles, int(f.Offset), uint(f.Limit))
	}
	return articles, nil
}

// GetArticleByID returns nil, nil when no record has the id.
func (s *Store) GetArticleByID(ctx context.Context, id int64) (*database.Article, error) {
	all, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	a, ok := lo.Find(all, func(a database.Article) bool { return a.ID == id })
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) scan(ctx context.Context) ([]database.Article, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
	})

	var articles []database.Article
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.table, err)
		}
		var page []item
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("decoding scan page: %w", err)
		}
		for _, it := range page {
			articles = append(articles, *it.article())
		}
	}
	slog.Debug("scanned articles", "table", s.table, "count", len(articles))
	return articles, nil
}

// articleID derives a stable positive numeric id from the dedup key, so
// records can be addressed by id the same way the SQLite store allows.
func articleID(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]) & 0x7fffffffffffffff)
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"dedup_key": &types.AttributeValueMemberS{Value: key},
	}
}

func fromArticle(a *database.Article) item {
	return item{
		DedupKey:         a.DedupKey,
		ID:               articleID(a.DedupKey),
		Title:            a.Title,
		OriginalTitle:    a.OriginalTitle,
		Content:          a.Content,
		Summary:          a.Summary,
		SourceName:       a.SourceName,
		Category:         a.Category,
		PublishedAt:      a.PublishedAt.UTC().Format(timeLayout),
		ImageURL:         a.ImageURL,
		EnrichmentStatus: a.EnrichmentStatus,
		CreatedAt:        a.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:        a.UpdatedAt.UTC().Format(timeLayout),
	}
}

func (it item) article() *database.Article {
	id := it.ID
	if id == 0 {
		id = articleID(it.DedupKey)
	}
	return &database.Article{
		ID:               id,
		DedupKey:         it.DedupKey,
		Title:            it.Title,
		OriginalTitle:    it.OriginalTitle,
		Content:          it.Content,
		Summary:          it.Summary,
		SourceName:       it.SourceName,
		Category:         it.Category,
		PublishedAt:      parseTime(it.PublishedAt),
		ImageURL:         it.ImageURL,
		EnrichmentStatus: it.EnrichmentStatus,
		CreatedAt:        parseTime(it.CreatedAt),
		UpdatedAt:        parseTime(it.UpdatedAt),
	}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
