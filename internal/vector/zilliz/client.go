package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	mentity "github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/connect3/backend/pkg/circuitbreaker"
	"github.com/connect3/backend/pkg/logger"
	"github.com/connect3/backend/pkg/retry"
)

const (
	fieldChunkID     = "chunk_id"
	fieldEmbedding   = "embedding"
	fieldText        = "text"
	fieldEntityID    = "entity_id"
	fieldEntityType  = "entity_type"
	fieldInstitution = "institution"
	fieldSourceURL   = "source_url"
	fieldTimestamp   = "timestamp"
)

var outputFields = []string{fieldChunkID, fieldText, fieldEntityID, fieldEntityType, fieldInstitution, fieldSourceURL}

// Client wraps a Milvus connection. Every collection shares one schema:
// entity corpora fill entity_id/entity_type, knowledge corpora leave them empty.
type Client struct {
	client      client.Client
	vectorDim   int
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// Record is one passage to index.
type Record struct {
	ChunkID     string
	Embedding   []float32
	Text        string
	EntityID    string
	EntityType  string
	Institution string
	SourceURL   string
	Timestamp   time.Time
}

// Hit is a raw search match with its attributes as stored.
type Hit struct {
	ChunkID     string
	Text        string
	EntityID    string
	EntityType  string
	Institution string
	SourceURL   string
	Score       float32
}

func NewClient(ctx context.Context, endpoint, apiKey string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized", zap.String("endpoint", endpoint))

	return newWithClient(c, vectorDim), nil
}

func newWithClient(c client.Client, vectorDim int) *Client {
	return &Client{
		client:    c,
		vectorDim: vectorDim,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          20 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.ProviderConfig(logger.GetLogger()),
	}
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) EnsureCollection(ctx context.Context, name, description string) error {
	has, err := z.client.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Debug("Collection already exists", zap.String("collection", name))
		return z.client.LoadCollection(ctx, name, true)
	}

	varchar := func(name string, maxLen int) *mentity.Field {
		return &mentity.Field{
			Name:       name,
			DataType:   mentity.FieldTypeVarChar,
			TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
		}
	}

	chunkID := varchar(fieldChunkID, 64)
	chunkID.PrimaryKey = true

	schema := &mentity.Schema{
		CollectionName: name,
		Description:    description,
		Fields: []*mentity.Field{
			chunkID,
			{
				Name:       fieldEmbedding,
				DataType:   mentity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(z.vectorDim)},
			},
			varchar(fieldText, 8192),
			varchar(fieldEntityID, 64),
			varchar(fieldEntityType, 32),
			varchar(fieldInstitution, 64),
			varchar(fieldSourceURL, 1024),
			{Name: fieldTimestamp, DataType: mentity.FieldTypeInt64},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, mentity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := mentity.NewIndexHNSW(mentity.IP, 16, 200)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, name, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", name))
	return nil
}

func (z *Client) Insert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	n := len(records)
	chunkIDs := make([]string, n)
	embeddings := make([][]float32, n)
	texts := make([]string, n)
	entityIDs := make([]string, n)
	entityTypes := make([]string, n)
	institutions := make([]string, n)
	sourceURLs := make([]string, n)
	timestamps := make([]int64, n)

	for i, r := range records {
		if len(r.Embedding) != z.vectorDim {
			return fmt.Errorf("record %s has embedding dim %d, collection expects %d", r.ChunkID, len(r.Embedding), z.vectorDim)
		}
		chunkIDs[i] = r.ChunkID
		embeddings[i] = r.Embedding
		texts[i] = r.Text
		entityIDs[i] = r.EntityID
		entityTypes[i] = r.EntityType
		institutions[i] = r.Institution
		sourceURLs[i] = r.SourceURL
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		timestamps[i] = ts.Unix()
	}

	_, err := z.client.Upsert(
		ctx,
		collection,
		"",
		mentity.NewColumnVarChar(fieldChunkID, chunkIDs),
		mentity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
		mentity.NewColumnVarChar(fieldText, texts),
		mentity.NewColumnVarChar(fieldEntityID, entityIDs),
		mentity.NewColumnVarChar(fieldEntityType, entityTypes),
		mentity.NewColumnVarChar(fieldInstitution, institutions),
		mentity.NewColumnVarChar(fieldSourceURL, sourceURLs),
		mentity.NewColumnInt64(fieldTimestamp, timestamps),
	)
	if err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}

	if err := z.client.Flush(ctx, collection, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Records upserted into vector DB", zap.String("collection", collection), zap.Int("count", n))
	return nil
}

// Search runs one ANN query per vector and returns hits for all of them,
// in result order. Scores are inner products, higher is closer.
func (z *Client) Search(ctx context.Context, collection string, vectors [][]float32, topK int, expr string) ([]Hit, error) {
	if len(vectors) == 0 {
		return nil, nil
	}

	queryVectors := make([]mentity.Vector, len(vectors))
	for i, v := range vectors {
		queryVectors[i] = mentity.FloatVector(v)
	}

	sp, err := mentity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var results []client.SearchResult
	err = z.cb.Execute(ctx, func() error {
		return retry.Do(ctx, z.retryConfig, func() error {
			var err error
			results, err = z.client.Search(
				ctx,
				collection,
				[]string{},
				expr,
				outputFields,
				queryVectors,
				fieldEmbedding,
				mentity.IP,
				topK,
				sp,
			)
			if err != nil {
				return fmt.Errorf("failed to search: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for _, sr := range results {
		if sr.Err != nil {
			return nil, fmt.Errorf("failed to search: %w", sr.Err)
		}
		for i := 0; i < sr.ResultCount; i++ {
			hits = append(hits, Hit{
				ChunkID:     stringAt(sr.Fields, fieldChunkID, i),
				Text:        stringAt(sr.Fields, fieldText, i),
				EntityID:    stringAt(sr.Fields, fieldEntityID, i),
				EntityType:  stringAt(sr.Fields, fieldEntityType, i),
				Institution: stringAt(sr.Fields, fieldInstitution, i),
				SourceURL:   stringAt(sr.Fields, fieldSourceURL, i),
				Score:       sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("collection", collection),
		zap.Int("vectors", len(vectors)),
		zap.Int("topK", topK),
		zap.Int("hits", len(hits)),
		zap.String("expr", expr),
	)

	return hits, nil
}

func stringAt(rs client.ResultSet, field string, i int) string {
	col := rs.GetColumn(field)
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// idListExpr renders a boolean expression testing field membership.
func idListExpr(field string, ids []string, negate bool) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	op := "in"
	if negate {
		op = "not in"
	}
	return fmt.Sprintf("%s %s [%s]", field, op, strings.Join(quoted, ", "))
}
