package zilliz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/metrics"
	"github.com/connect3/backend/pkg/config"
	"github.com/connect3/backend/pkg/logger"
	"github.com/connect3/backend/pkg/utils"
)

var ErrUnknownCategory = errors.New("no corpus configured for category")

// Embedder turns text into vectors.
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingCache stores query embeddings between requests.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// Searcher is the ANN capability the corpora are built on.
type Searcher interface {
	Search(ctx context.Context, collection string, vectors [][]float32, topK int, expr string) ([]Hit, error)
}

// Passage is a validated entity search hit.
type Passage struct {
	Locator     string
	Text        string
	Ref         entity.Ref
	Institution string
	Score       float32
}

// KnowledgePassage is a hit from an institution knowledge collection.
type KnowledgePassage struct {
	Locator   string
	Text      string
	SourceURL string
	Score     float32
}

type SearchRequest struct {
	Category entity.Category
	// Queries are alternate phrasings; all are searched and merged.
	Queries  []string
	// Context is the planner's rationale. Passages it also retrieves rank
	// higher; it never admits a passage on its own.
	Context  string
	MinScore float32
	TopK     int
	Filter   entity.Filter
}

// guidanceWeight scales a passage's similarity to the planner context when
// ranking.
const guidanceWeight = 0.1

type Corpus struct {
	searcher    Searcher
	embedder    Embedder
	cache       EmbeddingCache
	cacheTTL    time.Duration
	collections map[entity.Category]string
	topK        int
}

type Option func(*Corpus)

func WithEmbeddingCache(cache EmbeddingCache, ttl time.Duration) Option {
	return func(c *Corpus) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

func NewCorpus(searcher Searcher, embedder Embedder, collections config.CollectionsConfig, topK int, opts ...Option) *Corpus {
	c := &Corpus{
		searcher: searcher,
		embedder: embedder,
		collections: map[entity.Category]string{
			entity.CategoryUsers:         collections.Users,
			entity.CategoryOrganisations: collections.Organisations,
			entity.CategoryEvents:        collections.Events,
		},
		topK: topK,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collection returns the collection backing a category.
func (c *Corpus) Collection(category entity.Category) (string, bool) {
	name, ok := c.collections[category]
	return name, ok && name != ""
}

// Search embeds every query phrasing, runs them as one batched ANN request
// against the category's collection and returns passages scoring at least
// MinScore, best first. Hits without a valid entity id of the category's
// type are dropped.
func (c *Corpus) Search(ctx context.Context, req SearchRequest) ([]Passage, error) {
	collection, ok := c.Collection(req.Category)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, req.Category)
	}

	vectors, err := c.embed(ctx, req.Queries)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = c.topK
	}

	hits, err := c.searcher.Search(ctx, collection, vectors, topK, filterExpr(req.Filter))
	if err != nil {
		return nil, err
	}
	guidance := c.guidanceScores(ctx, collection, req, topK)

	want := req.Category.EntityType()
	passages := make([]Passage, 0, len(hits))
	for _, h := range hits {
		if h.Score < req.MinScore {
			continue
		}
		ref, err := entity.NewRef(h.EntityType, h.EntityID)
		if err != nil || ref.Type != want {
			metrics.DroppedPassages.WithLabelValues("missing_attributes").Inc()
			logger.Warn("Dropping passage without usable entity attributes",
				zap.String("collection", collection),
				zap.String("chunk_id", h.ChunkID),
				zap.String("entity_type", h.EntityType),
				zap.String("entity_id", h.EntityID),
			)
			continue
		}
		passages = append(passages, Passage{
			Locator:     h.ChunkID,
			Text:        h.Text,
			Ref:         ref,
			Institution: h.Institution,
			Score:       h.Score,
		})
	}

	rank := func(p Passage) float32 { return p.Score + guidanceWeight*guidance[p.Locator] }
	sort.SliceStable(passages, func(i, j int) bool { return rank(passages[i]) > rank(passages[j]) })
	return passages, nil
}

// guidanceScores searches the collection with the planner context and maps
// chunk ids to their similarity. Failures only cost the reranking.
func (c *Corpus) guidanceScores(ctx context.Context, collection string, req SearchRequest, topK int) map[string]float32 {
	if strings.TrimSpace(req.Context) == "" {
		return nil
	}
	vectors, err := c.embed(ctx, []string{req.Context})
	if err == nil && len(vectors) == 0 {
		return nil
	}
	var hits []Hit
	if err == nil {
		hits, err = c.searcher.Search(ctx, collection, vectors, topK, filterExpr(req.Filter))
	}
	if err != nil {
		logger.Warn("Context guidance search failed", zap.String("collection", collection), zap.Error(err))
		return nil
	}

	scores := make(map[string]float32, len(hits))
	for _, h := range hits {
		scores[h.ChunkID] = h.Score
	}
	return scores
}

// SearchKnowledge queries an institution knowledge collection.
func (c *Corpus) SearchKnowledge(ctx context.Context, collection, query string, topK int, minScore float32) ([]KnowledgePassage, error) {
	vectors, err := c.embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = c.topK
	}

	hits, err := c.searcher.Search(ctx, collection, vectors, topK, "")
	if err != nil {
		return nil, err
	}

	passages := make([]KnowledgePassage, 0, len(hits))
	for _, h := range hits {
		if h.Score < minScore || strings.TrimSpace(h.Text) == "" {
			continue
		}
		passages = append(passages, KnowledgePassage{
			Locator:   h.ChunkID,
			Text:      h.Text,
			SourceURL: h.SourceURL,
			Score:     h.Score,
		})
	}
	return passages, nil
}

func (c *Corpus) embed(ctx context.Context, queries []string) ([][]float32, error) {
	texts := make([]string, 0, len(queries))
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			texts = append(texts, q)
		}
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	var missing []int
	for i, t := range texts {
		if c.cache == nil {
			missing = append(missing, i)
			continue
		}
		v, ok, err := c.cache.GetEmbedding(ctx, utils.HashString(t))
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		if ok {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			vectors[i] = v
			continue
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		missing = append(missing, i)
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	batch := make([]string, len(missing))
	for j, i := range missing {
		batch[j] = texts[i]
	}
	generated, err := c.embedder.GenerateBatchEmbeddings(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to embed queries: %w", err)
	}
	for j, i := range missing {
		vectors[i] = generated[j]
		if c.cache != nil {
			if err := c.cache.SetEmbedding(ctx, utils.HashString(texts[i]), generated[j], c.cacheTTL); err != nil {
				logger.Warn("Embedding cache write failed", zap.Error(err))
			}
		}
	}
	return vectors, nil
}

func filterExpr(f entity.Filter) string {
	if f.IsZero() {
		return ""
	}
	field := f.Field
	if field == "" {
		field = entity.FieldEntityID
	}
	return idListExpr(field, f.IDs, f.Op != entity.FilterInclude)
}
