package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/kg/neo4j"
	"github.com/connect3/backend/internal/metrics"
	"github.com/connect3/backend/internal/search/web"
	"github.com/connect3/backend/internal/vector/zilliz"
	"github.com/connect3/backend/pkg/config"
	"github.com/connect3/backend/pkg/logger"
	"github.com/connect3/backend/pkg/utils"
)

var (
	ErrUnknownInstitution = errors.New("unknown institution")
	ErrUnknownSource      = errors.New("unknown knowledge source")
	ErrNoContent          = errors.New("no content extracted")
)

const (
	SourceOfficial = "official"
	SourceUnion    = "union"
)

type VectorStore interface {
	EnsureCollection(ctx context.Context, name, description string) error
	Insert(ctx context.Context, collection string, records []zilliz.Record) error
}

type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type AffiliationStore interface {
	UpsertAffiliation(ctx context.Context, a neo4j.Affiliation) error
}

// EntityDocument is one user, organisation or event profile to index.
type EntityDocument struct {
	Type         entity.Type `json:"type"`
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Text         string      `json:"text"`
	Institutions []string    `json:"institutions,omitempty"`
	HostedBy     string      `json:"hostedBy,omitempty"`
}

// KnowledgeDocument is an institution web page to index.
type KnowledgeDocument struct {
	Institution string
	Source      string
	URL         string
	HTML        string
}

type Stats struct {
	Documents int
	Passages  int
	Skipped   int
}

type Indexer struct {
	vectors      VectorStore
	embedder     Embedder
	graph        AffiliationStore
	collections  config.CollectionsConfig
	institutions map[string]config.InstitutionCorpus
	chunkSize    int
	chunkOverlap int
	batchSize    int

	ensured sync.Map
}

type Option func(*Indexer)

func WithGraph(graph AffiliationStore) Option {
	return func(x *Indexer) { x.graph = graph }
}

func WithChunking(size, overlap int) Option {
	return func(x *Indexer) {
		x.chunkSize = size
		x.chunkOverlap = overlap
	}
}

func NewIndexer(vectors VectorStore, embedder Embedder, collections config.CollectionsConfig, institutions map[string]config.InstitutionCorpus, opts ...Option) *Indexer {
	normalised := make(map[string]config.InstitutionCorpus, len(institutions))
	for id, c := range institutions {
		normalised[strings.ToLower(id)] = c
	}
	x := &Indexer{
		vectors:      vectors,
		embedder:     embedder,
		collections:  collections,
		institutions: normalised,
		chunkSize:    1000,
		chunkOverlap: 1,
		batchSize:    64,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// IndexEntities embeds entity profiles into their category corpus and
// records their affiliations. Documents with an invalid reference are
// skipped.
func (x *Indexer) IndexEntities(ctx context.Context, docs []EntityDocument) (Stats, error) {
	var stats Stats
	byCollection := make(map[string][]zilliz.Record)
	var affiliations []neo4j.Affiliation
	now := time.Now()

	for _, doc := range docs {
		ref, err := entity.NewRef(string(doc.Type), doc.ID)
		if err != nil {
			logger.Warn("Skipping entity with invalid reference",
				zap.String("type", string(doc.Type)),
				zap.String("id", doc.ID),
				zap.Error(err),
			)
			stats.Skipped++
			continue
		}
		collection := x.collection(ref.Type.Category())
		if collection == "" {
			logger.Warn("No corpus configured for entity type", zap.String("type", string(ref.Type)))
			stats.Skipped++
			continue
		}

		body := strings.TrimSpace(doc.Text)
		if name := strings.TrimSpace(doc.Name); name != "" {
			body = name + ". " + body
		}
		chunks := ChunkText(body, x.chunkSize, x.chunkOverlap)
		if len(chunks) == 0 {
			stats.Skipped++
			continue
		}

		institutions := neo4j.NormaliseInstitutions(doc.Institutions)
		for i, chunk := range chunks {
			byCollection[collection] = append(byCollection[collection], zilliz.Record{
				ChunkID:     chunkID(ref.String(), i),
				Text:        chunk,
				EntityID:    ref.ID,
				EntityType:  string(ref.Type),
				Institution: utils.Truncate(strings.Join(institutions, ","), 64),
				Timestamp:   now,
			})
		}
		stats.Documents++

		a := neo4j.Affiliation{Ref: ref, Name: doc.Name, Institutions: institutions}
		if doc.HostedBy != "" {
			host, err := entity.NewRef(string(entity.TypeOrganisation), doc.HostedBy)
			if err != nil {
				logger.Warn("Ignoring invalid host reference", zap.String("id", ref.ID), zap.Error(err))
			} else {
				a.HostedBy = &host
			}
		}
		affiliations = append(affiliations, a)
	}

	for collection, records := range byCollection {
		if err := x.write(ctx, collection, "Connect3 entity corpus", records); err != nil {
			return stats, err
		}
		stats.Passages += len(records)
	}
	metrics.DocumentsIndexed.WithLabelValues("entity").Add(float64(stats.Passages))

	if x.graph != nil {
		for _, a := range affiliations {
			if err := x.graph.UpsertAffiliation(ctx, a); err != nil {
				return stats, fmt.Errorf("failed to record affiliation for %s: %w", a.Ref, err)
			}
		}
	}

	logger.Info("Entities indexed",
		zap.Int("documents", stats.Documents),
		zap.Int("passages", stats.Passages),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

// IndexKnowledge cleans an institution page and embeds it into the
// official or student union corpus of that institution.
func (x *Indexer) IndexKnowledge(ctx context.Context, doc KnowledgeDocument) (Stats, error) {
	corpus, ok := x.institutions[strings.ToLower(doc.Institution)]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownInstitution, doc.Institution)
	}

	var collection string
	switch doc.Source {
	case SourceOfficial:
		collection = corpus.Official
	case SourceUnion:
		collection = corpus.StudentUnion
	default:
		return Stats{}, fmt.Errorf("%w: %q", ErrUnknownSource, doc.Source)
	}
	if collection == "" {
		return Stats{}, fmt.Errorf("%w: %s has no %s corpus", ErrUnknownSource, doc.Institution, doc.Source)
	}

	page, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to parse HTML: %w", err)
	}
	title := strings.TrimSpace(page.Find("title").First().Text())
	text := web.CleanText(page)
	if text == "" {
		return Stats{}, fmt.Errorf("%w: %s", ErrNoContent, doc.URL)
	}

	chunks := ChunkText(text, x.chunkSize, x.chunkOverlap)
	now := time.Now()
	records := make([]zilliz.Record, len(chunks))
	for i, chunk := range chunks {
		if title != "" {
			chunk = title + ": " + chunk
		}
		records[i] = zilliz.Record{
			ChunkID:     chunkID(doc.URL, i),
			Text:        chunk,
			Institution: strings.ToLower(doc.Institution),
			SourceURL:   doc.URL,
			Timestamp:   now,
		}
	}

	if err := x.write(ctx, collection, corpus.Name+" knowledge corpus", records); err != nil {
		return Stats{}, err
	}
	metrics.DocumentsIndexed.WithLabelValues("knowledge").Add(float64(len(records)))

	logger.Info("Knowledge document indexed",
		zap.String("url", doc.URL),
		zap.String("collection", collection),
		zap.Int("chunks", len(records)),
	)
	return Stats{Documents: 1, Passages: len(records)}, nil
}

func (x *Indexer) collection(c entity.Category) string {
	switch c {
	case entity.CategoryUsers:
		return x.collections.Users
	case entity.CategoryOrganisations:
		return x.collections.Organisations
	case entity.CategoryEvents:
		return x.collections.Events
	}
	return ""
}

// write embeds records in batches and inserts them.
func (x *Indexer) write(ctx context.Context, collection, description string, records []zilliz.Record) error {
	if _, done := x.ensured.Load(collection); !done {
		if err := x.vectors.EnsureCollection(ctx, collection, description); err != nil {
			return fmt.Errorf("failed to ensure collection %s: %w", collection, err)
		}
		x.ensured.Store(collection, struct{}{})
	}

	for start := 0; start < len(records); start += x.batchSize {
		end := min(start+x.batchSize, len(records))
		batch := records[start:end]

		texts := make([]string, len(batch))
		for i, r := range batch {
			texts[i] = r.Text
		}
		embeddings, err := x.embedder.GenerateBatchEmbeddings(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(embeddings) != len(batch) {
			return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(batch))
		}
		for i := range batch {
			batch[i].Embedding = embeddings[i]
		}

		if err := x.vectors.Insert(ctx, collection, batch); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", collection, err)
		}
	}
	return nil
}

// chunkID is stable per source and position so re-indexing overwrites.
func chunkID(source string, i int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", source, i))).String()
}
