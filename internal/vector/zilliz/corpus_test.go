package zilliz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/pkg/config"
)

type fakeEmbedder struct {
	calls [][]string
}

func (f *fakeEmbedder) GenerateBatchEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

type fakeSearcher struct {
	hits       []Hit
	err        error
	collection string
	vectors    int
	expr       string

	// later holds the hits of calls after the first.
	later [][]Hit
	calls int
}

func (f *fakeSearcher) Search(_ context.Context, collection string, vectors [][]float32, _ int, expr string) ([]Hit, error) {
	f.calls++
	if f.calls > 1 && f.calls-2 < len(f.later) {
		return f.later[f.calls-2], f.err
	}
	f.collection = collection
	f.vectors = len(vectors)
	f.expr = expr
	return f.hits, f.err
}

type memoryEmbeddingCache struct {
	data map[string][]float32
}

func (m *memoryEmbeddingCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryEmbeddingCache) SetEmbedding(_ context.Context, key string, v []float32, _ time.Duration) error {
	m.data[key] = v
	return nil
}

var testCollections = config.CollectionsConfig{
	Users:         "users_c",
	Organisations: "orgs_c",
	Events:        "events_c",
}

func TestCorpusSearch(t *testing.T) {
	searcher := &fakeSearcher{hits: []Hit{
		{ChunkID: "c1", Text: "robotics club", EntityID: "aa11", EntityType: "organisation", Score: 0.5},
		{ChunkID: "c2", Text: "weak", EntityID: "bb22", EntityType: "organisation", Score: 0.1},
		{ChunkID: "c3", Text: "no attributes", Score: 0.9},
		{ChunkID: "c4", Text: "wrong type", EntityID: "cc33", EntityType: "event", Score: 0.8},
		{ChunkID: "c5", Text: "drone society", EntityID: "DD44", EntityType: "organisation", Score: 0.7},
	}}
	embedder := &fakeEmbedder{}
	corpus := NewCorpus(searcher, embedder, testCollections, 5)

	passages, err := corpus.Search(context.Background(), SearchRequest{
		Category: entity.CategoryOrganisations,
		Queries:  []string{"robotics clubs", "  ", "engineering societies"},
		MinScore: 0.3,
		Filter:   entity.ExcludeFilter("ee55"),
	})
	require.NoError(t, err)

	assert.Equal(t, "orgs_c", searcher.collection)
	assert.Equal(t, 2, searcher.vectors)
	assert.Equal(t, `entity_id not in ["ee55"]`, searcher.expr)
	require.Len(t, passages, 2)
	assert.Equal(t, entity.Ref{Type: entity.TypeOrganisation, ID: "dd44"}, passages[0].Ref)
	assert.Equal(t, "c1", passages[1].Locator)
}

func TestCorpusSearchContextGuidance(t *testing.T) {
	searcher := &fakeSearcher{
		hits: []Hit{
			{ChunkID: "c1", Text: "robotics club", EntityID: "aa11", EntityType: "organisation", Score: 0.6},
			{ChunkID: "c2", Text: "rover team", EntityID: "bb22", EntityType: "organisation", Score: 0.55},
			{ChunkID: "c3", Text: "chess club", EntityID: "cc33", EntityType: "organisation", Score: 0.2},
		},
		later: [][]Hit{{
			{ChunkID: "c2", Text: "rover team", EntityID: "bb22", EntityType: "organisation", Score: 0.8},
			{ChunkID: "c3", Text: "chess club", EntityID: "cc33", EntityType: "organisation", Score: 0.9},
		}},
	}
	embedder := &fakeEmbedder{}
	corpus := NewCorpus(searcher, embedder, testCollections, 5)

	passages, err := corpus.Search(context.Background(), SearchRequest{
		Category: entity.CategoryOrganisations,
		Queries:  []string{"robotics clubs"},
		Context:  "student wants hands-on building",
		MinScore: 0.3,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, searcher.calls)
	require.Len(t, embedder.calls, 2)
	assert.Equal(t, []string{"student wants hands-on building"}, embedder.calls[1])

	require.Len(t, passages, 2)
	assert.Equal(t, "c2", passages[0].Locator)
	assert.Equal(t, float32(0.55), passages[0].Score)
	assert.Equal(t, "c1", passages[1].Locator)
}

func TestCorpusSearchIncludeFilter(t *testing.T) {
	searcher := &fakeSearcher{}
	corpus := NewCorpus(searcher, &fakeEmbedder{}, testCollections, 5)

	_, err := corpus.Search(context.Background(), SearchRequest{
		Category: entity.CategoryUsers,
		Queries:  []string{"q"},
		Filter:   entity.IncludeFilter("a1", "b2"),
	})
	require.NoError(t, err)
	assert.Equal(t, "users_c", searcher.collection)
	assert.Equal(t, `entity_id in ["a1", "b2"]`, searcher.expr)
}

func TestCorpusSearchErrors(t *testing.T) {
	searcher := &fakeSearcher{err: errors.New("unavailable")}
	corpus := NewCorpus(searcher, &fakeEmbedder{}, config.CollectionsConfig{Users: "u"}, 5)

	_, err := corpus.Search(context.Background(), SearchRequest{Category: entity.CategoryEvents, Queries: []string{"q"}})
	assert.ErrorIs(t, err, ErrUnknownCategory)

	_, err = corpus.Search(context.Background(), SearchRequest{Category: entity.CategoryUsers, Queries: []string{"q"}})
	assert.EqualError(t, err, "unavailable")

	passages, err := corpus.Search(context.Background(), SearchRequest{Category: entity.CategoryUsers})
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestCorpusEmbeddingCache(t *testing.T) {
	cache := &memoryEmbeddingCache{data: map[string][]float32{}}
	embedder := &fakeEmbedder{}
	corpus := NewCorpus(&fakeSearcher{}, embedder, testCollections, 5, WithEmbeddingCache(cache, time.Hour))

	req := SearchRequest{Category: entity.CategoryEvents, Queries: []string{"hackathons", "career fairs"}}
	_, err := corpus.Search(context.Background(), req)
	require.NoError(t, err)
	_, err = corpus.Search(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, embedder.calls, 1)
	assert.Equal(t, []string{"hackathons", "career fairs"}, embedder.calls[0])
	assert.Len(t, cache.data, 2)
}

func TestSearchKnowledge(t *testing.T) {
	searcher := &fakeSearcher{hits: []Hit{
		{ChunkID: "k1", Text: "Census date is March 31.", SourceURL: "https://uni.edu.au/dates", Score: 0.6},
		{ChunkID: "k2", Text: "   ", Score: 0.9},
		{ChunkID: "k3", Text: "unrelated", Score: 0.05},
	}}
	corpus := NewCorpus(searcher, &fakeEmbedder{}, testCollections, 5)

	passages, err := corpus.SearchKnowledge(context.Background(), "unimelb_official", "census date", 0, 0.3)
	require.NoError(t, err)
	assert.Equal(t, "unimelb_official", searcher.collection)
	assert.Empty(t, searcher.expr)
	require.Len(t, passages, 1)
	assert.Equal(t, "https://uni.edu.au/dates", passages[0].SourceURL)
}
