package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/kg/neo4j"
	"github.com/connect3/backend/internal/vector/zilliz"
	"github.com/connect3/backend/pkg/config"
)

type fakeVectors struct {
	ensured  []string
	inserted map[string][]zilliz.Record
	err      error
}

func (f *fakeVectors) EnsureCollection(_ context.Context, name, _ string) error {
	f.ensured = append(f.ensured, name)
	return nil
}

func (f *fakeVectors) Insert(_ context.Context, collection string, records []zilliz.Record) error {
	if f.err != nil {
		return f.err
	}
	if f.inserted == nil {
		f.inserted = map[string][]zilliz.Record{}
	}
	f.inserted[collection] = append(f.inserted[collection], records...)
	return nil
}

type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) GenerateBatchEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

type fakeGraph struct {
	affiliations []neo4j.Affiliation
}

func (f *fakeGraph) UpsertAffiliation(_ context.Context, a neo4j.Affiliation) error {
	f.affiliations = append(f.affiliations, a)
	return nil
}

var testCollections = config.CollectionsConfig{Users: "users_v1", Organisations: "orgs_v1", Events: "events_v1"}

var testInstitutions = map[string]config.InstitutionCorpus{
	"UniMelb": {Name: "University of Melbourne", Official: "unimelb_official", StudentUnion: "unimelb_umsu"},
}

func TestChunkText(t *testing.T) {
	text := "One two three. Four five six. Seven eight nine."

	tests := []struct {
		name    string
		size    int
		overlap int
		want    []string
	}{
		{"overlap carried when it fits", 40, 1, []string{"One two three. Four five six.", "Four five six. Seven eight nine."}},
		{"overlap dropped when it does not fit", 30, 1, []string{"One two three. Four five six.", "Seven eight nine."}},
		{"no overlap", 30, 0, []string{"One two three. Four five six.", "Seven eight nine."}},
		{"single chunk", 0, 1, []string{"One two three. Four five six. Seven eight nine."}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChunkText(text, tt.size, tt.overlap))
		})
	}
}

func TestChunkTextSplitsLongSentences(t *testing.T) {
	long := strings.Repeat("word ", 60) + "end."
	chunks := ChunkText(long, 50, 0)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 50)
	}
	assert.Empty(t, ChunkText("   ", 50, 1))
}

func TestIndexEntities(t *testing.T) {
	vectors := &fakeVectors{}
	graph := &fakeGraph{}
	x := NewIndexer(vectors, &fakeEmbedder{}, testCollections, testInstitutions, WithGraph(graph))

	stats, err := x.IndexEntities(context.Background(), []EntityDocument{
		{Type: entity.TypeOrganisation, ID: "AA11", Name: "Robotics Society", Text: "We build rovers.", Institutions: []string{"UniMelb"}},
		{Type: entity.TypeEvent, ID: "ee55", Name: "Rover Night", Text: "Drive a rover.", HostedBy: "aa11"},
		{Type: "venue", ID: "ff99", Text: "Not indexable."},
		{Type: entity.TypeUser, ID: "not hex!", Text: "Bad id."},
	})
	require.NoError(t, err)

	assert.Equal(t, Stats{Documents: 2, Passages: 2, Skipped: 2}, stats)
	assert.ElementsMatch(t, []string{"orgs_v1", "events_v1"}, vectors.ensured)

	org := vectors.inserted["orgs_v1"]
	require.Len(t, org, 1)
	assert.Equal(t, "aa11", org[0].EntityID)
	assert.Equal(t, "organisation", org[0].EntityType)
	assert.Equal(t, "unimelb", org[0].Institution)
	assert.Equal(t, "Robotics Society. We build rovers.", org[0].Text)
	assert.NotEmpty(t, org[0].Embedding)

	require.Len(t, graph.affiliations, 2)
	ev := graph.affiliations[1]
	assert.Equal(t, entity.Ref{Type: entity.TypeEvent, ID: "ee55"}, ev.Ref)
	require.NotNil(t, ev.HostedBy)
	assert.Equal(t, entity.Ref{Type: entity.TypeOrganisation, ID: "aa11"}, *ev.HostedBy)
}

func TestIndexEntitiesIsStable(t *testing.T) {
	vectors := &fakeVectors{}
	x := NewIndexer(vectors, &fakeEmbedder{}, testCollections, nil)
	doc := EntityDocument{Type: entity.TypeUser, ID: "cc33", Name: "Sam", Text: "Mechatronics student."}

	_, err := x.IndexEntities(context.Background(), []EntityDocument{doc})
	require.NoError(t, err)
	_, err = x.IndexEntities(context.Background(), []EntityDocument{doc})
	require.NoError(t, err)

	records := vectors.inserted["users_v1"]
	require.Len(t, records, 2)
	assert.Equal(t, records[0].ChunkID, records[1].ChunkID)
	assert.Len(t, vectors.ensured, 1)
}

func TestIndexKnowledge(t *testing.T) {
	html := `<html><head><title>Key dates</title><script>var x = 1;</script></head>
<body><nav>Menu</nav><main>
<p>The census date is 31 March.</p>
<p>Fees are due after census.</p>
</main></body></html>`

	vectors := &fakeVectors{}
	x := NewIndexer(vectors, &fakeEmbedder{}, testCollections, testInstitutions)

	stats, err := x.IndexKnowledge(context.Background(), KnowledgeDocument{
		Institution: "unimelb",
		Source:      SourceOfficial,
		URL:         "https://study.unimelb.edu.au/dates",
		HTML:        html,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)

	records := vectors.inserted["unimelb_official"]
	require.Len(t, records, 1)
	assert.Equal(t, "Key dates: The census date is 31 March. Fees are due after census.", records[0].Text)
	assert.Equal(t, "https://study.unimelb.edu.au/dates", records[0].SourceURL)
	assert.Equal(t, "unimelb", records[0].Institution)
	assert.Empty(t, records[0].EntityID)
	assert.NotContains(t, records[0].Text, "Menu")
}

func TestIndexKnowledgeErrors(t *testing.T) {
	tests := []struct {
		name   string
		doc    KnowledgeDocument
		target error
	}{
		{"unknown institution", KnowledgeDocument{Institution: "monash", Source: SourceOfficial, HTML: "<p>x</p>"}, ErrUnknownInstitution},
		{"unknown source", KnowledgeDocument{Institution: "unimelb", Source: "blog", HTML: "<p>x</p>"}, ErrUnknownSource},
		{"empty page", KnowledgeDocument{Institution: "unimelb", Source: SourceUnion, HTML: "<script>x</script>"}, ErrNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := NewIndexer(&fakeVectors{}, &fakeEmbedder{}, testCollections, testInstitutions)
			_, err := x.IndexKnowledge(context.Background(), tt.doc)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestIndexInsertFailure(t *testing.T) {
	x := NewIndexer(&fakeVectors{err: errors.New("milvus unavailable")}, &fakeEmbedder{}, testCollections, nil)
	_, err := x.IndexEntities(context.Background(), []EntityDocument{{Type: entity.TypeUser, ID: "cc33", Text: "Sam."}})
	assert.ErrorContains(t, err, "milvus unavailable")
}
