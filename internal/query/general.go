package query

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/llm"
	"github.com/connect3/backend/internal/metrics"
	"github.com/connect3/backend/internal/storage/models"
	"github.com/connect3/backend/internal/vector/zilliz"
	"github.com/connect3/backend/pkg/config"
	"github.com/connect3/backend/pkg/logger"
)

type QueryKind string

const (
	KindInstitution QueryKind = "institution"
	KindApp         QueryKind = "app"
	KindChitchat    QueryKind = "chitchat"
)

// Classification is the general-knowledge sub-route decision.
type Classification struct {
	Kind        QueryKind `json:"kind"`
	Institution string    `json:"institution"`
	SearchQuery string    `json:"searchQuery"`
}

type sourceLabel string

const (
	sourceOfficial sourceLabel = "Official"
	sourceUnion    sourceLabel = "Student union"
	sourceWeb      sourceLabel = "Web"
)

type groundingSource struct {
	Label sourceLabel
	Title string
	URL   string
	Text  string
}

type GeneralConfig struct {
	TopK     int
	MinScore float32
}

// GeneralResponder answers queries that need no entity search, from an
// institution knowledge corpus, the web, or general knowledge.
type GeneralResponder struct {
	completer    Completer
	knowledge    KnowledgeBase
	web          WebSearcher
	institutions map[string]config.InstitutionCorpus
	cfg          GeneralConfig
}

// NewGeneralResponder accepts nil knowledge or web to disable that source.
func NewGeneralResponder(completer Completer, knowledge KnowledgeBase, web WebSearcher, institutions map[string]config.InstitutionCorpus, cfg GeneralConfig) *GeneralResponder {
	normalised := make(map[string]config.InstitutionCorpus, len(institutions))
	for key, corpus := range institutions {
		normalised[strings.ToLower(strings.TrimSpace(key))] = corpus
	}
	return &GeneralResponder{
		completer:    completer,
		knowledge:    knowledge,
		web:          web,
		institutions: normalised,
		cfg:          cfg,
	}
}

func (g *GeneralResponder) Classify(ctx context.Context, qc *QueryContext) Classification {
	var c Classification
	err := g.completer.CompleteJSON(ctx, llm.StructuredRequest{
		CompletionRequest: llm.CompletionRequest{
			SystemPrompt: classifyPrompt,
			UserPrompt:   contextPrompt(qc),
			Temperature:  0.1,
		},
		SchemaName: "general_route",
		Schema:     classifySchema,
	}, &c)
	if err != nil {
		logger.Warn("General classification failed, answering without retrieval",
			zap.String("message_id", qc.MessageID),
			zap.Error(err),
		)
		return Classification{Kind: KindApp}
	}
	c.Institution = strings.TrimSpace(c.Institution)
	if c.Kind == KindInstitution && c.Institution == "" && len(qc.Institutions) == 1 {
		c.Institution = qc.Institutions[0]
	}
	return c
}

// lookup finds an institution's corpus by key or display name.
func (g *GeneralResponder) lookup(institution string) (config.InstitutionCorpus, bool) {
	key := strings.ToLower(institution)
	if corpus, ok := g.institutions[key]; ok {
		return corpus, true
	}
	for _, corpus := range g.institutions {
		if strings.EqualFold(corpus.Name, institution) {
			return corpus, true
		}
	}
	return config.InstitutionCorpus{}, false
}

// Respond streams a prose answer. Markers never appear in its output.
func (g *GeneralResponder) Respond(ctx context.Context, qc *QueryContext, emit Emitter) (*models.MessageContent, error) {
	c := g.Classify(ctx, qc)

	logger.Info("General route classified",
		zap.String("message_id", qc.MessageID),
		zap.String("kind", string(c.Kind)),
		zap.String("institution", c.Institution),
	)

	var sources []groundingSource
	if c.Kind == KindInstitution && c.Institution != "" {
		query := c.SearchQuery
		if query == "" {
			query = qc.Query
		}
		ev := progress(StepSearching)
		ev.Queries = []string{query}
		emit(ev)
		sources = g.retrieve(ctx, qc, c.Institution, query)
	}

	emit(progress(StepGenerating))

	req := llm.CompletionRequest{
		SystemPrompt: generalPrompt,
		History:      historyMessages(qc.History),
		UserPrompt:   generalUserPrompt(qc, c, sources),
	}
	markdown, err := streamAnswer(ctx, g.completer, req, emit, func(acc string) entity.Envelope {
		return entity.Envelope{Markdown: entity.StripMarkers(acc), Entities: []entity.Ref{}}
	})
	if err != nil {
		return nil, err
	}

	final := strings.TrimSpace(entity.StripMarkers(markdown))
	if final == "" {
		return nil, newError(KindSynthesis, synthesisFailed, ErrEmptyAnswer)
	}

	var links []models.QuickLink
	seen := make(map[string]bool)
	for _, s := range sources {
		if s.Label != sourceWeb || s.URL == "" || seen[s.URL] {
			continue
		}
		seen[s.URL] = true
		links = append(links, models.QuickLink{Type: "web", URL: s.URL, Label: s.Title})
	}

	return &models.MessageContent{Markdown: final, QuickLinks: links}, nil
}

// retrieve searches the institution's corpora and falls back to official
// web sources when they return nothing.
func (g *GeneralResponder) retrieve(ctx context.Context, qc *QueryContext, institution, query string) []groundingSource {
	corpus, ok := g.lookup(institution)
	if !ok || g.knowledge == nil {
		metrics.WebFallbacks.WithLabelValues("no_corpus").Inc()
		return g.searchWeb(ctx, qc, institution, query)
	}

	var official, union []zilliz.KnowledgePassage
	eg, egctx := errgroup.WithContext(ctx)
	search := func(collection string, out *[]zilliz.KnowledgePassage) {
		if collection == "" {
			return
		}
		eg.Go(func() error {
			passages, err := g.knowledge.SearchKnowledge(egctx, collection, query, g.cfg.TopK, g.cfg.MinScore)
			if err != nil {
				logger.Warn("Knowledge search failed",
					zap.String("message_id", qc.MessageID),
					zap.String("collection", collection),
					zap.Error(err),
				)
				return nil
			}
			*out = passages
			return nil
		})
	}
	search(corpus.Official, &official)
	search(corpus.StudentUnion, &union)
	_ = eg.Wait()

	sources := make([]groundingSource, 0, len(official)+len(union))
	for _, p := range official {
		sources = append(sources, groundingSource{Label: sourceOfficial, URL: p.SourceURL, Text: p.Text})
	}
	for _, p := range union {
		sources = append(sources, groundingSource{Label: sourceUnion, URL: p.SourceURL, Text: p.Text})
	}
	if len(sources) > 0 {
		return sources
	}

	metrics.WebFallbacks.WithLabelValues("empty_corpus").Inc()
	name := corpus.Name
	if name == "" {
		name = institution
	}
	return g.searchWeb(ctx, qc, name, query)
}

func (g *GeneralResponder) searchWeb(ctx context.Context, qc *QueryContext, institution, query string) []groundingSource {
	if g.web == nil {
		return nil
	}
	results, err := g.web.Search(ctx, query, institution)
	if err != nil {
		logger.Warn("Web search failed",
			zap.String("message_id", qc.MessageID),
			zap.Error(err),
		)
		return nil
	}
	sources := make([]groundingSource, 0, len(results))
	for _, r := range results {
		text := r.Content
		if text == "" {
			text = r.Snippet
		}
		sources = append(sources, groundingSource{Label: sourceWeb, Title: r.Title, URL: r.URL, Text: text})
	}
	return sources
}

func generalUserPrompt(qc *QueryContext, c Classification, sources []groundingSource) string {
	var b strings.Builder
	if qc.Profile != "" {
		fmt.Fprintf(&b, "About the user:\n%s\n\n", qc.Profile)
	}
	fmt.Fprintf(&b, "Question: %s\n\n", qc.Query)

	switch {
	case len(sources) > 0:
		b.WriteString("Sources:\n")
		for i, s := range sources {
			fmt.Fprintf(&b, "[%d] (%s) %s\n%s\n\n", i+1, s.Label, s.URL, strings.TrimSpace(s.Text))
		}
	case c.Kind == KindInstitution:
		fmt.Fprintf(&b, "No sources were found about %s. Say you could not find this information and suggest the official website.\n", c.Institution)
	case c.Kind == KindApp:
		b.WriteString("Answer from what you know about Connect3: students build profiles, discover clubs, societies and events, and connect with each other.\n")
	}
	return b.String()
}
