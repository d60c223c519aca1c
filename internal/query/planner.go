package query

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/llm"
	"github.com/connect3/backend/pkg/logger"
)

// Decision is the Stage A answer.
type Decision struct {
	RequiresSearch     bool   `json:"requiresSearch"`
	NeedsClarification bool   `json:"needsClarification"`
	Reason             string `json:"reason"`
}

// Plan is the Stage B answer. A category with no queries is not searched.
type Plan struct {
	RequiresSearch bool
	FilterSearch   bool
	Context        string
	Queries        map[entity.Category][]string
}

// Categories returns the planned categories in canonical order.
func (p *Plan) Categories() []entity.Category {
	var out []entity.Category
	for _, c := range entity.Categories() {
		if len(p.Queries[c]) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// AllQueries flattens the planned queries in category order.
func (p *Plan) AllQueries() []string {
	var out []string
	for _, c := range p.Categories() {
		out = append(out, p.Queries[c]...)
	}
	return out
}

// Normalize enforces plan totality: a plan with any query requires search,
// and a plan that does not require search has no queries.
func (p *Plan) Normalize() {
	cleaned := make(map[entity.Category][]string, len(p.Queries))
	for c, qs := range p.Queries {
		var keep []string
		for _, q := range qs {
			if q = strings.TrimSpace(q); q != "" {
				keep = append(keep, q)
			}
		}
		if len(keep) > 0 {
			cleaned[c] = keep
		}
	}
	p.Queries = cleaned
	p.RequiresSearch = len(cleaned) > 0
	if !p.RequiresSearch {
		p.FilterSearch = false
	}
}

// phrasings decodes a category query given as null, a string or a list.
type phrasings []string

func (p *phrasings) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != nil {
			*p = phrasings{*s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*p = list
	return nil
}

type planOutput struct {
	FilterSearch bool                 `json:"filterSearch"`
	Context      string               `json:"context"`
	Queries      map[string]phrasings `json:"queries"`
}

type Planner struct {
	completer Completer
}

func NewPlanner(completer Completer) *Planner {
	return &Planner{completer: completer}
}

// Decide runs Stage A. It retries once; if the answer still cannot be
// resolved the query is treated as not needing search.
func (p *Planner) Decide(ctx context.Context, qc *QueryContext) Decision {
	req := llm.StructuredRequest{
		CompletionRequest: llm.CompletionRequest{
			SystemPrompt: decisionPrompt,
			UserPrompt:   contextPrompt(qc),
			Temperature:  0.1,
		},
		SchemaName: "search_decision",
		Schema:     decisionSchema,
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		var d Decision
		if err := p.completer.CompleteJSON(ctx, req, &d); err != nil {
			if ctx.Err() != nil {
				break
			}
			lastErr = err
			logger.Warn("Search decision failed",
				zap.String("message_id", qc.MessageID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if d.NeedsClarification {
			d.RequiresSearch = false
		}
		logger.Info("Search decision",
			zap.String("message_id", qc.MessageID),
			zap.Bool("requires_search", d.RequiresSearch),
			zap.String("reason", d.Reason),
		)
		return d
	}

	logger.Warn("Search decision unresolved, answering without search",
		zap.String("message_id", qc.MessageID),
		zap.Error(lastErr),
	)
	return Decision{Reason: "decision unavailable"}
}

// Plan runs Stage B. Failures are returned as planning errors.
func (p *Planner) Plan(ctx context.Context, qc *QueryContext) (*Plan, error) {
	var out planOutput
	err := p.completer.CompleteJSON(ctx, llm.StructuredRequest{
		CompletionRequest: llm.CompletionRequest{
			SystemPrompt: planPrompt,
			UserPrompt:   contextPrompt(qc),
			Temperature:  0.2,
		},
		SchemaName: "search_plan",
		Schema:     planSchema,
	}, &out)
	if err != nil {
		return nil, newError(KindPlanning, "Could not plan this search. Please try again.", err)
	}

	plan := &Plan{
		FilterSearch: out.FilterSearch,
		Context:      strings.TrimSpace(out.Context),
		Queries:      make(map[entity.Category][]string),
	}
	for key, qs := range out.Queries {
		c := entity.Category(strings.ToLower(key))
		if c.EntityType() == "" {
			logger.Warn("Planner returned unknown category", zap.String("category", key))
			continue
		}
		plan.Queries[c] = append(plan.Queries[c], qs...)
	}
	plan.Normalize()

	logger.Info("Search planned",
		zap.String("message_id", qc.MessageID),
		zap.Bool("requires_search", plan.RequiresSearch),
		zap.Bool("filter_search", plan.FilterSearch),
		zap.Strings("queries", plan.AllQueries()),
	)

	return plan, nil
}
