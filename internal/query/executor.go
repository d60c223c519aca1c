package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/metrics"
	"github.com/connect3/backend/internal/vector/zilliz"
	"github.com/connect3/backend/pkg/logger"
)

// Item is one search result bound to its entity.
type Item struct {
	Category entity.Category
	Locator  string
	Text     string
	Ref      entity.Ref
	Score    float32
}

// SearchOutcome aggregates every category's results. Sources maps a
// corpus locator to the entity it belongs to.
type SearchOutcome struct {
	Items    []Item
	Sources  map[string]entity.Ref
	Warnings []string
}

// Allowed returns the set of refs that may be cited.
func (o *SearchOutcome) Allowed() *entity.RefSet {
	set := entity.NewRefSet()
	for _, it := range o.Items {
		set.Add(it.Ref)
	}
	return set
}

type ExecutorConfig struct {
	MinScore float32
	TopK     int
}

// Executor fans planned searches out over a bounded worker pool.
type Executor struct {
	corpus Corpus
	scope  ScopeResolver
	pool   *ants.Pool
	cfg    ExecutorConfig
}

// NewExecutor uses pool for the fan-out. scope may be nil.
func NewExecutor(corpus Corpus, scope ScopeResolver, pool *ants.Pool, cfg ExecutorConfig) *Executor {
	return &Executor{corpus: corpus, scope: scope, pool: pool, cfg: cfg}
}

type categoryResult struct {
	items []Item
	err   error
}

// Execute searches every planned category concurrently. A failing category
// becomes a warning; the other categories still contribute results.
func (x *Executor) Execute(ctx context.Context, qc *QueryContext, plan *Plan, filters map[entity.Category]entity.Filter) (*SearchOutcome, error) {
	categories := plan.Categories()
	results := make([]categoryResult, len(categories))

	var wg sync.WaitGroup
	for i, c := range categories {
		i, c := i, c
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = x.searchCategory(ctx, qc, c, plan.Queries[c], plan.Context, filters[c])
		}
		if err := x.pool.Submit(task); err != nil {
			wg.Done()
			results[i] = categoryResult{err: fmt.Errorf("failed to schedule search: %w", err)}
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcome := &SearchOutcome{Sources: make(map[string]entity.Ref)}
	for i, c := range categories {
		r := results[i]
		if r.err != nil {
			metrics.RetrievalFailures.WithLabelValues(string(c)).Inc()
			logger.Warn("Category search failed",
				zap.String("message_id", qc.MessageID),
				zap.String("category", string(c)),
				zap.Error(r.err),
			)
			outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("%s search unavailable", c))
			continue
		}
		metrics.RetrievalResults.WithLabelValues(string(c)).Observe(float64(len(r.items)))
		outcome.Items = append(outcome.Items, r.items...)
	}

	x.applyScope(ctx, qc, outcome)

	for _, it := range outcome.Items {
		outcome.Sources[it.Locator] = it.Ref
	}

	logger.Info("Search executed",
		zap.String("message_id", qc.MessageID),
		zap.Int("categories", len(categories)),
		zap.Int("items", len(outcome.Items)),
		zap.Strings("warnings", outcome.Warnings),
	)

	return outcome, nil
}

func (x *Executor) searchCategory(ctx context.Context, qc *QueryContext, c entity.Category, queries []string, guidance string, filter entity.Filter) categoryResult {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("search_" + string(c)).Observe(time.Since(start).Seconds())
	}()

	passages, err := x.corpus.Search(ctx, zilliz.SearchRequest{
		Category: c,
		Queries:  queries,
		Context:  guidance,
		MinScore: x.cfg.MinScore,
		TopK:     x.cfg.TopK,
		Filter:   filter,
	})
	if err != nil {
		return categoryResult{err: err}
	}

	byRef := make(map[entity.Ref]int)
	var items []Item
	for _, p := range passages {
		if p.Score < x.cfg.MinScore {
			continue
		}
		if p.Ref.Type.Category() != c {
			continue
		}
		if !filter.Allows(p.Ref.ID) {
			metrics.FilterLeaks.WithLabelValues(string(c)).Inc()
			logger.Warn("Corpus returned a filtered entity",
				zap.String("message_id", qc.MessageID),
				zap.String("entity", p.Ref.String()),
				zap.String("op", string(filter.Op)),
			)
			continue
		}
		if idx, ok := byRef[p.Ref]; ok {
			if p.Score > items[idx].Score {
				items[idx] = Item{Category: c, Locator: p.Locator, Text: p.Text, Ref: p.Ref, Score: p.Score}
			}
			continue
		}
		byRef[p.Ref] = len(items)
		items = append(items, Item{Category: c, Locator: p.Locator, Text: p.Text, Ref: p.Ref, Score: p.Score})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	return categoryResult{items: items}
}

func (x *Executor) applyScope(ctx context.Context, qc *QueryContext, outcome *SearchOutcome) {
	if x.scope == nil || len(qc.Institutions) == 0 || len(outcome.Items) == 0 {
		return
	}

	refs := outcome.Allowed().Refs()
	kept, err := x.scope.FilterByScope(ctx, refs, qc.Institutions)
	if err != nil {
		logger.Warn("Scope filter unavailable, returning unscoped results",
			zap.String("message_id", qc.MessageID),
			zap.Error(err),
		)
		outcome.Warnings = append(outcome.Warnings, "university filter unavailable")
		return
	}

	inScope := entity.NewRefSet(kept...)
	items := outcome.Items[:0]
	for _, it := range outcome.Items {
		if inScope.Has(it.Ref) {
			items = append(items, it)
		}
	}
	outcome.Items = items
}
