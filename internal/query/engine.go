package query

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/metrics"
	"github.com/connect3/backend/internal/storage/models"
	"github.com/connect3/backend/internal/storage/sqlite"
	"github.com/connect3/backend/pkg/logger"
)

// Route is the outcome of planning: EntitySearch or GeneralKnowledge.
type Route interface {
	routeName() string
}

type EntitySearch struct {
	Plan *Plan
}

type GeneralKnowledge struct {
	Reason string
}

func (EntitySearch) routeName() string     { return "entity_search" }
func (GeneralKnowledge) routeName() string { return "general_knowledge" }

// RouteName returns the metrics label of a route.
func RouteName(r Route) string {
	if r == nil {
		return "none"
	}
	return r.routeName()
}

type Limits struct {
	MaxQueryLength int
	DailyQuota     int
}

// Engine runs the search pipeline for one message at a time.
type Engine struct {
	store       Datastore
	loader      *ContextLoader
	planner     *Planner
	refiner     *Refiner
	executor    *Executor
	synthesizer *Synthesizer
	general     *GeneralResponder
	quota       QuotaCounter
	limits      Limits
	now         func() time.Time
}

// Components wires the pipeline stages. Quota may be nil.
type Components struct {
	Store       Datastore
	Loader      *ContextLoader
	Planner     *Planner
	Refiner     *Refiner
	Executor    *Executor
	Synthesizer *Synthesizer
	General     *GeneralResponder
	Quota       QuotaCounter
}

func NewEngine(c Components, limits Limits) *Engine {
	return &Engine{
		store:       c.Store,
		loader:      c.Loader,
		planner:     c.Planner,
		refiner:     c.Refiner,
		executor:    c.Executor,
		synthesizer: c.Synthesizer,
		general:     c.General,
		quota:       c.Quota,
		limits:      limits,
		now:         time.Now,
	}
}

// Run processes a message and persists the outcome. Every event, including
// the terminal complete or error event, is passed to emit. A completed
// message is not re-run.
func (e *Engine) Run(ctx context.Context, messageID string, emit Emitter) (*models.MessageContent, error) {
	start := time.Now()
	var route Route

	content, fresh, err := e.run(ctx, messageID, emit, &route)
	if err == nil && fresh {
		err = e.complete(ctx, messageID, content)
	}

	status := "completed"
	if err != nil {
		status = "failed"
		if k := KindOf(err); k != "" {
			status = string(k)
		}
	}
	metrics.QueryDuration.WithLabelValues(RouteName(route)).Observe(time.Since(start).Seconds())
	metrics.QueryTotal.WithLabelValues(RouteName(route), status).Inc()

	if err != nil {
		e.fail(ctx, messageID, err)
		emit(ErrorEvent(err))
		return nil, err
	}

	emit(CompleteEvent(content))
	logger.Info("Search completed",
		zap.String("message_id", messageID),
		zap.String("route", RouteName(route)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return content, nil
}

func (e *Engine) run(ctx context.Context, messageID string, emit Emitter, route *Route) (*models.MessageContent, bool, error) {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, false, newError(KindContext, "This message could not be found.", fmt.Errorf("%w: message %s", ErrContextNotFound, messageID))
		}
		return nil, false, newError(KindContext, "Could not load this message.", err)
	}
	if msg.Status == models.StatusCompleted && msg.Content != nil {
		return msg.Content, false, nil
	}

	if err := e.store.MarkProcessing(ctx, messageID); err != nil {
		return nil, false, newError(KindContext, "Could not start this search.", err)
	}
	emit(Event{Type: EventStatus, Status: models.StatusProcessing, Time: time.Now()})

	emit(progress(StepContext))
	qc, err := e.loader.Load(ctx, msg)
	if err != nil {
		return nil, false, err
	}

	if err := e.checkLimits(ctx, qc); err != nil {
		return nil, false, err
	}

	emit(progress(StepReasoning))
	*route, err = e.route(ctx, qc)
	if err != nil {
		return nil, false, err
	}

	var content *models.MessageContent
	switch r := (*route).(type) {
	case EntitySearch:
		content, err = e.searchEntities(ctx, qc, r.Plan, emit)
	case GeneralKnowledge:
		content, err = e.general.Respond(ctx, qc, emit)
	default:
		err = fmt.Errorf("unknown route %T", r)
	}
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

// route runs both planning stages and picks a branch.
func (e *Engine) route(ctx context.Context, qc *QueryContext) (Route, error) {
	stageStart := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("planning").Observe(time.Since(stageStart).Seconds())
	}()

	decision := e.planner.Decide(ctx, qc)
	if err := ctx.Err(); err != nil {
		return nil, newError(KindPlanning, "The search was cancelled.", err)
	}
	if !decision.RequiresSearch {
		return GeneralKnowledge{Reason: decision.Reason}, nil
	}

	plan, err := e.planner.Plan(ctx, qc)
	if err != nil {
		return nil, err
	}
	if !plan.RequiresSearch {
		logger.Info("Plan has no category queries, answering without search",
			zap.String("message_id", qc.MessageID),
		)
		return GeneralKnowledge{Reason: "no category relevant"}, nil
	}
	return EntitySearch{Plan: plan}, nil
}

func (e *Engine) searchEntities(ctx context.Context, qc *QueryContext, plan *Plan, emit Emitter) (*models.MessageContent, error) {
	filters := defaultFilters(plan)
	if plan.FilterSearch {
		emit(progress(StepRefining))
		var err error
		filters, err = e.refiner.Refine(ctx, qc, plan)
		if err != nil {
			return nil, err
		}
	}

	ev := progress(StepSearching)
	ev.Queries = plan.AllQueries()
	emit(ev)

	outcome, err := e.executor.Execute(ctx, qc, plan, filters)
	if err != nil {
		return nil, newError(KindRetrieval, "The search was interrupted. Please try again.", err)
	}

	gen := progress(StepGenerating)
	gen.Warnings = outcome.Warnings
	emit(gen)

	return e.synthesizer.Synthesize(ctx, qc, plan, outcome, emit)
}

func (e *Engine) checkLimits(ctx context.Context, qc *QueryContext) error {
	if e.limits.MaxQueryLength > 0 && utf8.RuneCountInString(qc.Query) > e.limits.MaxQueryLength {
		metrics.LimitRejections.WithLabelValues("query_length").Inc()
		return newError(KindLimit,
			fmt.Sprintf("Your message is too long. Please keep it under %d characters.", e.limits.MaxQueryLength),
			ErrQueryTooLong)
	}

	if e.quota == nil || e.limits.DailyQuota <= 0 {
		return nil
	}
	n, err := e.quota.IncrementQuota(ctx, qc.UserID, e.now())
	if err != nil {
		logger.Warn("Quota check failed, allowing search",
			zap.String("user_id", qc.UserID),
			zap.Error(err),
		)
		return nil
	}
	if n > int64(e.limits.DailyQuota) {
		metrics.LimitRejections.WithLabelValues("daily_quota").Inc()
		return newError(KindLimit, "You've reached today's search limit. Please try again tomorrow.", ErrQuotaExceeded)
	}
	return nil
}

// complete persists the final content with a context that outlives the
// caller's.
func (e *Engine) complete(ctx context.Context, messageID string, content *models.MessageContent) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.CompleteMessage(ctx, messageID, content); err != nil {
		return newError(KindSynthesis, "Could not save the answer. Please try again.", fmt.Errorf("failed to complete message: %w", err))
	}
	return nil
}

// fail records the failure with a context that outlives the caller's.
func (e *Engine) fail(ctx context.Context, messageID string, err error) {
	logger.Error("Search failed",
		zap.String("message_id", messageID),
		zap.String("kind", string(KindOf(err))),
		zap.Error(err),
	)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if ferr := e.store.FailMessage(ctx, messageID, Reason(err)); ferr != nil && !errors.Is(ferr, sqlite.ErrNotFound) {
		logger.Warn("Failed to record message failure", zap.String("message_id", messageID), zap.Error(ferr))
	}
}

func defaultFilters(plan *Plan) map[entity.Category]entity.Filter {
	filters := make(map[entity.Category]entity.Filter)
	for _, c := range plan.Categories() {
		filters[c] = entity.Filter{}
	}
	return filters
}
