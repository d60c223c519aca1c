package query

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/llm"
	"github.com/connect3/backend/pkg/logger"
)

type refineOutput struct {
	Include  bool     `json:"include"`
	Entities []string `json:"entities"`
}

// Refiner derives per-category entity filters for refinement queries.
type Refiner struct {
	completer Completer
}

func NewRefiner(completer Completer) *Refiner {
	return &Refiner{completer: completer}
}

// Refine builds one filter per planned category. Any malformed entity
// token aborts refinement. In exclude mode every entity already shown in
// the categories in play is excluded, whether or not the model listed it.
func (r *Refiner) Refine(ctx context.Context, qc *QueryContext, plan *Plan) (map[entity.Category]entity.Filter, error) {
	var out refineOutput
	err := r.completer.CompleteJSON(ctx, llm.StructuredRequest{
		CompletionRequest: llm.CompletionRequest{
			SystemPrompt: refinePrompt,
			UserPrompt:   contextPrompt(qc),
			Temperature:  0.1,
		},
		SchemaName: "result_filter",
		Schema:     refineSchema,
	}, &out)
	if err != nil {
		return nil, newError(KindFilter, "Could not refine the previous results. Please try again.", err)
	}

	categories := plan.Categories()
	inPlay := make(map[entity.Category]bool, len(categories))
	for _, c := range categories {
		inPlay[c] = true
	}

	prior := qc.PriorRefs()
	refs := make([]entity.Ref, 0, len(out.Entities))
	for _, raw := range out.Entities {
		ref, err := entity.ParseRef(raw)
		if err != nil {
			return nil, newError(KindFilter, "Could not refine the previous results. Please try again.",
				fmt.Errorf("failed to parse filter entity: %w", err))
		}
		if !prior.Has(ref) {
			logger.Warn("Dropping filter entity not shown in this conversation",
				zap.String("message_id", qc.MessageID),
				zap.String("entity", ref.String()),
			)
			continue
		}
		refs = append(refs, ref)
	}

	if !out.Include {
		refs = append(refs, prior.Refs()...)
	}

	var scoped []entity.Ref
	for _, ref := range refs {
		if inPlay[ref.Type.Category()] {
			scoped = append(scoped, ref)
		}
	}

	if out.Include && len(scoped) == 0 {
		return nil, newError(KindFilter, "I couldn't tell which of the previous results you meant. Could you name them?",
			fmt.Errorf("include filter matched no previously shown entities"))
	}

	filters := entity.BuildFilters(out.Include, scoped, categories)

	logger.Info("Result filter built",
		zap.String("message_id", qc.MessageID),
		zap.Bool("include", out.Include),
		zap.Int("entities", len(scoped)),
	)

	return filters, nil
}
