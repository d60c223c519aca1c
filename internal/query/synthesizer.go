package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/llm"
	"github.com/connect3/backend/internal/metrics"
	"github.com/connect3/backend/internal/storage/models"
	"github.com/connect3/backend/pkg/logger"
)

const synthesisFailed = "The answer could not be completed. Please try again."

// Synthesizer streams the cited answer for an entity search.
type Synthesizer struct {
	completer Completer
}

func NewSynthesizer(completer Completer) *Synthesizer {
	return &Synthesizer{completer: completer}
}

// Synthesize streams the answer, emitting a partial envelope after every
// delta. Only refs present in outcome are ever reported, and any other
// marker is removed from the final markdown.
func (s *Synthesizer) Synthesize(ctx context.Context, qc *QueryContext, plan *Plan, outcome *SearchOutcome, emit Emitter) (*models.MessageContent, error) {
	allowed := outcome.Allowed()

	req := llm.CompletionRequest{
		SystemPrompt: synthesisPrompt,
		History:      historyMessages(qc.History),
		UserPrompt:   synthesisUserPrompt(qc, plan, outcome),
	}

	markdown, err := streamAnswer(ctx, s.completer, req, emit, func(acc string) entity.Envelope {
		return entity.ParseAllowed(acc, allowed)
	})
	if err != nil {
		return nil, err
	}

	final, dropped := entity.Sanitize(markdown, allowed)
	if len(dropped) > 0 {
		metrics.DroppedMarkers.Add(float64(len(dropped)))
		refs := make([]string, len(dropped))
		for i, r := range dropped {
			refs[i] = r.String()
		}
		logger.Warn("Removed markers not backed by search results",
			zap.String("message_id", qc.MessageID),
			zap.Strings("refs", refs),
		)
	}

	final = strings.TrimSpace(final)
	if final == "" {
		return nil, newError(KindSynthesis, synthesisFailed, ErrEmptyAnswer)
	}

	env := entity.Parse(final)
	links := make([]models.QuickLink, 0, len(env.Entities))
	for _, r := range env.Entities {
		links = append(links, models.QuickLink{Type: string(r.Type), ID: r.ID})
	}

	return &models.MessageContent{Markdown: final, QuickLinks: links}, nil
}

func synthesisUserPrompt(qc *QueryContext, plan *Plan, outcome *SearchOutcome) string {
	var b strings.Builder
	if qc.Profile != "" {
		fmt.Fprintf(&b, "About the user:\n%s\n\n", qc.Profile)
	}
	fmt.Fprintf(&b, "Request: %s\n\n", qc.Query)
	if plan.Context != "" {
		fmt.Fprintf(&b, "What the user is looking for: %s\n\n", plan.Context)
	}
	if len(outcome.Items) == 0 {
		b.WriteString("Search results: none.\n")
	} else {
		b.WriteString("Search results:\n")
		for _, it := range outcome.Items {
			fmt.Fprintf(&b, "- marker %s (%s, relevance %.2f)\n  %s\n",
				it.Ref.Marker(), it.Ref.Type, it.Score, strings.ReplaceAll(strings.TrimSpace(it.Text), "\n", " "))
		}
	}
	if len(outcome.Warnings) > 0 {
		fmt.Fprintf(&b, "\nNote: %s. Mention briefly that results may be incomplete.\n", strings.Join(outcome.Warnings, "; "))
	}
	return b.String()
}

// streamAnswer drives a completion stream. After every content delta the
// whole accumulated text is re-rendered and emitted as a response event.
func streamAnswer(ctx context.Context, completer Completer, req llm.CompletionRequest, emit Emitter, render func(string) entity.Envelope) (string, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("synthesis").Observe(time.Since(start).Seconds())
	}()

	deltas, err := completer.Stream(ctx, req)
	if err != nil {
		return "", newError(KindSynthesis, synthesisFailed, fmt.Errorf("failed to start answer stream: %w", err))
	}

	var acc strings.Builder
	for d := range deltas {
		switch {
		case d.Err != nil:
			return "", newError(KindSynthesis, synthesisFailed, d.Err)
		case d.Reasoning != "":
			emit(Event{Type: EventReasoning, Reasoning: d.Reasoning, Time: time.Now()})
		case d.ToolCall != nil:
			emit(Event{Type: EventReasoning, ToolCall: d.ToolCall, Time: time.Now()})
		case d.Content != "":
			acc.WriteString(d.Content)
			env := render(acc.String())
			emit(Event{Type: EventResponse, Partial: &env, Time: time.Now()})
		}
	}

	if err := ctx.Err(); err != nil {
		return "", newError(KindSynthesis, synthesisFailed, err)
	}
	return acc.String(), nil
}
