package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/storage/models"
	"github.com/connect3/backend/internal/vector/zilliz"
)

type engineFixture struct {
	store     *memStore
	completer *fakeCompleter
	corpus    *fakeCorpus
	quota     *fakeQuota
	engine    *Engine
}

func newEngineFixture(t *testing.T, limits Limits) *engineFixture {
	f := &engineFixture{
		store:     newMemStore(),
		completer: newFakeCompleter(),
		corpus:    &fakeCorpus{passages: map[entity.Category][]zilliz.Passage{}},
		quota:     &fakeQuota{counts: map[string]int64{}},
	}
	f.engine = NewEngine(Components{
		Store:       f.store,
		Loader:      NewContextLoader(f.store, 3),
		Planner:     NewPlanner(f.completer),
		Refiner:     NewRefiner(f.completer),
		Executor:    NewExecutor(f.corpus, nil, newPool(t), ExecutorConfig{MinScore: 0.3, TopK: 5}),
		Synthesizer: NewSynthesizer(f.completer),
		General:     NewGeneralResponder(f.completer, nil, nil, nil, GeneralConfig{}),
		Quota:       f.quota,
	}, limits)
	return f
}

func TestRunEntitySearch(t *testing.T) {
	f := newEngineFixture(t, Limits{MaxQueryLength: 200, DailyQuota: 10})
	f.store.seed("m1", "Find me robotics clubs")
	f.completer.
		on("search_decision", Decision{RequiresSearch: true}).
		on("search_plan", map[string]any{
			"filterSearch": false,
			"context":      "robotics clubs",
			"queries":      map[string]any{"users": nil, "organisations": "clubs that build robots", "events": nil},
		}).
		streaming("Robotics Society builds rovers. @@@organisation:aa11@@@")
	f.corpus.passages[entity.CategoryOrganisations] = []zilliz.Passage{passage(ref(entity.TypeOrganisation, "aa11"), 0.9)}

	rec := &recorder{}
	content, err := f.engine.Run(context.Background(), "m1", rec.emit)
	require.NoError(t, err)

	assert.Equal(t, []Step{StepContext, StepReasoning, StepSearching, StepGenerating}, rec.steps())
	searching := rec.ofType(EventProgress)[2]
	assert.Equal(t, []string{"clubs that build robots"}, searching.Queries)

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, EventComplete, last.Type)
	assert.Equal(t, content, last.Content)
	assert.Equal(t, EventStatus, rec.events[0].Type)

	stored := f.store.message("m1")
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, []models.QuickLink{{Type: "organisation", ID: "aa11"}}, stored.Content.QuickLinks)
	assert.Equal(t, 0, f.completer.callCount("general_route"))
}

func TestRunShowMoreExcludesPreviousResults(t *testing.T) {
	f := newEngineFixture(t, Limits{})
	f.store.seed("m2", "Show me more")
	f.store.turns["room-1"] = []models.Turn{previousTurn}
	f.completer.
		on("search_decision", Decision{RequiresSearch: true}).
		on("search_plan", map[string]any{
			"filterSearch": true,
			"queries":      map[string]any{"organisations": "robotics clubs"},
		}).
		on("result_filter", map[string]any{"include": false, "entities": []string{"organisation:aa11", "organisation:bb22"}}).
		streaming("Try Mechatronics Club. @@@organisation:dd44@@@ Or Robotics Society again @@@organisation:aa11@@@")
	f.corpus.passages[entity.CategoryOrganisations] = []zilliz.Passage{
		passage(ref(entity.TypeOrganisation, "aa11"), 0.9),
		passage(ref(entity.TypeOrganisation, "dd44"), 0.8),
	}

	rec := &recorder{}
	content, err := f.engine.Run(context.Background(), "m2", rec.emit)
	require.NoError(t, err)

	assert.Equal(t, []Step{StepContext, StepReasoning, StepRefining, StepSearching, StepGenerating}, rec.steps())

	req, ok := f.corpus.request(entity.CategoryOrganisations)
	require.True(t, ok)
	assert.Equal(t, entity.FilterExclude, req.Filter.Op)
	assert.ElementsMatch(t, []string{"aa11", "bb22"}, req.Filter.IDs)

	assert.Equal(t, []models.QuickLink{{Type: "organisation", ID: "dd44"}}, content.QuickLinks)
	assert.False(t, strings.Contains(content.Markdown, "aa11"))
}

func TestRunGeneralKnowledge(t *testing.T) {
	f := newEngineFixture(t, Limits{})
	f.store.seed("m3", "How does Connect3 recommend clubs?")
	f.completer.
		on("search_decision", Decision{RequiresSearch: false, Reason: "product question"}).
		on("general_route", Classification{Kind: KindApp}).
		streaming("Connect3 matches clubs to your profile.")

	rec := &recorder{}
	content, err := f.engine.Run(context.Background(), "m3", rec.emit)
	require.NoError(t, err)

	assert.Equal(t, "Connect3 matches clubs to your profile.", content.Markdown)
	assert.Equal(t, 0, f.completer.callCount("search_plan"))
	assert.Empty(t, f.corpus.requests)
}

func TestRunPlanWithoutQueriesAnswersGenerally(t *testing.T) {
	f := newEngineFixture(t, Limits{})
	f.store.seed("m4", "hmm")
	f.completer.
		on("search_decision", Decision{RequiresSearch: true}).
		on("search_plan", map[string]any{"queries": map[string]any{"users": "", "organisations": nil, "events": nil}}).
		on("general_route", Classification{Kind: KindChitchat}).
		streaming("Hi there!")

	content, err := f.engine.Run(context.Background(), "m4", (&recorder{}).emit)
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", content.Markdown)
	assert.Empty(t, f.corpus.requests)
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(f *engineFixture)
		messageID     string
		wantKind      ErrorKind
		wantRetriable bool
		wantSentinel  error
		wantStatus    models.MessageStatus
	}{
		{
			name:         "unknown message",
			setup:        func(f *engineFixture) {},
			messageID:    "missing",
			wantKind:     KindContext,
			wantSentinel: ErrContextNotFound,
		},
		{
			name: "missing profile",
			setup: func(f *engineFixture) {
				f.store.seed("m1", "q")
				delete(f.store.profiles, "user-1")
			},
			messageID:    "m1",
			wantKind:     KindContext,
			wantSentinel: ErrContextNotFound,
			wantStatus:   models.StatusFailed,
		},
		{
			name: "query too long",
			setup: func(f *engineFixture) {
				f.store.seed("m1", strings.Repeat("a", 201))
			},
			messageID:     "m1",
			wantKind:      KindLimit,
			wantRetriable: true,
			wantSentinel:  ErrQueryTooLong,
			wantStatus:    models.StatusFailed,
		},
		{
			name: "quota exceeded",
			setup: func(f *engineFixture) {
				f.store.seed("m1", "q")
				f.quota.counts["user-1"] = 10
			},
			messageID:     "m1",
			wantKind:      KindLimit,
			wantRetriable: true,
			wantSentinel:  ErrQuotaExceeded,
			wantStatus:    models.StatusFailed,
		},
		{
			name: "stage B failure",
			setup: func(f *engineFixture) {
				f.store.seed("m1", "Find Sam")
				f.completer.on("search_decision", Decision{RequiresSearch: true})
			},
			messageID:    "m1",
			wantKind:     KindPlanning,
			wantSentinel: ErrMalformedOutput,
			wantStatus:   models.StatusFailed,
		},
		{
			name: "stream failure",
			setup: func(f *engineFixture) {
				f.store.seed("m1", "hello")
				f.completer.on("search_decision", Decision{}).on("general_route", Classification{Kind: KindChitchat})
				f.completer.streamErr = errors.New("upstream 500")
			},
			messageID:     "m1",
			wantKind:      KindSynthesis,
			wantRetriable: true,
			wantStatus:    models.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, Limits{MaxQueryLength: 200, DailyQuota: 10})
			tt.setup(f)
			rec := &recorder{}

			_, err := f.engine.Run(context.Background(), tt.messageID, rec.emit)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
			if tt.wantSentinel != nil {
				assert.ErrorIs(t, err, tt.wantSentinel)
			}

			last := rec.events[len(rec.events)-1]
			assert.Equal(t, EventError, last.Type)
			assert.Equal(t, tt.wantRetriable, last.Retriable)
			assert.NotEmpty(t, last.Error)
			assert.Empty(t, rec.ofType(EventComplete))

			if tt.wantStatus != "" {
				stored := f.store.message(tt.messageID)
				assert.Equal(t, tt.wantStatus, stored.Status)
				assert.Equal(t, last.Error, stored.Error)
				assert.Nil(t, stored.Content)
			}
		})
	}
}

func TestRunCompletedMessageIsNotRerun(t *testing.T) {
	f := newEngineFixture(t, Limits{})
	f.store.seed("m1", "q")
	done := &models.MessageContent{Markdown: "done"}
	f.store.messages["m1"].Status = models.StatusCompleted
	f.store.messages["m1"].Content = done

	rec := &recorder{}
	content, err := f.engine.Run(context.Background(), "m1", rec.emit)
	require.NoError(t, err)
	assert.Equal(t, done, content)
	require.Len(t, rec.events, 1)
	assert.Equal(t, EventComplete, rec.events[0].Type)
	assert.Equal(t, 0, f.completer.callCount("search_decision"))
}

func TestRunRetryAfterFailure(t *testing.T) {
	f := newEngineFixture(t, Limits{})
	f.store.seed("m1", "hello")
	f.completer.on("search_decision", Decision{}).on("general_route", Classification{Kind: KindChitchat})
	f.completer.streamErr = errors.New("upstream 500")

	_, err := f.engine.Run(context.Background(), "m1", (&recorder{}).emit)
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, f.store.message("m1").Status)

	f.completer.streamErr = nil
	f.completer.streaming("Hello!")
	content, err := f.engine.Run(context.Background(), "m1", (&recorder{}).emit)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", content.Markdown)

	stored := f.store.message("m1")
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Empty(t, stored.Error)
}
