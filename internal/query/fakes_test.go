package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/require"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/llm"
	"github.com/connect3/backend/internal/search/web"
	"github.com/connect3/backend/internal/storage/models"
	"github.com/connect3/backend/internal/storage/sqlite"
	"github.com/connect3/backend/internal/vector/zilliz"
)

// fakeCompleter answers structured calls from per-schema queues (the last
// answer repeats) and streams scripted deltas.
type fakeCompleter struct {
	mu        sync.Mutex
	answers   map[string][]any
	calls     map[string]int
	deltas    []llm.StreamDelta
	streamErr error
	streamReq llm.CompletionRequest
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{answers: map[string][]any{}, calls: map[string]int{}}
}

func (f *fakeCompleter) on(schema string, answers ...any) *fakeCompleter {
	f.answers[schema] = answers
	return f
}

func (f *fakeCompleter) streaming(parts ...string) *fakeCompleter {
	for _, p := range parts {
		f.deltas = append(f.deltas, llm.StreamDelta{Content: p})
	}
	return f
}

func (f *fakeCompleter) callCount(schema string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[schema]
}

func (f *fakeCompleter) CompleteJSON(_ context.Context, req llm.StructuredRequest, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.SchemaName]++
	queue := f.answers[req.SchemaName]
	if len(queue) == 0 {
		return fmt.Errorf("%w: nothing scripted for %s", llm.ErrMalformedOutput, req.SchemaName)
	}
	next := queue[0]
	if len(queue) > 1 {
		f.answers[req.SchemaName] = queue[1:]
	}
	if err, ok := next.(error); ok {
		return err
	}
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (f *fakeCompleter) Stream(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamDelta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamReq = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan llm.StreamDelta, len(f.deltas))
	for _, d := range f.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

type memStore struct {
	mu       sync.Mutex
	messages map[string]*models.ChatMessage
	rooms    map[string]*models.ChatRoom
	profiles map[string]*models.Profile
	turns    map[string][]models.Turn
}

func newMemStore() *memStore {
	return &memStore{
		messages: map[string]*models.ChatMessage{},
		rooms:    map[string]*models.ChatRoom{},
		profiles: map[string]*models.Profile{},
		turns:    map[string][]models.Turn{},
	}
}

// seed stores a room, a profile and a pending message.
func (s *memStore) seed(messageID, query string, institutions ...string) {
	s.rooms["room-1"] = &models.ChatRoom{ID: "room-1", UserID: "user-1", Universities: institutions}
	s.profiles["user-1"] = &models.Profile{UserID: "user-1", Summary: "Second-year engineering student"}
	s.messages[messageID] = &models.ChatMessage{
		ID:         messageID,
		ChatroomID: "room-1",
		UserID:     "user-1",
		Query:      query,
		Status:     models.StatusPending,
		CreatedAt:  time.Now(),
	}
}

func (s *memStore) message(id string) models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}

func (s *memStore) GetMessage(_ context.Context, id string) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) GetChatRoom(_ context.Context, id string) (*models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return r, nil
}

func (s *memStore) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return p, nil
}

func (s *memStore) ListCompletedTurns(_ context.Context, chatroomID string, _ time.Time, limit int) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[chatroomID]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (s *memStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return sqlite.ErrNotFound
	}
	m.Status = models.StatusProcessing
	m.Content = nil
	m.Error = ""
	return nil
}

func (s *memStore) CompleteMessage(_ context.Context, id string, content *models.MessageContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return sqlite.ErrNotFound
	}
	m.Status = models.StatusCompleted
	m.Content = content
	return nil
}

func (s *memStore) FailMessage(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return sqlite.ErrNotFound
	}
	if m.Status != models.StatusCompleted {
		m.Status = models.StatusFailed
		m.Error = reason
	}
	return nil
}

// fakeCorpus returns fixed passages per category, ignoring the filter the
// way a drifting backend would.
type fakeCorpus struct {
	mu       sync.Mutex
	passages map[entity.Category][]zilliz.Passage
	errs     map[entity.Category]error
	requests []zilliz.SearchRequest
}

func (f *fakeCorpus) Search(_ context.Context, req zilliz.SearchRequest) ([]zilliz.Passage, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := f.errs[req.Category]; err != nil {
		return nil, err
	}
	return f.passages[req.Category], nil
}

func (f *fakeCorpus) request(c entity.Category) (zilliz.SearchRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.Category == c {
			return r, true
		}
	}
	return zilliz.SearchRequest{}, false
}

type fakeScope struct {
	allowed map[string]bool
	err     error
}

func (f *fakeScope) FilterByScope(_ context.Context, refs []entity.Ref, _ []string) ([]entity.Ref, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []entity.Ref
	for _, r := range refs {
		if f.allowed[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeKnowledge struct {
	passages map[string][]zilliz.KnowledgePassage
	queried  []string
	mu       sync.Mutex
}

func (f *fakeKnowledge) SearchKnowledge(_ context.Context, collection, _ string, _ int, _ float32) ([]zilliz.KnowledgePassage, error) {
	f.mu.Lock()
	f.queried = append(f.queried, collection)
	f.mu.Unlock()
	return f.passages[collection], nil
}

type fakeWeb struct {
	results     []web.SearchResult
	err         error
	calls       int
	institution string
}

func (f *fakeWeb) Search(_ context.Context, _ string, institution string) ([]web.SearchResult, error) {
	f.calls++
	f.institution = institution
	return f.results, f.err
}

type fakeQuota struct {
	counts map[string]int64
	err    error
}

func (f *fakeQuota) IncrementQuota(_ context.Context, userID string, _ time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[userID]++
	return f.counts[userID], nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) steps() []Step {
	var out []Step
	for _, ev := range r.ofType(EventProgress) {
		out = append(out, ev.Step)
	}
	return out
}

func newPool(t *testing.T) *ants.Pool {
	t.Helper()
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return pool
}

func ref(t entity.Type, id string) entity.Ref {
	return entity.Ref{Type: t, ID: id}
}

func passage(r entity.Ref, score float32) zilliz.Passage {
	return zilliz.Passage{Locator: "chunk-" + r.ID, Text: "about " + r.ID, Ref: r, Score: score}
}
