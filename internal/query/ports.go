package query

import (
	"context"
	"time"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/llm"
	"github.com/connect3/backend/internal/search/web"
	"github.com/connect3/backend/internal/storage/models"
	"github.com/connect3/backend/internal/vector/zilliz"
)

// Datastore is the persistence the pipeline reads from and writes to.
type Datastore interface {
	GetMessage(ctx context.Context, id string) (*models.ChatMessage, error)
	GetChatRoom(ctx context.Context, id string) (*models.ChatRoom, error)
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	ListCompletedTurns(ctx context.Context, chatroomID string, before time.Time, limit int) ([]models.Turn, error)
	MarkProcessing(ctx context.Context, id string) error
	CompleteMessage(ctx context.Context, id string, content *models.MessageContent) error
	FailMessage(ctx context.Context, id string, reason string) error
}

// Completer is the completion provider.
type Completer interface {
	CompleteJSON(ctx context.Context, req llm.StructuredRequest, out any) error
	Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamDelta, error)
}

// Corpus searches one entity category.
type Corpus interface {
	Search(ctx context.Context, req zilliz.SearchRequest) ([]zilliz.Passage, error)
}

// KnowledgeBase searches an institution knowledge collection.
type KnowledgeBase interface {
	SearchKnowledge(ctx context.Context, collection, query string, topK int, minScore float32) ([]zilliz.KnowledgePassage, error)
}

type WebSearcher interface {
	Search(ctx context.Context, query, institution string) ([]web.SearchResult, error)
}

// ScopeResolver keeps the refs affiliated with any of the institutions.
type ScopeResolver interface {
	FilterByScope(ctx context.Context, refs []entity.Ref, institutions []string) ([]entity.Ref, error)
}

// QuotaCounter counts runs per user per day.
type QuotaCounter interface {
	IncrementQuota(ctx context.Context, userID string, day time.Time) (int64, error)
}
