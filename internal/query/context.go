package query

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/storage/models"
	"github.com/connect3/backend/internal/storage/sqlite"
	"github.com/connect3/backend/pkg/logger"
)

// QueryContext is everything the pipeline knows about one request. It is
// built once and read-only afterwards.
type QueryContext struct {
	MessageID    string
	ChatroomID   string
	UserID       string
	Query        string
	Profile      string
	History      []models.Turn
	Institutions []string
}

// PriorRefs returns every entity cited in the history, most recent turn first.
func (qc *QueryContext) PriorRefs() *entity.RefSet {
	set := entity.NewRefSet()
	for i := len(qc.History) - 1; i >= 0; i-- {
		for _, r := range entity.Parse(qc.History[i].Answer).Entities {
			set.Add(r)
		}
	}
	return set
}

// ContextLoader assembles a QueryContext from the datastore.
type ContextLoader struct {
	store        Datastore
	historyTurns int
}

func NewContextLoader(store Datastore, historyTurns int) *ContextLoader {
	return &ContextLoader{store: store, historyTurns: historyTurns}
}

// Load fails with ErrContextNotFound when the message, its conversation or
// the user's profile is missing.
func (l *ContextLoader) Load(ctx context.Context, msg *models.ChatMessage) (*QueryContext, error) {
	room, err := l.store.GetChatRoom(ctx, msg.ChatroomID)
	if err != nil {
		return nil, contextError("chatroom", msg.ChatroomID, err)
	}

	profile, err := l.store.GetProfile(ctx, msg.UserID)
	if err != nil {
		return nil, contextError("profile", msg.UserID, err)
	}

	var history []models.Turn
	if l.historyTurns > 0 {
		history, err = l.store.ListCompletedTurns(ctx, room.ID, msg.CreatedAt, l.historyTurns)
		if err != nil {
			return nil, newError(KindContext, "Could not load this conversation.", fmt.Errorf("failed to load history: %w", err))
		}
	}

	qc := &QueryContext{
		MessageID:    msg.ID,
		ChatroomID:   room.ID,
		UserID:       msg.UserID,
		Query:        msg.Query,
		Profile:      profile.Summary,
		History:      history,
		Institutions: room.Universities,
	}

	logger.Debug("Query context loaded",
		zap.String("message_id", msg.ID),
		zap.Int("history_turns", len(history)),
		zap.Strings("institutions", room.Universities),
	)

	return qc, nil
}

func contextError(what, id string, err error) error {
	if errors.Is(err, sqlite.ErrNotFound) {
		return newError(KindContext, "This conversation could not be found.",
			fmt.Errorf("%w: %s %s", ErrContextNotFound, what, id))
	}
	return newError(KindContext, "Could not load this conversation.", fmt.Errorf("failed to load %s: %w", what, err))
}
