package query

import (
	"time"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/llm"
	"github.com/connect3/backend/internal/storage/models"
)

type EventType string

const (
	EventStatus    EventType = "status"
	EventProgress  EventType = "progress"
	EventResponse  EventType = "response"
	EventReasoning EventType = "reasoning"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
)

// Step names a progress marker.
type Step string

const (
	StepContext    Step = "context"
	StepReasoning  Step = "reasoning"
	StepRefining   Step = "refining"
	StepSearching  Step = "searching"
	StepGenerating Step = "generating"
)

// Event is one item on a run's stream. Seq is assigned by the progress log
// and is strictly increasing per message.
type Event struct {
	Seq       int64                  `json:"seq"`
	Type      EventType              `json:"type"`
	Status    models.MessageStatus   `json:"status,omitempty"`
	Step      Step                   `json:"step,omitempty"`
	Route     string                 `json:"route,omitempty"`
	Queries   []string               `json:"queries,omitempty"`
	Warnings  []string               `json:"warnings,omitempty"`
	Partial   *entity.Envelope       `json:"partial,omitempty"`
	Reasoning string                 `json:"reasoning,omitempty"`
	ToolCall  *llm.ToolCall          `json:"toolCall,omitempty"`
	Content   *models.MessageContent `json:"content,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Retriable bool                   `json:"retriable,omitempty"`
	Time      time.Time              `json:"ts"`
}

func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Emitter receives events in order. It must not block for long.
type Emitter func(Event)

func progress(step Step) Event {
	return Event{Type: EventProgress, Step: step, Time: time.Now()}
}

func CompleteEvent(content *models.MessageContent) Event {
	return Event{Type: EventComplete, Status: models.StatusCompleted, Content: content, Time: time.Now()}
}

func ErrorEvent(err error) Event {
	return Event{
		Type:      EventError,
		Status:    models.StatusFailed,
		Error:     Reason(err),
		Retriable: IsRetriable(err),
		Time:      time.Now(),
	}
}
