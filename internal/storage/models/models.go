package models

import "time"

type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// Terminal reports whether no further pipeline work happens for the status.
func (s MessageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type ChatRoom struct {
	ID           string
	UserID       string
	Title        string
	Universities []string
	CreatedAt    time.Time
}

type ChatMessage struct {
	ID         string
	ChatroomID string
	UserID     string
	Query      string
	Content    *MessageContent
	Status     MessageStatus
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type QuickLink struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	URL   string `json:"url,omitempty"`
	Label string `json:"label,omitempty"`
}

// MessageContent is the persisted final answer.
type MessageContent struct {
	Markdown   string      `json:"markdown"`
	QuickLinks []QuickLink `json:"quickLinks,omitempty"`
}

type Profile struct {
	UserID    string
	Name      string
	Summary   string
	UpdatedAt time.Time
}

// Turn is one completed exchange in a conversation.
type Turn struct {
	MessageID string
	Query     string
	Answer    string
	CreatedAt time.Time
}
