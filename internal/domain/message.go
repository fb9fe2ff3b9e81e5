package domain

import (
	"time"
)

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one utterance in a conversation. Messages are written once and
// never mutated; they are removed only when their session is deleted.
type Message struct {
	MessageID    string    `json:"message_id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	VectorID     string    `json:"vector_id,omitempty"`
	ProcessingMs int64     `json:"processing_time_ms,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
