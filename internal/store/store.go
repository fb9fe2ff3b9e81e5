// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/voicechat-io/voiced/internal/domain"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrUserNotFound is returned when a user id does not exist.
var ErrUserNotFound = errors.New("user not found")

// SessionStats aggregates per-session counters for the stats endpoint.
type SessionStats struct {
	SessionID    string        `json:"session_id"`
	MessageCount int           `json:"message_count"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	Duration     time.Duration `json:"duration_ms"`
}

// UserStats aggregates per-user counters for the stats endpoint.
type UserStats struct {
	UserID         string     `json:"user_id"`
	CreatedAt      time.Time  `json:"created_at"`
	SessionCount   int        `json:"session_count"`
	ActiveSessions int        `json:"active_session_count"`
	TotalMessages  int        `json:"total_messages"`
	LatestActivity *time.Time `json:"latest_activity,omitempty"`
}

// Repository defines the interface for persisting users, sessions and
// messages.
type Repository interface {
	// EnsureUser creates the user record if it does not exist and bumps
	// last_active_at if it does.
	EnsureUser(ctx context.Context, userID string) error

	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns ErrSessionNotFound if
	// the id is unknown.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// EndSession sets ended_at for a session. A session that is already
	// ended keeps its original end time.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// DeleteSession removes a session and all of its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns all sessions owned by a user, newest first.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// SessionStats returns aggregate counters for a session.
	SessionStats(ctx context.Context, sessionID string) (*SessionStats, error)

	// UserStats returns aggregate counters across all of a user's sessions.
	// Returns ErrUserNotFound if the id is unknown.
	UserStats(ctx context.Context, userID string) (*UserStats, error)

	// InsertMessage durably records a message and increments the owning
	// session's turn counter for user messages.
	InsertMessage(ctx context.Context, msg *domain.Message) error

	// RecentMessages returns the last limit messages of a session in
	// chronological order.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)

	// MessagesBySession returns the full message history of a session in
	// chronological order.
	MessagesBySession(ctx context.Context, sessionID string) ([]*domain.Message, error)

	// SetMessageVector records the semantic-index entry id for a message.
	SetMessageVector(ctx context.Context, messageID, vectorID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
