package domain

import (
	"time"
)

// Session represents one conversation session owned by a user. A session is
// bound to at most one live connection at a time and may outlive the
// connection: a dropped client can reconnect and resume until the session is
// explicitly ended.
type Session struct {
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	TurnCount int        `json:"turn_count"`
}

// Ended reports whether the session has been closed. Ended sessions are
// immutable: they accept no new connections and no new turns.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// Duration returns the session length. For live sessions it measures up to
// now.
func (s *Session) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}
