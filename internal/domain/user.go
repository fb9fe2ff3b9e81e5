// Package domain contains core domain types for the voice chat backend.
package domain

import (
	"time"
)

// User represents a registered caller. Users are created implicitly the
// first time a session is opened for an unknown user id.
type User struct {
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}
