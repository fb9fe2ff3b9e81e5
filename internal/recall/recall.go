// Package recall provides the semantic-retrieval index for conversation
// messages. Entries are message embeddings; searches return prior messages
// ranked by similarity to a query vector.
package recall

import (
	"context"
)

// Entry is one indexed message embedding.
type Entry struct {
	VectorID  string
	MessageID string
	SessionID string
	UserID    string
	Role      string
	Content   string
	Embedding []float32
}

// Match is one search result with its similarity score in [0, 1].
type Match struct {
	MessageID string
	Role      string
	Content   string
	Score     float64
}

// Query scopes a similarity search. When SessionOnly is set only messages of
// the given session are considered, otherwise all of the user's messages.
type Query struct {
	UserID      string
	SessionID   string
	SessionOnly bool
	Embedding   []float32
	TopK        int
	MinScore    float64
}

// Index stores and searches message embeddings.
type Index interface {
	// Store indexes one message embedding.
	Store(ctx context.Context, entry *Entry) error

	// Search returns up to TopK matches ordered by descending similarity,
	// filtered to MinScore.
	Search(ctx context.Context, q Query) ([]Match, error)

	// Close releases index resources.
	Close()
}

// disabledIndex satisfies Index when no vector store is configured. Stores
// are dropped and searches return nothing; callers degrade to
// recent-history-only context.
type disabledIndex struct{}

// NewDisabled returns a no-op index.
func NewDisabled() Index {
	return disabledIndex{}
}

func (disabledIndex) Store(context.Context, *Entry) error            { return nil }
func (disabledIndex) Search(context.Context, Query) ([]Match, error) { return nil, nil }
func (disabledIndex) Close()                                         {}
