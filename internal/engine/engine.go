// Package engine provides a uniform gateway over the speech and language
// model engines. Each capability is an opaque request/response service that
// is lazily instantiated on first use and cached for the process lifetime.
package engine

import (
	"context"
)

// Transcriber converts audio bytes into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Generator produces a text reply for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Synthesizer converts text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Embedder converts text into an embedding vector for semantic recall.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
