package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicechat-io/voiced/internal/config"
	"github.com/voicechat-io/voiced/internal/engine/ollama"
	"github.com/voicechat-io/voiced/internal/engine/piper"
	"github.com/voicechat-io/voiced/internal/engine/whisper"
)

// Builders construct the underlying engine clients. They exist so tests can
// substitute fakes; production code uses the defaults derived from config.
type Builders struct {
	Transcriber func() (Transcriber, error)
	Generator   func() (Generator, error)
	Synthesizer func() (Synthesizer, error)
	Embedder    func() (Embedder, error)
}

// Gateway is the uniform entry point for all model invocations. It owns
// lazy, process-wide engine instances, applies per-capability deadlines and
// maps failures onto the gateway error taxonomy. Invocations block the
// calling goroutine only; the gateway holds no locks while an engine runs.
type Gateway struct {
	cfg config.EngineConfig

	transcriber *lazyResource[Transcriber]
	generator   *lazyResource[Generator]
	synthesizer *lazyResource[Synthesizer]
	embedder    *lazyResource[Embedder]
}

// New creates a gateway backed by the HTTP engine adapters.
func New(cfg config.EngineConfig) *Gateway {
	return NewWithBuilders(cfg, Builders{
		Transcriber: func() (Transcriber, error) {
			return whisper.New(cfg.STTEndpoint), nil
		},
		Generator: func() (Generator, error) {
			return ollama.New(cfg.LLMEndpoint, cfg.LLMModel), nil
		},
		Synthesizer: func() (Synthesizer, error) {
			return piper.New(cfg.TTSEndpoint), nil
		},
		Embedder: func() (Embedder, error) {
			return ollama.NewEmbedder(cfg.LLMEndpoint, cfg.EmbedModel), nil
		},
	})
}

// NewWithBuilders creates a gateway with custom engine constructors.
func NewWithBuilders(cfg config.EngineConfig, b Builders) *Gateway {
	return &Gateway{
		cfg:         cfg,
		transcriber: newLazyResource(b.Transcriber),
		generator:   newLazyResource(b.Generator),
		synthesizer: newLazyResource(b.Synthesizer),
		embedder:    newLazyResource(b.Embedder),
	}
}

// Transcribe converts audio bytes into text.
func (g *Gateway) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if !g.cfg.STTEnabled {
		return "", disabled(CapabilityTranscribe)
	}
	engine, err := g.transcriber.get()
	if err != nil {
		return "", unavailable(CapabilityTranscribe, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.TranscribeTimeout)
	defer cancel()

	start := time.Now()
	text, err := engine.Transcribe(ctx, audio)
	if err != nil {
		return "", &InvocationError{Capability: CapabilityTranscribe, Err: err}
	}
	slog.Debug("Transcription complete", "duration", time.Since(start), "chars", len(text))
	return text, nil
}

// Generate produces a text reply for a prompt.
func (g *Gateway) Generate(ctx context.Context, prompt string) (string, error) {
	if !g.cfg.LLMEnabled {
		return "", disabled(CapabilityGenerate)
	}
	engine, err := g.generator.get()
	if err != nil {
		return "", unavailable(CapabilityGenerate, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.GenerateTimeout)
	defer cancel()

	start := time.Now()
	reply, err := engine.Generate(ctx, prompt)
	if err != nil {
		return "", &InvocationError{Capability: CapabilityGenerate, Err: err}
	}
	slog.Debug("Generation complete", "duration", time.Since(start), "chars", len(reply))
	return reply, nil
}

// Synthesize converts text into audio bytes.
func (g *Gateway) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if !g.cfg.TTSEnabled {
		return nil, disabled(CapabilitySynthesize)
	}
	engine, err := g.synthesizer.get()
	if err != nil {
		return nil, unavailable(CapabilitySynthesize, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.SynthesizeTimeout)
	defer cancel()

	start := time.Now()
	audio, err := engine.Synthesize(ctx, text)
	if err != nil {
		return nil, &InvocationError{Capability: CapabilitySynthesize, Err: err}
	}
	slog.Debug("Synthesis complete", "duration", time.Since(start), "bytes", len(audio))
	return audio, nil
}

// Embed converts text into an embedding vector.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if !g.cfg.EmbedEnabled {
		return nil, disabled(CapabilityEmbed)
	}
	engine, err := g.embedder.get()
	if err != nil {
		return nil, unavailable(CapabilityEmbed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.EmbedTimeout)
	defer cancel()

	vec, err := engine.Embed(ctx, text)
	if err != nil {
		return nil, &InvocationError{Capability: CapabilityEmbed, Err: err}
	}
	return vec, nil
}

func disabled(c Capability) error {
	return fmt.Errorf("%s: %w", c, ErrCapabilityDisabled)
}

func unavailable(c Capability, err error) error {
	return fmt.Errorf("%s: %w", c, err)
}
