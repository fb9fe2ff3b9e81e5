// Package pipeline drives one conversational turn through its stages:
// transcription, context assembly, generation, synthesis and delivery. Each
// turn is strictly sequential; turns of different sessions run concurrently
// on independent goroutines.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/voicechat-io/voiced/internal/domain"
	"github.com/voicechat-io/voiced/internal/engine"
	"github.com/voicechat-io/voiced/internal/metrics"
)

// ModelGateway is the slice of the engine gateway the pipeline invokes.
type ModelGateway interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
	Generate(ctx context.Context, prompt string) (string, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ContextStore is the slice of the conversation store the pipeline uses.
type ContextStore interface {
	BuildPrompt(ctx context.Context, sessionID, userID, utterance string) (prompt string, degraded []string)
	AppendTurn(ctx context.Context, userMsg, assistantMsg *domain.Message) (degraded bool)
}

// Pipeline executes turns. It owns no per-session state; the session manager
// holds the turn-lock and calls Run on a dedicated goroutine per turn.
type Pipeline struct {
	gateway ModelGateway
	store   ContextStore
	metrics *metrics.Metrics
	observe func(sessionID string, state State)
}

// New creates a pipeline. metrics and observe may be nil.
func New(gateway ModelGateway, store ContextStore, m *metrics.Metrics, observe func(string, State)) *Pipeline {
	if observe == nil {
		observe = func(string, State) {}
	}
	return &Pipeline{gateway: gateway, store: store, metrics: m, observe: observe}
}

// Run executes one turn to completion and returns its result. Run never
// panics across its boundary and always returns; releasing the session's
// turn-lock is the caller's responsibility.
func (p *Pipeline) Run(ctx context.Context, req Request) Result {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.TurnsStarted.Inc()
	}

	result := p.run(ctx, req, start)
	result.Latency = time.Since(start)

	switch result.Outcome {
	case OutcomeSuccess:
		p.observe(req.SessionID, StateIdle)
		if p.metrics != nil {
			p.metrics.TurnsSucceeded.Inc()
		}
	case OutcomeRejected:
		p.observe(req.SessionID, StateIdle)
		if p.metrics != nil {
			p.metrics.TurnsRejected.Inc()
		}
	case OutcomeFailed:
		p.observe(req.SessionID, StateFailed)
		if p.metrics != nil {
			p.metrics.TurnsFailed.WithLabelValues(string(result.Stage)).Inc()
		}
		slog.Warn("Turn failed",
			"session_id", req.SessionID, "stage", result.Stage, "error", result.Err)
	}
	return result
}

func (p *Pipeline) run(ctx context.Context, req Request, start time.Time) Result {
	// Transcribing
	p.observe(req.SessionID, StateTranscribing)
	userText, err := timed(p, StateTranscribing, func() (string, error) {
		return p.gateway.Transcribe(ctx, req.Audio)
	})
	if err != nil {
		return failed(StateTranscribing, err)
	}
	userText = strings.TrimSpace(userText)
	if userText == "" {
		// Not an error: nothing downstream is invoked, nothing persisted.
		return rejected("no speech recognized")
	}
	if res := checkpoint(req, StateTranscribing); res.Outcome == OutcomeFailed {
		return res
	}

	// AssemblingContext
	p.observe(req.SessionID, StateAssemblingContext)
	prompt, degraded := p.store.BuildPrompt(ctx, req.SessionID, req.UserID, userText)
	if res := checkpoint(req, StateAssemblingContext); res.Outcome == OutcomeFailed {
		return res
	}

	// Generating
	p.observe(req.SessionID, StateGenerating)
	replyText, err := timed(p, StateGenerating, func() (string, error) {
		return p.gateway.Generate(ctx, prompt)
	})
	if err != nil {
		return failed(StateGenerating, err)
	}
	replyText = strings.TrimSpace(replyText)
	if replyText == "" {
		return failed(StateGenerating, errors.New("generator returned an empty reply"))
	}
	if res := checkpoint(req, StateGenerating); res.Outcome == OutcomeFailed {
		return res
	}

	// Synthesizing. Synthesis is non-critical: any failure here downgrades
	// the turn to a text-only success instead of failing it.
	p.observe(req.SessionID, StateSynthesizing)
	replyAudio, err := timed(p, StateSynthesizing, func() ([]byte, error) {
		return p.gateway.Synthesize(ctx, replyText)
	})
	if err != nil {
		if !errors.Is(err, engine.ErrCapabilityDisabled) {
			slog.Warn("Synthesis unavailable, delivering text only",
				"session_id", req.SessionID, "error", err)
		}
		replyAudio = nil
		degraded = append(degraded, DegradedSynthesis)
	}
	if res := checkpoint(req, StateSynthesizing); res.Outcome == OutcomeFailed {
		return res
	}

	// Delivering: persist both turn messages. The user message precedes the
	// assistant message; persistence failures degrade, never block delivery.
	p.observe(req.SessionID, StateDelivering)
	now := time.Now()
	userMsg := &domain.Message{
		MessageID: uuid.NewString(),
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      domain.RoleUser,
		Content:   userText,
		CreatedAt: now,
	}
	assistantMsg := &domain.Message{
		MessageID:    uuid.NewString(),
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		Role:         domain.RoleAssistant,
		Content:      replyText,
		ProcessingMs: time.Since(start).Milliseconds(),
		// Strictly after the user message so history ordering is stable.
		CreatedAt: now.Add(time.Millisecond),
	}
	if p.store.AppendTurn(ctx, userMsg, assistantMsg) {
		degraded = append(degraded, DegradedPersistence)
	}

	return Result{
		Outcome:    OutcomeSuccess,
		UserText:   userText,
		ReplyText:  replyText,
		ReplyAudio: replyAudio,
		Degraded:   degraded,
	}
}

// checkpoint consults the request's abort signal between stages.
func checkpoint(req Request, stage State) Result {
	if req.Checkpoint == nil {
		return Result{}
	}
	if err := req.Checkpoint(); err != nil {
		return failed(stage, err)
	}
	return Result{}
}

// timed runs a stage invocation and records its duration.
func timed[T any](p *Pipeline, stage State, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	}
	return out, err
}
