package pipeline

import (
	"time"
)

// State names a position in the turn state machine.
type State string

const (
	StateIdle              State = "idle"
	StateTranscribing      State = "transcribing"
	StateAssemblingContext State = "assembling_context"
	StateGenerating        State = "generating"
	StateSynthesizing      State = "synthesizing"
	StateDelivering        State = "delivering"
	StateFailed            State = "failed"
)

// Outcome tags a turn result.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// Degradation labels attached to a turn delivered with reduced service.
const (
	// DegradedSynthesis marks a successful turn delivered without audio.
	DegradedSynthesis = "synthesis"

	// DegradedPersistence marks a turn whose messages could not be stored
	// synchronously.
	DegradedPersistence = "persistence"
)

// Request is the ephemeral unit of work for one turn. It exists only for
// the duration of one pipeline execution and is never persisted.
type Request struct {
	SessionID   string
	UserID      string
	Audio       []byte
	SubmittedAt time.Time

	// Checkpoint is consulted between stages. A non-nil return aborts the
	// turn with that cause at the next stage boundary; in-flight engine
	// invocations are never interrupted.
	Checkpoint func() error
}

// Result is the tagged outcome of one turn. Exactly one of the three
// outcome shapes is populated:
//
//   - Success: UserText, ReplyText, optionally ReplyAudio, Latency, Degraded
//   - Rejected: Reason (informational, the session remains usable)
//   - Failed: Stage and Err
type Result struct {
	Outcome    Outcome
	UserText   string
	ReplyText  string
	ReplyAudio []byte
	Latency    time.Duration
	Reason     string
	Stage      State
	Err        error
	Degraded   []string
}

func rejected(reason string) Result {
	return Result{Outcome: OutcomeRejected, Reason: reason}
}

func failed(stage State, err error) Result {
	return Result{Outcome: OutcomeFailed, Stage: stage, Err: err}
}
