// Package session manages live conversation sessions: the registry binding
// session ids to connections, the per-session turn-lock, and the WebSocket
// adapter that carries audio frames in and typed results out.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/voicechat-io/voiced/internal/domain"
	"github.com/voicechat-io/voiced/internal/metrics"
	"github.com/voicechat-io/voiced/internal/pipeline"
	"github.com/voicechat-io/voiced/internal/store"
)

// ErrSessionEnded is returned when an operation targets an ended session.
var ErrSessionEnded = errors.New("session ended")

// writeTimeout bounds a single outbound frame write. A stalled peer must not
// hold the turn-lock past this.
const writeTimeout = 10 * time.Second

// ErrSessionNotFound mirrors the store sentinel for callers of this package.
var ErrSessionNotFound = store.ErrSessionNotFound

// TurnRunner executes one turn. Implemented by pipeline.Pipeline.
type TurnRunner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

// liveSession is the in-memory state of one session. All mutation goes
// through Manager methods; the turn-lock serializes pipeline executions.
type liveSession struct {
	sessionID string
	userID    string

	// turnMu is the single-flight lock, held from Transcribing through
	// Delivering.
	turnMu sync.Mutex

	mu    sync.Mutex
	conn  *websocket.Conn
	ended bool
	state pipeline.State
}

func (ls *liveSession) currentConn() *websocket.Conn {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.conn
}

func (ls *liveSession) isEnded() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.ended
}

// Manager owns the registry of live sessions. It is the single writer for
// session state; connections and the pipeline interact with sessions only
// through it.
type Manager struct {
	repo    store.Repository
	metrics *metrics.Metrics

	mu     sync.RWMutex
	live   map[string]*liveSession
	runner TurnRunner
}

// NewManager creates a session manager. The turn runner is attached
// separately via SetRunner because the pipeline's state observer points back
// at the manager.
func NewManager(repo store.Repository, m *metrics.Metrics) *Manager {
	return &Manager{
		repo:    repo,
		metrics: m,
		live:    make(map[string]*liveSession),
	}
}

// SetRunner attaches the turn pipeline.
func (m *Manager) SetRunner(runner TurnRunner) {
	m.runner = runner
}

// ObserveState records pipeline state transitions for a session. Passed to
// pipeline.New as the state observer.
func (m *Manager) ObserveState(sessionID string, state pipeline.State) {
	m.mu.RLock()
	ls := m.live[sessionID]
	m.mu.RUnlock()
	if ls == nil {
		return
	}
	ls.mu.Lock()
	ls.state = state
	ls.mu.Unlock()
}

// State returns the current pipeline state of a session.
func (m *Manager) State(sessionID string) pipeline.State {
	m.mu.RLock()
	ls := m.live[sessionID]
	m.mu.RUnlock()
	if ls == nil {
		return pipeline.StateIdle
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.state == "" {
		return pipeline.StateIdle
	}
	return ls.state
}

// OpenSession creates a new session for a user, creating the user record if
// needed. A fresh collision-resistant id is generated on every call; when
// userID is empty a new user is created too. Returns the session and user
// ids.
func (m *Manager) OpenSession(ctx context.Context, userID string) (string, string, error) {
	if userID == "" {
		userID = uuid.NewString()
	}
	if err := m.repo.EnsureUser(ctx, userID); err != nil {
		return "", "", fmt.Errorf("ensure user: %w", err)
	}

	sess := &domain.Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		StartedAt: time.Now(),
	}
	if err := m.repo.CreateSession(ctx, sess); err != nil {
		return "", "", fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	m.live[sess.SessionID] = &liveSession{sessionID: sess.SessionID, userID: userID}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsOpened.Inc()
	}
	slog.Info("Session opened", "session_id", sess.SessionID, "user_id", userID)
	return sess.SessionID, userID, nil
}

// lookup returns the live session, reviving it from the repository when the
// process has restarted since the session was opened.
func (m *Manager) lookup(ctx context.Context, sessionID string) (*liveSession, error) {
	m.mu.RLock()
	ls := m.live[sessionID]
	m.mu.RUnlock()
	if ls != nil {
		return ls, nil
	}

	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Ended() {
		return nil, ErrSessionEnded
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.live[sessionID]; existing != nil {
		return existing, nil
	}
	ls = &liveSession{sessionID: sessionID, userID: sess.UserID}
	m.live[sessionID] = ls
	return ls, nil
}

// BindConnection associates a live connection with an existing, non-ended
// session. Rebinding displaces the previous connection: it is closed and its
// pending deliveries are dropped.
func (m *Manager) BindConnection(ctx context.Context, sessionID string, conn *websocket.Conn) error {
	ls, err := m.lookup(ctx, sessionID)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	if ls.ended {
		ls.mu.Unlock()
		return ErrSessionEnded
	}
	previous := ls.conn
	ls.conn = conn
	ls.mu.Unlock()

	if previous != nil && previous != conn {
		_ = previous.Close(websocket.StatusNormalClosure, "session replaced")
	}
	if previous == nil && m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}

	slog.Info("Connection bound", "session_id", sessionID, "user_id", ls.userID, "replaced", previous != nil)
	return nil
}

// OnInboundFrame routes an audio payload into the session's pipeline as one
// turn. If the turn-lock is busy the frame is rejected immediately.
func (m *Manager) OnInboundFrame(ctx context.Context, sessionID string, audio []byte) error {
	ls, err := m.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if ls.isEnded() {
		return ErrSessionEnded
	}

	if !ls.turnMu.TryLock() {
		if m.metrics != nil {
			m.metrics.TurnsRejected.Inc()
		}
		m.deliver(ls, infoMessage("turn already in progress"))
		return nil
	}

	req := pipeline.Request{
		SessionID:   sessionID,
		UserID:      ls.userID,
		Audio:       audio,
		SubmittedAt: time.Now(),
		Checkpoint: func() error {
			if ls.isEnded() {
				return ErrSessionEnded
			}
			return nil
		},
	}

	// Each turn runs on its own goroutine so a slow stage never blocks
	// frame dispatch for other sessions. The turn deliberately does not
	// inherit the connection's context: losing the connection must not
	// abort an in-flight invocation.
	go func() {
		defer ls.turnMu.Unlock()
		result := m.runner.Run(context.Background(), req)
		m.deliverResult(ls, result)
	}()
	return nil
}

// deliverResult maps a pipeline result onto exactly one wire message.
func (m *Manager) deliverResult(ls *liveSession, result pipeline.Result) {
	switch result.Outcome {
	case pipeline.OutcomeSuccess:
		m.deliver(ls, responseMessage(result))
		if len(result.Degraded) > 0 {
			slog.Info("Turn completed degraded",
				"session_id", ls.sessionID, "degraded", result.Degraded, "latency", result.Latency)
		}
	case pipeline.OutcomeRejected:
		m.deliver(ls, infoMessage(result.Reason))
	case pipeline.OutcomeFailed:
		if errors.Is(result.Err, ErrSessionEnded) {
			// The session ended mid-turn; the result is discarded.
			slog.Info("Turn aborted after session end",
				"session_id", ls.sessionID, "stage", result.Stage)
			return
		}
		m.deliver(ls, errorMessage(fmt.Sprintf("turn failed at %s stage", result.Stage)))
	}
}

// deliver writes one message to the session's bound connection, dropping it
// silently if the session is unbound.
func (m *Manager) deliver(ls *liveSession, msg outboundMessage) {
	conn := ls.currentConn()
	if conn == nil {
		slog.Debug("Dropping delivery for unbound session", "session_id", ls.sessionID)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode outbound message", "session_id", ls.sessionID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "session_id", ls.sessionID, "error", err)
	}
}

// EndSession marks a session ended, persists the end time and detaches the
// connection. An in-flight turn observes the ended flag at its next stage
// boundary; it is not interrupted mid-invocation.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	ls, err := m.lookup(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionEnded) {
			return nil
		}
		return err
	}

	ls.mu.Lock()
	alreadyEnded := ls.ended
	ls.ended = true
	conn := ls.conn
	ls.conn = nil
	ls.mu.Unlock()

	if !alreadyEnded {
		if err := m.repo.EndSession(ctx, sessionID, time.Now()); err != nil {
			return fmt.Errorf("persist session end: %w", err)
		}
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
		if m.metrics != nil {
			m.metrics.ActiveSessions.Dec()
		}
	}

	// Drop the registry entry: ended sessions are only reachable through the
	// repository now. An in-flight turn still holds its liveSession pointer
	// and observes the ended flag at its next checkpoint.
	m.mu.Lock()
	delete(m.live, sessionID)
	m.mu.Unlock()

	slog.Info("Session ended", "session_id", sessionID)
	return nil
}

// OnDisconnect unbinds a lost connection. The session itself stays open and
// can be resumed by a later bind; only deliveries stop.
func (m *Manager) OnDisconnect(sessionID string, conn *websocket.Conn) {
	m.mu.RLock()
	ls := m.live[sessionID]
	m.mu.RUnlock()
	if ls == nil {
		return
	}

	ls.mu.Lock()
	unbound := ls.conn == conn
	if unbound {
		ls.conn = nil
	}
	ls.mu.Unlock()

	if unbound {
		if m.metrics != nil {
			m.metrics.ActiveSessions.Dec()
		}
		slog.Info("Connection unbound", "session_id", sessionID)
	}
}
