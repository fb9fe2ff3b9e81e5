package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/voicechat-io/voiced/internal/domain"
	"github.com/voicechat-io/voiced/internal/pipeline"
	"github.com/voicechat-io/voiced/internal/store"
)

// fakeRepo is an in-memory Repository for manager tests.
type fakeRepo struct {
	mu       sync.Mutex
	users    map[string]bool
	sessions map[string]*domain.Session
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[string]bool),
		sessions: make(map[string]*domain.Session),
	}
}

func (r *fakeRepo) EnsureUser(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = true
	return nil
}

func (r *fakeRepo) CreateSession(_ context.Context, sess *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *sess
	r.sessions[sess.SessionID] = &copied
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	copied := *sess
	return &copied, nil
}

func (r *fakeRepo) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return store.ErrSessionNotFound
	}
	if sess.EndedAt == nil {
		sess.EndedAt = &endedAt
	}
	return nil
}

func (r *fakeRepo) DeleteSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}

func (r *fakeRepo) ListSessions(context.Context, string) ([]*domain.Session, error) {
	return nil, nil
}

func (r *fakeRepo) SessionStats(context.Context, string) (*store.SessionStats, error) {
	return nil, store.ErrSessionNotFound
}

func (r *fakeRepo) UserStats(context.Context, string) (*store.UserStats, error) {
	return nil, store.ErrUserNotFound
}

func (r *fakeRepo) InsertMessage(context.Context, *domain.Message) error { return nil }
func (r *fakeRepo) RecentMessages(context.Context, string, int) ([]*domain.Message, error) {
	return nil, nil
}
func (r *fakeRepo) MessagesBySession(context.Context, string) ([]*domain.Message, error) {
	return nil, nil
}
func (r *fakeRepo) SetMessageVector(context.Context, string, string) error { return nil }
func (r *fakeRepo) Ping(context.Context) error                             { return nil }
func (r *fakeRepo) Close() error                                           { return nil }

func (r *fakeRepo) session(t *testing.T, sessionID string) *domain.Session {
	t.Helper()
	sess, err := r.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	return sess
}

// fakeRunner blocks each turn until released and records checkpoint results.
type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	done    chan pipeline.Result
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		release: make(chan struct{}),
		done:    make(chan pipeline.Result, 4),
	}
}

func (r *fakeRunner) Run(_ context.Context, req pipeline.Request) pipeline.Result {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	<-r.release

	result := pipeline.Result{Outcome: pipeline.OutcomeSuccess, ReplyText: "ok"}
	if req.Checkpoint != nil {
		if err := req.Checkpoint(); err != nil {
			result = pipeline.Result{Outcome: pipeline.OutcomeFailed, Stage: pipeline.StateGenerating, Err: err}
		}
	}
	r.done <- result
	return result
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeRunner) wait(t *testing.T) pipeline.Result {
	t.Helper()
	select {
	case result := <-r.done:
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for turn completion")
		return pipeline.Result{}
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeRepo, *fakeRunner) {
	t.Helper()
	repo := newFakeRepo()
	runner := newFakeRunner()
	mgr := NewManager(repo, nil)
	mgr.SetRunner(runner)
	return mgr, repo, runner
}

func TestOpenSessionGeneratesIDs(t *testing.T) {
	mgr, repo, _ := newTestManager(t)

	sessionID, userID, err := mgr.OpenSession(context.Background(), "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if sessionID == "" || userID == "" {
		t.Fatalf("Expected generated ids, got session=%q user=%q", sessionID, userID)
	}

	sess := repo.session(t, sessionID)
	if sess.UserID != userID {
		t.Errorf("Expected session owned by %s, got %s", userID, sess.UserID)
	}
	if sess.Ended() {
		t.Error("Expected new session open")
	}
}

func TestOpenSessionKeepsExistingUser(t *testing.T) {
	mgr, repo, _ := newTestManager(t)

	first, userID, err := mgr.OpenSession(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	second, sameUser, err := mgr.OpenSession(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Second OpenSession failed: %v", err)
	}

	if first == second {
		t.Error("Expected distinct session ids")
	}
	if userID != "user-1" || sameUser != "user-1" {
		t.Errorf("Expected provided user id kept, got %q and %q", userID, sameUser)
	}
	if len(repo.users) != 1 {
		t.Errorf("Expected a single user record, got %d", len(repo.users))
	}
}

func TestSingleFlightRejectsConcurrentTurn(t *testing.T) {
	mgr, _, runner := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := mgr.OpenSession(ctx, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	if err := mgr.OnInboundFrame(ctx, sessionID, []byte("turn-1")); err != nil {
		t.Fatalf("First frame failed: %v", err)
	}
	// Wait for the turn goroutine to take the lock.
	deadline := time.Now().Add(time.Second)
	for runner.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Turn never started")
		}
		time.Sleep(time.Millisecond)
	}

	// A second frame while the turn is in flight is rejected, not queued.
	if err := mgr.OnInboundFrame(ctx, sessionID, []byte("turn-2")); err != nil {
		t.Fatalf("Second frame errored: %v", err)
	}
	if runner.callCount() != 1 {
		t.Fatalf("Expected a single turn in flight, got %d", runner.callCount())
	}

	close(runner.release)
	result := runner.wait(t)
	if result.Outcome != pipeline.OutcomeSuccess {
		t.Errorf("Expected turn success, got %s", result.Outcome)
	}

	// The lock is released shortly after the result is delivered; the session
	// then accepts frames again.
	deadline = time.Now().Add(time.Second)
	for runner.callCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Turn-lock never released")
		}
		if err := mgr.OnInboundFrame(ctx, sessionID, []byte("turn-3")); err != nil {
			t.Fatalf("Frame after completed turn failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	runner.wait(t)
}

func TestEndSessionAbortsInFlightTurn(t *testing.T) {
	mgr, repo, runner := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := mgr.OpenSession(ctx, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if err := mgr.OnInboundFrame(ctx, sessionID, []byte("audio")); err != nil {
		t.Fatalf("Frame failed: %v", err)
	}

	if err := mgr.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if repo.session(t, sessionID).EndedAt == nil {
		t.Error("Expected end time persisted")
	}

	// The in-flight turn observes the ended flag at its next checkpoint.
	close(runner.release)
	result := runner.wait(t)
	if result.Outcome != pipeline.OutcomeFailed {
		t.Fatalf("Expected aborted turn, got %s", result.Outcome)
	}
	if !errors.Is(result.Err, ErrSessionEnded) {
		t.Errorf("Expected ErrSessionEnded cause, got %v", result.Err)
	}

	// New frames are refused outright.
	if err := mgr.OnInboundFrame(ctx, sessionID, []byte("more")); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Expected ErrSessionEnded for new frame, got %v", err)
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := mgr.OpenSession(ctx, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if err := mgr.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if err := mgr.EndSession(ctx, sessionID); err != nil {
		t.Errorf("Second EndSession failed: %v", err)
	}
}

func TestBindConnectionRejectsEndedSession(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := mgr.OpenSession(ctx, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if err := mgr.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	if err := mgr.BindConnection(ctx, sessionID, nil); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Expected ErrSessionEnded, got %v", err)
	}
}

func TestBindConnectionUnknownSession(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	err := mgr.BindConnection(context.Background(), "missing", nil)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestLookupRevivesPersistedSession(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()

	// Session persisted by a previous process lifetime.
	if err := repo.EnsureUser(ctx, "user-1"); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	err := repo.CreateSession(ctx, &domain.Session{
		SessionID: "sess-old",
		UserID:    "user-1",
		StartedAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	mgr := NewManager(repo, nil)
	mgr.SetRunner(newFakeRunner())

	if err := mgr.BindConnection(ctx, "sess-old", nil); err != nil {
		t.Fatalf("Expected persisted session revived, got %v", err)
	}
}

func TestOnDisconnectKeepsSessionOpen(t *testing.T) {
	mgr, repo, runner := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := mgr.OpenSession(ctx, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	mgr.OnDisconnect(sessionID, nil)

	if repo.session(t, sessionID).Ended() {
		t.Error("Expected session still open after disconnect")
	}
	// Frames are still accepted; delivery is simply dropped.
	if err := mgr.OnInboundFrame(ctx, sessionID, []byte("audio")); err != nil {
		t.Fatalf("Frame after disconnect failed: %v", err)
	}
	close(runner.release)
	runner.wait(t)
}

func TestEndSessionEvictsRegistryEntry(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := mgr.OpenSession(ctx, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if err := mgr.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	mgr.mu.RLock()
	_, live := mgr.live[sessionID]
	mgr.mu.RUnlock()
	if live {
		t.Error("Expected ended session removed from the registry")
	}

	// Lookups now go through the repository and see the persisted end.
	if err := mgr.OnInboundFrame(ctx, sessionID, []byte("audio")); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Expected ErrSessionEnded, got %v", err)
	}
}

func TestDeliverWritesFrameToBoundConnection(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := mgr.OpenSession(ctx, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	serverDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, acceptErr := websocket.Accept(w, r, nil)
		if acceptErr != nil {
			t.Errorf("Accept failed: %v", acceptErr)
			return
		}
		if bindErr := mgr.BindConnection(r.Context(), sessionID, c); bindErr != nil {
			t.Errorf("BindConnection failed: %v", bindErr)
		}
		<-serverDone
		_ = c.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(func() {
		close(serverDone)
		srv.Close()
	})

	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the server handler to bind.
	var ls *liveSession
	deadline := time.Now().Add(time.Second)
	for {
		mgr.mu.RLock()
		ls = mgr.live[sessionID]
		mgr.mu.RUnlock()
		if ls != nil && ls.currentConn() != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Connection never bound")
		}
		time.Sleep(time.Millisecond)
	}

	mgr.deliver(ls, infoMessage("ready"))

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var msg outboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Type != msgTypeInfo || msg.Message != "ready" {
		t.Errorf("Unexpected frame: %+v", msg)
	}
}

func TestObserveState(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := mgr.OpenSession(ctx, "")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	if got := mgr.State(sessionID); got != pipeline.StateIdle {
		t.Errorf("Expected idle before any turn, got %s", got)
	}

	mgr.ObserveState(sessionID, pipeline.StateGenerating)
	if got := mgr.State(sessionID); got != pipeline.StateGenerating {
		t.Errorf("Expected generating, got %s", got)
	}

	if got := mgr.State("missing"); got != pipeline.StateIdle {
		t.Errorf("Expected idle for unknown session, got %s", got)
	}
}
