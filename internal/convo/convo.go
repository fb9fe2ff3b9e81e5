// Package convo holds the conversation context store: the short-term turn
// history of a session plus its interfaces to durable storage and semantic
// retrieval. Everything here degrades rather than fails; only the caller
// decides whether a turn can proceed.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voicechat-io/voiced/internal/config"
	"github.com/voicechat-io/voiced/internal/domain"
	"github.com/voicechat-io/voiced/internal/engine"
	"github.com/voicechat-io/voiced/internal/metrics"
	"github.com/voicechat-io/voiced/internal/recall"
	"github.com/voicechat-io/voiced/internal/store"
)

// Degradation labels reported on turn results when a collaborator is down.
const (
	DegradedHistory     = "history"
	DegradedRecall      = "recall"
	DegradedPersistence = "persistence"
)

// Store mediates between the pipeline and the durable/semantic backends.
type Store struct {
	repo     store.Repository
	index    recall.Index
	embedder engine.Embedder
	cfg      config.PipelineConfig
	metrics  *metrics.Metrics

	// background tracks async persistence retries and embedding writes so
	// Close can drain them.
	background sync.WaitGroup
}

// New creates a context store. index may be a disabled index, embedder may
// be nil when embeddings are unavailable (both degrade recall only), and
// metrics may be nil.
func New(repo store.Repository, index recall.Index, embedder engine.Embedder, cfg config.PipelineConfig, m *metrics.Metrics) *Store {
	return &Store{
		repo:     repo,
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		metrics:  m,
	}
}

// Append durably records a message. The synchronous insert is attempted
// once; on failure the append is retried asynchronously with backoff and the
// turn carries a persistence degradation flag instead of failing. Successful
// appends are indexed for semantic recall in the background, best effort.
func (s *Store) Append(ctx context.Context, msg *domain.Message) (degraded bool) {
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		slog.Warn("Message append failed, scheduling retries",
			"session_id", msg.SessionID, "role", msg.Role, "error", err)
		s.background.Add(1)
		go s.retryAppendChain(msg)
		return true
	}

	s.background.Add(1)
	go s.indexMessage(msg)
	return false
}

// AppendTurn durably records a completed turn's message pair. The assistant
// message is only ever persisted after its user message: when the user
// insert fails, both messages move to the background retry chain, and if the
// user message cannot be recovered the assistant message is dropped with it.
func (s *Store) AppendTurn(ctx context.Context, userMsg, assistantMsg *domain.Message) (degraded bool) {
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		slog.Warn("Turn append failed, scheduling retries",
			"session_id", userMsg.SessionID, "error", err)
		s.background.Add(1)
		go s.retryAppendChain(userMsg, assistantMsg)
		return true
	}

	s.background.Add(1)
	go s.indexMessage(userMsg)

	return s.Append(ctx, assistantMsg)
}

// retryAppendChain retries inserts in order. A message that cannot be
// recovered drops every message after it in the chain, so later messages
// never land without their predecessors.
func (s *Store) retryAppendChain(msgs ...*domain.Message) {
	defer s.background.Done()

	for i, msg := range msgs {
		if !s.retryInsert(msg) {
			for _, dropped := range msgs[i+1:] {
				slog.Error("Dropping message with unrecoverable predecessor",
					"session_id", dropped.SessionID, "message_id", dropped.MessageID)
			}
			return
		}
		s.background.Add(1)
		go s.indexMessage(msg)
	}
}

// retryInsert retries one insert with backoff. Only SQLite concurrency
// conflicts are retried; any other error is permanent.
func (s *Store) retryInsert(msg *domain.Message) bool {
	backoff := s.cfg.PersistBackoff
	for attempt := 1; attempt <= s.cfg.PersistRetries; attempt++ {
		time.Sleep(backoff)
		backoff *= 2
		if s.metrics != nil {
			s.metrics.PersistRetries.Inc()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.repo.InsertMessage(ctx, msg)
		cancel()
		if err == nil {
			slog.Info("Message append recovered",
				"session_id", msg.SessionID, "attempt", attempt)
			return true
		}
		if !store.IsSQLiteConflictError(err) {
			slog.Error("Message append failed permanently",
				"session_id", msg.SessionID, "message_id", msg.MessageID, "error", err)
			return false
		}
		slog.Warn("Message append retry failed",
			"session_id", msg.SessionID, "attempt", attempt, "error", err)
	}
	slog.Error("Message append retries exhausted",
		"session_id", msg.SessionID, "message_id", msg.MessageID)
	return false
}

// indexMessage embeds a persisted message and stores it in the semantic
// index. Failures are logged only.
func (s *Store) indexMessage(msg *domain.Message) {
	defer s.background.Done()

	if s.embedder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, msg.Content)
	if err != nil {
		slog.Debug("Skipping semantic indexing", "message_id", msg.MessageID, "error", err)
		return
	}

	vectorID := uuid.NewString()
	err = s.index.Store(ctx, &recall.Entry{
		VectorID:  vectorID,
		MessageID: msg.MessageID,
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Embedding: vec,
	})
	if err != nil {
		slog.Warn("Failed to index message embedding", "message_id", msg.MessageID, "error", err)
		return
	}

	if err := s.repo.SetMessageVector(ctx, msg.MessageID, vectorID); err != nil {
		slog.Warn("Failed to record vector id", "message_id", msg.MessageID, "error", err)
	}
}

// RecentHistory returns the last limit messages in chronological order.
func (s *Store) RecentHistory(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	return s.repo.RecentMessages(ctx, sessionID, limit)
}

// SemanticRecall returns up to k prior messages similar to the query text.
// Any failure degrades to no matches.
func (s *Store) SemanticRecall(ctx context.Context, userID, sessionID, query string, k int) []recall.Match {
	if s.embedder == nil || k <= 0 {
		return nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		slog.Debug("Semantic recall skipped, embedding failed", "session_id", sessionID, "error", err)
		return nil
	}

	matches, err := s.index.Search(ctx, recall.Query{
		UserID:      userID,
		SessionID:   sessionID,
		SessionOnly: true,
		Embedding:   vec,
		TopK:        k,
		MinScore:    s.cfg.RecallMinScore,
	})
	if err != nil {
		slog.Warn("Semantic recall failed", "session_id", sessionID, "error", err)
		return nil
	}
	return matches
}

// BuildPrompt assembles the generation prompt: recent history, then recalled
// older turns, then the user utterance last. Store failures degrade the
// context (recent-only, then utterance-only) and are reported as
// degradation labels, never as errors.
func (s *Store) BuildPrompt(ctx context.Context, sessionID, userID, utterance string) (string, []string) {
	var sections []string
	var degradations []string

	history, err := s.RecentHistory(ctx, sessionID, s.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("Recent history unavailable", "session_id", sessionID, "error", err)
		degradations = append(degradations, DegradedHistory)
	} else if len(history) > 0 {
		var lines []string
		for _, msg := range history {
			lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
		}
		sections = append(sections, "### Recent conversation:\n"+strings.Join(lines, "\n"))
	}

	matches := s.SemanticRecall(ctx, userID, sessionID, utterance, s.cfg.RecallTopK)
	if len(matches) > 0 {
		var lines []string
		for _, m := range matches {
			lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
		}
		sections = append(sections, "### Related earlier messages:\n"+strings.Join(lines, "\n"))
	}

	var b strings.Builder
	if len(sections) > 0 {
		b.WriteString("### Previous conversation:\n")
		b.WriteString(strings.Join(sections, "\n\n"))
		b.WriteString("\n\n")
	}
	b.WriteString("### User question:\n")
	b.WriteString(utterance)
	b.WriteString("\n\n### Answer:")

	return b.String(), degradations
}

// Close drains background persistence and indexing work.
func (s *Store) Close() {
	s.background.Wait()
}
