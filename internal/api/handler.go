// Package api provides HTTP handlers for the session lifecycle API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/voicechat-io/voiced/internal/engine"
	"github.com/voicechat-io/voiced/internal/session"
	"github.com/voicechat-io/voiced/internal/store"
)

// Synthesizer is the slice of the engine gateway the TTS endpoint invokes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Handler serves the REST session lifecycle and TTS endpoints.
type Handler struct {
	repo  store.Repository
	mgr   *session.Manager
	synth Synthesizer
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, mgr *session.Manager, synth Synthesizer) *Handler {
	return &Handler{repo: repo, mgr: mgr, synth: synth}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes mounts the session API on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/new", h.createSession)
		r.Get("/user/{userID}", h.listSessions)
		r.Get("/user/{userID}/stats", h.userStats)
		r.Get("/{sessionID}/messages", h.sessionMessages)
		r.Get("/{sessionID}/stats", h.sessionStats)
		r.Delete("/{sessionID}", h.endSession)
		r.Delete("/{sessionID}/purge", h.deleteSession)
	})
	r.Post("/api/tts/synthesize", h.synthesize)
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		// An empty body creates a fresh user as well as a session.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sessionID, userID, err := h.mgr.OpenSession(r.Context(), req.UserID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	JSON(w, http.StatusCreated, map[string]string{
		"user_id":    userID,
		"session_id": sessionID,
		"status":     "created",
	})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	sessions, err := h.repo.ListSessions(r.Context(), userID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *Handler) sessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.repo.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}
	messages, err := h.repo.MessagesBySession(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (h *Handler) userStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	stats, err := h.repo.UserStats(r.Context(), userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}

func (h *Handler) sessionStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	stats, err := h.repo.SessionStats(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.mgr.EndSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ended", "session_id": sessionID})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	// Ending first detaches any live connection; deletion then cascades to
	// the session's messages.
	if err := h.mgr.EndSession(r.Context(), sessionID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		writeStoreError(w, err)
		return
	}
	if err := h.repo.DeleteSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted", "session_id": sessionID})
}

type synthesizeRequest struct {
	Text string `json:"text"`
}

// synthesize converts text to speech outside of any conversation turn.
func (h *Handler) synthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		Error(w, http.StatusBadRequest, "text cannot be empty")
		return
	}

	audio, err := h.synth.Synthesize(r.Context(), text)
	if err != nil {
		if errors.Is(err, engine.ErrCapabilityDisabled) {
			Error(w, http.StatusServiceUnavailable, "synthesis is disabled")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to synthesize speech")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", "attachment; filename=speech.wav")
	_, _ = w.Write(audio)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrUserNotFound):
		Error(w, http.StatusNotFound, "user not found")
	case errors.Is(err, session.ErrSessionEnded):
		Error(w, http.StatusConflict, "session ended")
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
