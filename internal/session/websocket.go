package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketHandler upgrades inbound connections and pumps frames between the
// client and the session manager.
type WebSocketHandler struct {
	mgr           *Manager
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(mgr *Manager, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		mgr:           mgr,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade. Clients identify
// the session with a session_id query parameter.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	slog.Info("WebSocket connection request", "session_id", sessionID, "ip", r.RemoteAddr)

	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx := r.Context()
	if err := h.mgr.BindConnection(ctx, sessionID, ws); err != nil {
		h.writeJSON(ws, errorMessage(bindErrorText(err)))
		return
	}
	defer h.mgr.OnDisconnect(sessionID, ws)

	h.writeJSON(ws, infoMessage("connected, start speaking"))
	h.readLoop(ctx, ws, sessionID)
	slog.Info("WebSocket connection closed", "session_id", sessionID)
}

func bindErrorText(err error) string {
	switch {
	case errors.Is(err, ErrSessionEnded):
		return "session ended"
	case errors.Is(err, ErrSessionNotFound):
		return "session not found"
	default:
		return "failed to bind session"
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeJSON(ws, errorMessage("invalid JSON frame"))
			continue
		}

		switch msg.Type {
		case msgTypeAudio:
			audio, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil || len(audio) == 0 {
				h.writeJSON(ws, errorMessage("invalid audio payload"))
				continue
			}
			if err := h.mgr.OnInboundFrame(ctx, sessionID, audio); err != nil {
				h.writeJSON(ws, errorMessage(bindErrorText(err)))
				if errors.Is(err, ErrSessionEnded) || errors.Is(err, ErrSessionNotFound) {
					return
				}
			}
		default:
			slog.Warn("Unknown WebSocket message type", "type", msg.Type, "session_id", sessionID)
			h.writeJSON(ws, errorMessage("unknown message type"))
		}
	}
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, msg outboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode message", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}
