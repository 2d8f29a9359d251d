package chat

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/atlastree/explorer/backend/internal/config"
	chatModel "github.com/atlastree/explorer/backend/internal/model/chat"
	"github.com/atlastree/explorer/backend/internal/service/relay"
	"github.com/atlastree/explorer/backend/internal/service/session"
	"github.com/atlastree/explorer/backend/pkg/utils"
)

// Handler serves the chat REST surface: message intake, history, status and
// explicit session reset. Streaming lives in the stream handler.
type Handler struct {
	store *session.Store
	relay *relay.Relay
	cfg   config.ChatConfig
}

// New creates the chat handler.
func New(store *session.Store, rly *relay.Relay, cfg config.ChatConfig) *Handler {
	return &Handler{store: store, relay: rly, cfg: cfg}
}

// RegisterRoutes mounts the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/message", h.handleSendMessage)
	r.Get("/chat/history/{sessionID}", h.handleHistory)
	r.Get("/chat/status", h.handleStatus)
	r.Delete("/chat/session/{sessionID}", h.handleResetSession)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Enabled {
		utils.RespondError(w, http.StatusServiceUnavailable, "chat service is disabled")
		return
	}

	var payload struct {
		Message   string                 `json:"message"`
		SessionID string                 `json:"session_id"`
		Context   *chatModel.PageContext `json:"context"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	message := strings.TrimSpace(payload.Message)
	if message == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}
	if utf8.RuneCountInString(message) > h.cfg.MaxMessageLength {
		utils.RespondError(w, http.StatusBadRequest, "message too long")
		return
	}

	if !h.relay.Available() {
		utils.RespondError(w, http.StatusServiceUnavailable, "chat backend unavailable")
		return
	}

	sess := h.store.GetOrCreate(strings.TrimSpace(payload.SessionID))

	if err := h.relay.Start(sess.ID, message, payload.Context); err != nil {
		if errors.Is(err, session.ErrGenerationInFlight) {
			utils.RespondError(w, http.StatusConflict, "a response is already being generated for this session")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "failed to start generation")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"session_id": sess.ID,
		"stream_url": "/api/chat/stream/" + sess.ID,
	})
}

type historyMessage struct {
	Role      chatModel.Role `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Enabled {
		utils.RespondError(w, http.StatusServiceUnavailable, "chat service is disabled")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")

	// An unknown or already-evicted session reads as brand new: empty history.
	messages, _ := h.store.History(sessionID)

	formatted := make([]historyMessage, 0, len(messages))
	for _, msg := range messages {
		formatted = append(formatted, historyMessage{
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: msg.CreatedAt,
		})
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": formatted})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"enabled":           h.cfg.Enabled,
		"backend_available": h.relay.Available(),
		"active_sessions":   h.store.Count(),
	})
}

func (h *Handler) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Enabled {
		utils.RespondError(w, http.StatusServiceUnavailable, "chat service is disabled")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")

	switch err := h.store.Reset(sessionID); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrGenerationInFlight):
		utils.RespondError(w, http.StatusConflict, "cannot reset while a response is being generated")
	default:
		utils.RespondError(w, http.StatusNotFound, "session not found")
	}
}
