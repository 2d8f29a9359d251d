package stream

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/atlastree/explorer/backend/internal/config"
	"github.com/atlastree/explorer/backend/internal/service/relay"
	"github.com/atlastree/explorer/backend/pkg/utils"
)

// Handler exposes the SSE endpoint that a client attaches to after posting a
// message. It is the single subscriber of the relay's event channel.
type Handler struct {
	relay *relay.Relay
	cfg   config.ChatConfig
}

// New creates the stream handler.
func New(rly *relay.Relay, cfg config.ChatConfig) *Handler {
	return &Handler{relay: rly, cfg: cfg}
}

// RegisterRoutes mounts the streaming route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/stream/{sessionID}", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)

	sessionID := chi.URLParam(r, "sessionID")

	if !h.cfg.Enabled {
		utils.SendSSEChunk(w, flusher, relay.Event{Type: relay.EventError, Error: "chat service is disabled"})
		return
	}
	if !h.relay.Available() {
		utils.SendSSEChunk(w, flusher, relay.Event{Type: relay.EventError, Error: "chat backend unavailable"})
		return
	}

	handle, ok := h.relay.Subscribe(sessionID)
	if !ok {
		utils.SendSSEChunk(w, flusher, relay.Event{Type: relay.EventError, Error: "no pending response for this session"})
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			// Client hung up: propagate cancellation down to the upstream
			// completion call.
			handle.Cancel()
			log.Debug().Str("session_id", sessionID).Msg("sse client disconnected")
			return
		case ev, open := <-handle.Events():
			if !open {
				return
			}
			utils.SendSSEChunk(w, flusher, ev)
		}
	}
}
