package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/redwood/go/internal/emitter"
	"github.com/mcdev12/redwood/go/internal/models"
	"github.com/mcdev12/redwood/go/internal/session"
)

// WebSocketHandler handles WebSocket upgrade requests for group connections
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	sessions          *session.Manager
	emitters          *emitter.Manager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, sessions *session.Manager, emitters *emitter.Manager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		sessions:          sessions,
		emitters:          emitters,
	}
}

// HandleGroupConnection handles WebSocket connections for a participant of a
// group.
func (h *WebSocketHandler) HandleGroupConnection(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	group := chi.URLParam(r, "group")
	participantID := chi.URLParam(r, "participant")

	err := h.connectionManager.UpgradeConnection(w, r, app, group, participantID)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrUnknownApp), errors.Is(err, models.ErrUnknownGroup), errors.Is(err, ErrNotParticipant):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.Error().
			Err(err).
			Str("app", app).
			Str("group", group).
			Str("participant_id", participantID).
			Msg("failed to open WebSocket connection")
		http.Error(w, "failed to open connection", http.StatusInternalServerError)
	}
}

type debugStats struct {
	Connections map[string]interface{} `json:"connections"`
	Groups      []session.GroupStats   `json:"groups"`
	Timers      []emitter.Status       `json:"timers"`
}

// HandleDebugStats reports connections, group state and running timers.
func (h *WebSocketHandler) HandleDebugStats(w http.ResponseWriter, r *http.Request) {
	groups, err := h.sessions.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to collect group stats")
		http.Error(w, "failed to collect stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(debugStats{
		Connections: h.connectionManager.GetConnectionStats(),
		Groups:      groups,
		Timers:      h.emitters.Stats(),
	}); err != nil {
		log.Error().Err(err).Msg("failed to write stats")
	}
}

// RegisterRoutes registers WebSocket routes with a chi router
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/redwood/app/{app}/group/{group}/participant/{participant}", h.HandleGroupConnection)
	r.Get("/redwood/debug", h.HandleDebugStats)
}
