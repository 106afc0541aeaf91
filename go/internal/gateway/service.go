package gateway

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/redwood/go/internal/emitter"
	"github.com/mcdev12/redwood/go/internal/hub"
	"github.com/mcdev12/redwood/go/internal/metrics"
	"github.com/mcdev12/redwood/go/internal/session"
)

// Service is the gateway that handles participant WebSocket connections
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
}

// Deps are the components the gateway routes connections into.
type Deps struct {
	Sessions *session.Manager
	Hub      *hub.Hub
	Roster   session.Roster
	Emitters *emitter.Manager
	Metrics  metrics.Collector
}

// NewService creates a new gateway service
func NewService(config ConnectionConfig, deps Deps) *Service {
	cm := NewConnectionManager(config, deps.Sessions, deps.Hub, deps.Roster, deps.Metrics)
	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm, deps.Sessions, deps.Emitters),
	}
}

// Start runs the gateway until ctx is cancelled, then closes every
// connection.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting gateway service")
	s.connectionManager.Start(ctx)
	log.Info().Msg("gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket HTTP routes
func (s *Service) RegisterRoutes(r chi.Router) {
	s.wsHandler.RegisterRoutes(r)
	log.Info().Msg("gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "redwood_gateway"
	stats["status"] = "running"
	return stats
}
