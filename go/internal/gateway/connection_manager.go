package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mcdev12/redwood/go/internal/hub"
	"github.com/mcdev12/redwood/go/internal/metrics"
	"github.com/mcdev12/redwood/go/internal/models"
	"github.com/mcdev12/redwood/go/internal/session"
)

// ErrNotParticipant is returned when the participant is not on the group's
// roster.
var ErrNotParticipant = errors.New("participant not in group")

// ConnectionManager manages WebSocket connections for groups
type ConnectionManager struct {
	sessions *session.Manager
	hub      *hub.Hub
	roster   session.Roster
	metrics  metrics.Collector

	// Connection pools organized by group ID
	groupConnections map[string]map[*Connection]bool
	// Open sockets per participant; a participant may hold several tabs.
	participants map[participantKey]int
	mu           sync.Mutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	// Connection configuration
	config ConnectionConfig

	ctx    context.Context
	cancel context.CancelFunc
}

type participantKey struct {
	groupID       string
	participantID string
}

// Connection represents a WebSocket connection to a participant
type Connection struct {
	id            string
	participantID string
	group         *session.Group
	conn          *websocket.Conn
	send          chan []byte
	manager       *ConnectionManager
	limiter       *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	unregOnce sync.Once

	// Connection metadata
	connectedAt time.Time
	lastPong    atomic.Int64
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	// InboundRate limits client frames per second on each connection. Zero
	// disables the limit.
	InboundRate  float64
	InboundBurst int
	CheckOrigin  func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		InboundRate:     50,
		InboundBurst:    100,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, sessions *session.Manager, h *hub.Hub, roster session.Roster, mc metrics.Collector) *ConnectionManager {
	if mc == nil {
		mc = metrics.NoOpCollector{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		sessions:         sessions,
		hub:              h,
		roster:           roster,
		metrics:          mc,
		groupConnections: make(map[string]map[*Connection]bool),
		participants:     make(map[participantKey]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
	// Groups whose sockets all left mid-period are freed once it ends.
	sessions.OnPeriodEnd(func(groupID string) {
		if g, ok := cm.sessions.Lookup(groupID); ok {
			cm.releaseIfIdle(g)
		}
	})
	return cm
}

// Start blocks until ctx is done, then closes every connection.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	<-ctx.Done()
	log.Info().Msg("connection manager shutting down")
	cm.closeAll()
}

func (cm *ConnectionManager) closeAll() {
	cm.cancel()

	cm.mu.Lock()
	var all []*Connection
	for _, conns := range cm.groupConnections {
		for c := range conns {
			all = append(all, c)
		}
	}
	cm.mu.Unlock()

	for _, c := range all {
		c.closeWithStatus(websocket.CloseGoingAway, "server shutting down")
	}
}

// checkParticipant validates the request before the upgrade so failures can
// still be reported with an HTTP status.
func (cm *ConnectionManager) checkParticipant(ctx context.Context, app, group, participantID string) error {
	if !cm.sessions.HasApp(app) {
		return fmt.Errorf("%w: %s", models.ErrUnknownApp, app)
	}
	expected, err := cm.roster.Participants(ctx, session.GroupID(app, group))
	if err != nil {
		return err
	}
	if !slices.Contains(expected, participantID) {
		return fmt.Errorf("%w: %s", ErrNotParticipant, participantID)
	}
	return nil
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and joins the
// participant to the group.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, app, group, participantID string) error {
	if err := cm.checkParticipant(r.Context(), app, group, participantID); err != nil {
		return err
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied to the client.
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return nil
	}

	limit := rate.Inf
	if cm.config.InboundRate > 0 {
		limit = rate.Limit(cm.config.InboundRate)
	}
	ctx, cancel := context.WithCancel(cm.ctx)
	c := &Connection{
		id:            uuid.New().String(),
		participantID: participantID,
		conn:          conn,
		send:          make(chan []byte, cm.config.SendBufferSize),
		manager:       cm,
		limiter:       rate.NewLimiter(limit, cm.config.InboundBurst),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		connectedAt:   time.Now(),
	}
	c.lastPong.Store(c.connectedAt.UnixNano())

	if err := cm.registerConnection(c, app, group); err != nil {
		log.Error().Err(err).Str("participant_id", participantID).Msg("failed to register connection")
		c.closeWithStatus(websocket.CloseInternalServerErr, "group unavailable")
		cancel()
		return nil
	}

	if err := cm.hub.Attach(ctx, c.group.ID(), c); err != nil {
		log.Error().Err(err).Str("group_id", c.group.ID()).Msg("failed to attach connection")
		c.closeWithStatus(websocket.CloseInternalServerErr, "replay failed")
		cm.unregisterConnection(c)
		return nil
	}

	// The gate runs before the pumps start so the connection cannot be
	// unregistered while the group is becoming ready.
	if err := c.group.OnConnect(ctx, participantID); err != nil {
		log.Error().Err(err).
			Str("group_id", c.group.ID()).
			Str("participant_id", participantID).
			Msg("connect handling failed")
		c.closeWithStatus(websocket.CloseInternalServerErr, "connect failed")
		cm.unregisterConnection(c)
		return nil
	}

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.id).
		Str("participant_id", participantID).
		Str("group_id", c.group.ID()).
		Msg("WebSocket connection established")
	return nil
}

// registerConnection opens the group and adds the connection to it. Holding
// cm.mu across both keeps a concurrent release from dropping the group.
func (cm *ConnectionManager) registerConnection(c *Connection, app, group string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	g, err := cm.sessions.Open(app, group)
	if err != nil {
		return err
	}
	c.group = g

	if cm.groupConnections[g.ID()] == nil {
		cm.groupConnections[g.ID()] = make(map[*Connection]bool)
	}
	cm.groupConnections[g.ID()][c] = true
	cm.participants[participantKey{g.ID(), c.participantID}]++
	cm.metrics.RecordConnections(1)

	log.Debug().
		Str("connection_id", c.id).
		Str("group_id", g.ID()).
		Int("total_connections", len(cm.groupConnections[g.ID()])).
		Msg("connection registered")
	return nil
}

// unregisterConnection removes a connection. When it was the participant's
// last socket the group is told the participant left.
func (cm *ConnectionManager) unregisterConnection(c *Connection) {
	c.unregOnce.Do(func() {
		groupID := c.group.ID()
		key := participantKey{groupID, c.participantID}

		cm.mu.Lock()
		if conns, ok := cm.groupConnections[groupID]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(cm.groupConnections, groupID)
			}
		}
		cm.participants[key]--
		last := cm.participants[key] <= 0
		if last {
			delete(cm.participants, key)
		}
		cm.mu.Unlock()

		cm.hub.Detach(groupID, c)
		cm.metrics.RecordConnections(-1)
		c.close()

		if last {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), cm.config.WriteTimeout)
			if err := c.group.OnDisconnect(ctx, c.participantID); err != nil {
				log.Error().Err(err).
					Str("group_id", groupID).
					Str("participant_id", c.participantID).
					Msg("disconnect handling failed")
			}
			cancel()
		}
		cm.releaseIfIdle(c.group)

		log.Info().
			Str("connection_id", c.id).
			Str("participant_id", c.participantID).
			Str("group_id", groupID).
			Msg("connection unregistered")
	})
}

// releaseIfIdle frees a group with no sockets unless its period is still
// running.
func (cm *ConnectionManager) releaseIfIdle(g *session.Group) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if len(cm.groupConnections[g.ID()]) > 0 {
		return
	}
	if g.Started() && !g.Ended() {
		return
	}
	cm.sessions.Release(g.ID())
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	totalConnections := 0
	groupCounts := make(map[string]int)

	for groupID, connections := range cm.groupConnections {
		count := len(connections)
		totalConnections += count
		groupCounts[groupID] = count
	}

	return map[string]interface{}{
		"total_connections": totalConnections,
		"active_groups":     len(cm.groupConnections),
		"group_connections": groupCounts,
	}
}

func (c *Connection) ID() string            { return c.id }
func (c *Connection) ParticipantID() string { return c.participantID }

// Deliver queues a frame for the write pump. A full buffer means the client
// can't keep up and the connection is closed.
func (c *Connection) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		log.Warn().
			Str("connection_id", c.id).
			Str("participant_id", c.participantID).
			Msg("connection send buffer full, closing connection")
		c.close()
		return false
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Connection) closeWithStatus(code int, text string) {
	deadline := time.Now().Add(c.manager.config.WriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	c.close()
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer c.manager.unregisterConnection(c)

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		c.handleClientMessage(message)
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}

// handleClientMessage processes messages received from the client
func (c *Connection) handleClientMessage(message []byte) {
	var msg models.Message
	if err := json.Unmarshal(message, &msg); err != nil || msg.Channel == "" {
		log.Debug().
			Str("connection_id", c.id).
			Msg("ignoring malformed client message")
		return
	}

	if !c.limiter.Allow() {
		log.Warn().
			Str("connection_id", c.id).
			Str("participant_id", c.participantID).
			Str("channel", msg.Channel).
			Msg("client message rate limited")
		return
	}

	err := c.group.OnMessage(c.ctx, c.participantID, msg, c.Deliver)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrReservedChannel):
		log.Warn().
			Str("connection_id", c.id).
			Str("participant_id", c.participantID).
			Str("channel", msg.Channel).
			Msg("client message on server channel rejected")
	default:
		log.Error().
			Err(err).
			Str("connection_id", c.id).
			Str("group_id", c.group.ID()).
			Str("channel", msg.Channel).
			Msg("failed to handle client message")
	}
}
