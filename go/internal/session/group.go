package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/redwood/go/internal/emitter"
	"github.com/mcdev12/redwood/go/internal/hub"
	"github.com/mcdev12/redwood/go/internal/metrics"
	"github.com/mcdev12/redwood/go/internal/models"
)

// Timer kinds used by a group.
const (
	KindPeriod    = "period"
	KindSubperiod = "subperiod"
	KindRateLimit = "ratelimit"
)

// Group is the per-group façade combining presence, readiness, timers,
// decision aggregation and broadcast.
type Group struct {
	id   string
	app  string
	caps Capabilities
	deps *Deps

	periodEnded func(groupID string)

	handles []hub.Handle

	// mu guards the period state and the decision aggregate.
	mu             sync.Mutex
	started        bool
	ended          bool
	decisions      map[string]json.RawMessage
	applied        map[string]decisionMark
	dirty          bool
	subperiodsSent int
}

// GroupStats is the debug view of a group.
type GroupStats struct {
	GroupID     string                     `json:"group_id"`
	App         string                     `json:"app"`
	Started     bool                       `json:"started"`
	Ended       bool                       `json:"ended"`
	Ready       bool                       `json:"ready"`
	Connected   []string                   `json:"connected"`
	Subscribers int                        `json:"subscribers"`
	Decisions   map[string]json.RawMessage `json:"decisions,omitempty"`
}

func newGroup(id, app string, caps Capabilities, deps *Deps, periodEnded func(string)) *Group {
	return &Group{id: id, app: app, caps: caps, deps: deps, periodEnded: periodEnded}
}

func (g *Group) ID() string                  { return g.id }
func (g *Group) App() string                 { return g.app }
func (g *Group) PeriodLength() time.Duration { return g.caps.PeriodLength }
func (g *Group) NumSubperiods() int          { return g.caps.NumSubperiods }
func (g *Group) RateLimit() time.Duration    { return g.caps.RateLimit }

// Started reports whether the period began in this process.
func (g *Group) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// Ended reports whether the period is over.
func (g *Group) Ended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ended
}

// Decisions returns a copy of the current aggregate.
func (g *Group) Decisions() map[string]json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]json.RawMessage, len(g.decisions))
	for p, v := range g.decisions {
		out[p] = v
	}
	return out
}

func (g *Group) subscribe() error {
	for channel, handler := range g.caps.hubHandlers(g) {
		handle, err := g.deps.Hub.Subscribe(g.id, channel, handler)
		if err != nil {
			return err
		}
		g.handles = append(g.handles, handle)
	}
	return nil
}

func (g *Group) close() {
	for _, handle := range g.handles {
		g.deps.Hub.Unsubscribe(handle)
	}
	g.handles = nil
	g.deps.Emitters.StopGroup(g.id)
}

// OnConnect records the participant and, the first time the whole roster is
// connected, starts the period.
func (g *Group) OnConnect(ctx context.Context, participantID string) error {
	added, err := g.deps.Registry.Connect(ctx, g.id, participantID)
	if err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	log.Debug().
		Str("group_id", g.id).
		Str("participant_id", participantID).
		Bool("new", added).
		Msg("participant connected")

	expected, err := g.deps.Roster.Participants(ctx, g.id)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	_, err = g.deps.Gate.Check(ctx, g.id, expected, func(ctx context.Context) error {
		return g.startPeriod(ctx, expected)
	})
	return err
}

// OnDisconnect removes the participant and runs the disconnect callback.
// Disconnecting an absent participant does nothing.
func (g *Group) OnDisconnect(ctx context.Context, participantID string) error {
	removed, err := g.deps.Registry.Disconnect(ctx, g.id, participantID)
	if err != nil {
		return fmt.Errorf("unregister connection: %w", err)
	}
	if !removed {
		return nil
	}
	log.Debug().Str("group_id", g.id).Str("participant_id", participantID).Msg("participant disconnected")

	if g.caps.WhenPlayerDisconnects == nil {
		return nil
	}
	return metrics.Track(g.deps.Metrics, "when_player_disconnects", func() error {
		if err := g.caps.WhenPlayerDisconnects(ctx, g, participantID); err != nil {
			return fmt.Errorf("disconnect callback for %s: %w", participantID, err)
		}
		return nil
	})
}

// OnMessage routes a client frame through the hub.
func (g *Group) OnMessage(ctx context.Context, participantID string, msg models.Message, reply func([]byte) bool) error {
	return g.deps.Hub.OnClientMessage(ctx, g.id, participantID, msg, reply)
}

// Send publishes a server message to every participant of the group.
func (g *Group) Send(ctx context.Context, channel string, payload any) error {
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return err
	}
	_, err = g.deps.Hub.Publish(ctx, g.id, channel, raw)
	return err
}

// startPeriod runs inside the readiness gate's critical section.
func (g *Group) startPeriod(ctx context.Context, expected []string) error {
	if g.caps.WhenAllPlayersReady != nil {
		if err := g.caps.WhenAllPlayersReady(ctx, g); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.caps.Aggregating() {
		seeded := make(map[string]json.RawMessage, len(expected))
		for _, p := range expected {
			v, err := g.caps.InitialDecision(p)
			if err != nil {
				return fmt.Errorf("initial decision for %s: %w", p, err)
			}
			if v, err = models.ValidatePayload(v); err != nil {
				return fmt.Errorf("initial decision for %s: %w", p, err)
			}
			seeded[p] = v
		}
		g.decisions = seeded
		g.applied = make(map[string]decisionMark, len(expected))
		g.subperiodsSent = 0
		if err := g.broadcastDecisions(ctx); err != nil {
			return err
		}
	}

	if err := g.Send(ctx, models.ChannelState, models.StatePeriodStart); err != nil {
		return err
	}
	if err := g.startTimers(); err != nil {
		return err
	}
	g.started = true

	log.Info().Str("group_id", g.id).Dur("period_length", g.caps.PeriodLength).Msg("period started")
	return nil
}

// startTimers is called with g.mu held.
func (g *Group) startTimers() error {
	if g.caps.PeriodLength <= 0 {
		return nil
	}

	em := g.deps.Emitters
	var cadence *emitter.Key
	switch {
	case g.caps.NumSubperiods > 0:
		key := emitter.Key{GroupID: g.id, Kind: KindSubperiod}
		interval := g.caps.PeriodLength / time.Duration(g.caps.NumSubperiods)
		if err := em.Start(key, interval, g.caps.PeriodLength, g.onSubperiod); err != nil {
			return err
		}
		cadence = &key
	case g.caps.RateLimit > 0:
		key := emitter.Key{GroupID: g.id, Kind: KindRateLimit}
		if err := em.Start(key, g.caps.RateLimit, g.caps.PeriodLength, g.onRateLimit); err != nil {
			return err
		}
		cadence = &key
	}

	if err := em.After(emitter.Key{GroupID: g.id, Kind: KindPeriod}, g.caps.PeriodLength, g.endPeriod); err != nil {
		if cadence != nil {
			em.Stop(*cadence)
		}
		return err
	}
	return nil
}

func (g *Group) endPeriod(ctx context.Context) {
	g.mu.Lock()
	if g.ended {
		g.mu.Unlock()
		return
	}
	g.ended = true
	g.deps.Emitters.Stop(emitter.Key{GroupID: g.id, Kind: KindSubperiod})
	g.deps.Emitters.Stop(emitter.Key{GroupID: g.id, Kind: KindRateLimit})

	// Flush what the cadence emitter had not sent when the period ran out.
	switch {
	case g.caps.NumSubperiods > 0 && g.subperiodsSent < g.caps.NumSubperiods:
		g.emitSubperiod(ctx, g.caps.NumSubperiods-1)
	case g.caps.RateLimit > 0 && g.dirty:
		if err := g.broadcastDecisions(ctx); err != nil {
			log.Error().Err(err).Str("group_id", g.id).Msg("failed to flush decisions at period end")
		}
	}
	g.mu.Unlock()

	if err := g.Send(ctx, models.ChannelState, models.StatePeriodEnd); err != nil {
		log.Error().Err(err).Str("group_id", g.id).Msg("failed to publish period end")
	} else {
		log.Info().Str("group_id", g.id).Msg("period ended")
	}
	if g.periodEnded != nil {
		g.periodEnded(g.id)
	}
}

// Stats reports the group's current state.
func (g *Group) Stats(ctx context.Context) (GroupStats, error) {
	connected, err := g.deps.Registry.Connected(ctx, g.id)
	if err != nil {
		return GroupStats{}, err
	}
	ready, err := g.deps.Gate.HasRun(ctx, g.id)
	if err != nil {
		return GroupStats{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	s := GroupStats{
		GroupID:     g.id,
		App:         g.app,
		Started:     g.started,
		Ended:       g.ended,
		Ready:       ready,
		Connected:   connected,
		Subscribers: g.deps.Hub.SubscriberCount(g.id),
	}
	if len(g.decisions) > 0 {
		s.Decisions = make(map[string]json.RawMessage, len(g.decisions))
		for p, v := range g.decisions {
			s.Decisions[p] = v
		}
	}
	return s, nil
}
