package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/redwood/go/internal/models"
)

type subperiodSnapshot struct {
	Subperiod int                        `json:"subperiod"`
	Decisions map[string]json.RawMessage `json:"decisions"`
}

// decisionMark orders decision events by log timestamp, then sequence.
type decisionMark struct {
	at  time.Time
	seq int64
}

func markOf(evt models.Event) decisionMark {
	return decisionMark{at: evt.Timestamp, seq: evt.Sequence}
}

func (m decisionMark) before(o decisionMark) bool {
	if !m.at.Equal(o.at) {
		return m.at.Before(o.at)
	}
	return m.seq < o.seq
}

// onDecision is the hub handler for the decisions channel. The event is
// already logged; this only maintains the aggregate. A decision older than the
one already applied for the same participant is ignored.
func (g *Group) onDecision(ctx context.Context, evt models.Event) error {
	if evt.ParticipantID == nil {
		return nil
	}
	participantID := *evt.ParticipantID

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		log.Warn().
			Str("group_id", g.id).
			Str("participant_id", participantID).
			Msg("decision received before period start, not aggregated")
		return nil
	}
	if g.ended {
		log.Debug().
			Str("group_id", g.id).
			Str("participant_id", participantID).
			Msg("decision received after period end, not aggregated")
		return nil
	}

	mark := markOf(evt)
	if last, ok := g.applied[participantID]; ok && mark.before(last) {
		log.Debug().
			Str("group_id", g.id).
			Str("participant_id", participantID).
			Int64("sequence", evt.Sequence).
			Msg("stale decision ignored")
		return nil
	}
	g.applied[participantID] = mark
	g.decisions[participantID] = evt.Payload
	g.dirty = true

	if g.caps.NumSubperiods > 0 || g.caps.RateLimit > 0 {
		return nil
	}
	return g.broadcastDecisions(ctx)
}

func (g *Group) onSubperiod(ctx context.Context, tick, _ int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ended || tick < g.subperiodsSent {
		return
	}
	g.emitSubperiod(ctx, tick)
}

func (g *Group) onRateLimit(ctx context.Context, _, _ int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ended || !g.dirty {
		return
	}
	if err := g.broadcastDecisions(ctx); err != nil {
		log.Error().Err(err).Str("group_id", g.id).Msg("failed to broadcast rate limited decisions")
	}
}

// emitSubperiod is called with g.mu held.
func (g *Group) emitSubperiod(ctx context.Context, tick int) {
	g.subperiodsSent = tick + 1
	if err := g.broadcastDecisions(ctx); err != nil {
		log.Error().Err(err).Str("group_id", g.id).Int("subperiod", tick+1).Msg("failed to broadcast sub-period decisions")
		return
	}

	payload, err := json.Marshal(subperiodSnapshot{Subperiod: tick + 1, Decisions: g.decisions})
	if err != nil {
		log.Error().Err(err).Str("group_id", g.id).Msg("failed to encode sub-period snapshot")
		return
	}
	if _, err := g.deps.Log.Append(ctx, g.id, models.ChannelSubperiod, nil, payload); err != nil {
		log.Error().Err(err).Str("group_id", g.id).Int("subperiod", tick+1).Msg("failed to log sub-period snapshot")
	}
}

// broadcastDecisions publishes the aggregate. Called with g.mu held.
func (g *Group) broadcastDecisions(ctx context.Context) error {
	payload, err := json.Marshal(g.decisions)
	if err != nil {
		return fmt.Errorf("encode decisions: %w", err)
	}
	if _, err := g.deps.Hub.Publish(ctx, g.id, models.ChannelGroupDecisions, payload); err != nil {
		return err
	}
	g.dirty = false
	return nil
}
