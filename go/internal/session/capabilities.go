package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/redwood/go/internal/hub"
	"github.com/mcdev12/redwood/go/internal/models"
)

// Capabilities configures the behavior of every group of an app. Zero values
// disable the corresponding feature.
type Capabilities struct {
	// PeriodLength schedules period_end this long after the group is ready.
	PeriodLength time.Duration
	// NumSubperiods splits the period into equal ticks that each broadcast
	// the decision snapshot.
	NumSubperiods int
	// RateLimit coalesces decision broadcasts to at most one per interval.
	RateLimit time.Duration
	// InitialDecision enables decision aggregation and seeds each
	// participant's value when the group becomes ready.
	InitialDecision func(participantID string) (json.RawMessage, error)

	WhenAllPlayersReady   func(ctx context.Context, g *Group) error
	WhenPlayerDisconnects func(ctx context.Context, g *Group, participantID string) error

	// Handlers receive client events on additional channels.
	Handlers map[string]func(ctx context.Context, g *Group, evt models.Event) error
}

// Aggregating reports whether decision aggregation is enabled.
func (c Capabilities) Aggregating() bool {
	return c.InitialDecision != nil
}

// Validate rejects inconsistent settings.
func (c Capabilities) Validate() error {
	if c.PeriodLength < 0 || c.NumSubperiods < 0 || c.RateLimit < 0 {
		return fmt.Errorf("%w: negative period_length, num_subperiods or rate_limit", models.ErrConfiguration)
	}
	if c.NumSubperiods > 0 && c.RateLimit > 0 {
		return models.ErrConflictingCadence
	}
	if c.NumSubperiods == 0 && c.RateLimit == 0 {
		return c.validateHandlers()
	}
	if c.PeriodLength == 0 {
		return fmt.Errorf("%w: num_subperiods and rate_limit require period_length", models.ErrConfiguration)
	}
	if !c.Aggregating() {
		return fmt.Errorf("%w: num_subperiods and rate_limit require an initial decision", models.ErrConfiguration)
	}
	if c.NumSubperiods > 0 && c.PeriodLength/time.Duration(c.NumSubperiods) <= 0 {
		return fmt.Errorf("%w: %d sub-periods do not fit in %s", models.ErrConfiguration, c.NumSubperiods, c.PeriodLength)
	}
	if c.RateLimit > c.PeriodLength {
		return fmt.Errorf("%w: rate_limit %s exceeds period_length %s", models.ErrConfiguration, c.RateLimit, c.PeriodLength)
	}
	return c.validateHandlers()
}

func (c Capabilities) validateHandlers() error {
	for channel := range c.Handlers {
		if channel == models.ChannelEcho || models.IsServerChannel(channel) {
			return fmt.Errorf("%w: channel %q is reserved", models.ErrConfiguration, channel)
		}
		if channel == models.ChannelDecisions && c.Aggregating() {
			return fmt.Errorf("%w: %s is used by decision aggregation", models.ErrHandlerExists, channel)
		}
	}
	return nil
}

// ConstantDecision returns an InitialDecision that seeds every participant
// with v.
func ConstantDecision(v any) (func(string) (json.RawMessage, error), error) {
	payload, err := models.EncodePayload(v)
	if err != nil {
		return nil, err
	}
	return func(string) (json.RawMessage, error) { return payload, nil }, nil
}

func (c Capabilities) hubHandlers(g *Group) map[string]hub.Handler {
	out := make(map[string]hub.Handler, len(c.Handlers)+1)
	for channel, fn := range c.Handlers {
		fn := fn
		out[channel] = func(ctx context.Context, evt models.Event) error {
			return fn(ctx, g, evt)
		}
	}
	if c.Aggregating() {
		out[models.ChannelDecisions] = g.onDecision
	}
	return out
}
