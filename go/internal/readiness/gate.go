package readiness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/redwood/go/internal/lock"
	"github.com/mcdev12/redwood/go/internal/metrics"
	"github.com/mcdev12/redwood/go/internal/models"
	"github.com/mcdev12/redwood/go/internal/presence"
)

// Repository persists the per-group ready flag.
type Repository interface {
	// GetReadiness returns a record with Ran=false for unknown groups.
	GetReadiness(ctx context.Context, groupID string) (models.ReadinessRecord, error)
	// MarkReady sets Ran=true. It must not reset the timestamp of a group that
	// already ran.
	MarkReady(ctx context.Context, groupID string, at time.Time) error
}

// Gate fires a group's ready callback exactly once, the first time all
// expected participants are connected.
type Gate struct {
	repo     Repository
	locker   lock.Locker
	registry presence.Registry
	clock    clockwork.Clock
	metrics  metrics.Collector

	// fired remembers groups whose callback ran in this process even if the
	// flag could not be persisted.
	mu    sync.Mutex
	fired map[string]struct{}
}

func NewGate(repo Repository, locker lock.Locker, registry presence.Registry, clock clockwork.Clock, mc metrics.Collector) *Gate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if mc == nil {
		mc = metrics.NoOpCollector{}
	}
	return &Gate{
		repo:     repo,
		locker:   locker,
		registry: registry,
		clock:    clock,
		metrics:  mc,
		fired:    make(map[string]struct{}),
	}
}

func lockKey(groupID string) string {
	return "ready:" + groupID
}

// Check evaluates the gate for groupID and runs onReady if this call performs
// the not-ready to ready transition. The record read, quorum test, callback and
// flag write all happen inside the group's critical section.
//
// If onReady fails the flag is left unset and the error is returned, so the
// next qualifying connect retries. If the flag cannot be stored after the
// callback ran, fired is true and the error is returned.
func (g *Gate) Check(ctx context.Context, groupID string, expected []string, onReady func(context.Context) error) (bool, error) {
	if len(expected) == 0 {
		return false, nil
	}

	unlock, err := g.locker.Lock(ctx, lockKey(groupID))
	if err != nil {
		return false, fmt.Errorf("lock group %s: %w", groupID, err)
	}
	defer unlock()

	if g.firedLocally(groupID) {
		return false, nil
	}

	rec, err := g.repo.GetReadiness(ctx, groupID)
	if err != nil {
		return false, models.NewStorageError("get readiness", err)
	}
	if rec.Ran {
		return false, nil
	}

	met, err := g.registry.IsQuorumMet(ctx, groupID, expected)
	if err != nil {
		return false, fmt.Errorf("evaluate quorum: %w", err)
	}
	if !met {
		g.metrics.RecordReadiness(false)
		return false, nil
	}

	if err := metrics.Track(g.metrics, "when_all_players_ready", func() error {
		return onReady(ctx)
	}); err != nil {
		log.Error().Err(err).Str("group_id", groupID).Msg("ready callback failed")
		return false, fmt.Errorf("ready callback for group %s: %w", groupID, err)
	}

	g.mu.Lock()
	g.fired[groupID] = struct{}{}
	g.mu.Unlock()
	g.metrics.RecordReadiness(true)

	if err := g.repo.MarkReady(ctx, groupID, g.clock.Now().UTC()); err != nil {
		log.Error().Err(err).Str("group_id", groupID).Msg("failed to persist ready flag")
		return true, models.NewStorageError("mark ready", err)
	}

	log.Info().Str("group_id", groupID).Int("participants", len(expected)).Msg("group ready")
	return true, nil
}

// HasRun reports whether the group has been marked ready.
func (g *Gate) HasRun(ctx context.Context, groupID string) (bool, error) {
	if g.firedLocally(groupID) {
		return true, nil
	}
	rec, err := g.repo.GetReadiness(ctx, groupID)
	if err != nil {
		return false, models.NewStorageError("get readiness", err)
	}
	return rec.Ran, nil
}

func (g *Gate) firedLocally(groupID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.fired[groupID]
	return ok
}
