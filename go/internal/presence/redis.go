package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisConfig tunes the Redis registry.
type RedisConfig struct {
	Prefix string
	// TTL is how long an entry survives without a refresh. Entries of a
	// crashed process disappear after at most TTL.
	TTL time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix: "redwood:presence:",
		TTL:    30 * time.Second,
	}
}

// RedisRegistry shares group membership between processes. Each group is a
// sorted set of "<instance>|<participant>" members scored by their expiry in
// unix milliseconds. Run refreshes the entries owned by this process; only
// unexpired entries count as connected.
type RedisRegistry struct {
	client     redis.UniversalClient
	config     RedisConfig
	instanceID string
	clock      clockwork.Clock

	mu    sync.Mutex
	local map[localEntry]struct{}
}

type localEntry struct {
	groupID       string
	participantID string
}

func NewRedisRegistry(client redis.UniversalClient, instanceID string, clock clockwork.Clock, config RedisConfig) *RedisRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisRegistry{
		client:     client,
		config:     config,
		instanceID: instanceID,
		clock:      clock,
		local:      make(map[localEntry]struct{}),
	}
}

func (r *RedisRegistry) key(groupID string) string {
	return r.config.Prefix + groupID
}

func (r *RedisRegistry) member(participantID string) string {
	return r.instanceID + "|" + participantID
}

// participantOf strips the instance id. Instance ids never contain '|'.
func participantOf(member string) string {
	_, participantID, ok := strings.Cut(member, "|")
	if !ok {
		return member
	}
	return participantID
}

func (r *RedisRegistry) expiry() float64 {
	return float64(r.clock.Now().Add(r.config.TTL).UnixMilli())
}

// live drops expired entries and returns the participants still connected
// through any process.
func (r *RedisRegistry) live(ctx context.Context, groupID string) (map[string]struct{}, error) {
	key := r.key(groupID)
	now := strconv.FormatInt(r.clock.Now().UnixMilli(), 10)

	var members *redis.StringSliceCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+now)
		members = pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: now, Max: "+inf"})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(members.Val()))
	for _, m := range members.Val() {
		out[participantOf(m)] = struct{}{}
	}
	return out, nil
}

func (r *RedisRegistry) add(ctx context.Context, pipe redis.Pipeliner, e localEntry) {
	key := r.key(e.groupID)
	pipe.ZAdd(ctx, key, redis.Z{Score: r.expiry(), Member: r.member(e.participantID)})
	// The whole set goes away once every process stopped refreshing it.
	pipe.PExpire(ctx, key, 2*r.config.TTL)
}

func (r *RedisRegistry) Connect(ctx context.Context, groupID, participantID string) (bool, error) {
	live, err := r.live(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("presence connect: %w", err)
	}
	_, had := live[participantID]

	e := localEntry{groupID, participantID}
	if _, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		r.add(ctx, pipe, e)
		return nil
	}); err != nil {
		return false, fmt.Errorf("presence connect: %w", err)
	}

	r.mu.Lock()
	r.local[e] = struct{}{}
	r.mu.Unlock()
	return !had, nil
}

// Disconnect removes this process's entry. It reports true only when the
// participant is no longer connected through any process.
func (r *RedisRegistry) Disconnect(ctx context.Context, groupID, participantID string) (bool, error) {
	r.mu.Lock()
	delete(r.local, localEntry{groupID, participantID})
	r.mu.Unlock()

	removed, err := r.client.ZRem(ctx, r.key(groupID), r.member(participantID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence disconnect: %w", err)
	}
	if removed == 0 {
		return false, nil
	}
	live, err := r.live(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("presence disconnect: %w", err)
	}
	_, still := live[participantID]
	return !still, nil
}

func (r *RedisRegistry) IsQuorumMet(ctx context.Context, groupID string, expected []string) (bool, error) {
	live, err := r.live(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("presence quorum: %w", err)
	}
	for _, p := range expected {
		if _, ok := live[p]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (r *RedisRegistry) Connected(ctx context.Context, groupID string) ([]string, error) {
	live, err := r.live(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	out := make([]string, 0, len(live))
	for p := range live {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Run refreshes this process's entries every TTL/3 until ctx is done.
func (r *RedisRegistry) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.config.TTL / 3)
	defer ticker.Stop()

	log.Info().Str("instance", r.instanceID).Dur("ttl", r.config.TTL).Msg("presence heartbeat started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := r.refresh(ctx); err != nil {
				log.Error().Err(err).Msg("failed to refresh presence")
			}
		}
	}
}

func (r *RedisRegistry) refresh(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]localEntry, 0, len(r.local))
	for e := range r.local {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			r.add(ctx, pipe, e)
		}
		return nil
	})
	return err
}
