package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/redwood/go/internal/config"
	"github.com/mcdev12/redwood/go/internal/dbconfig"
	"github.com/mcdev12/redwood/go/internal/emitter"
	"github.com/mcdev12/redwood/go/internal/eventlog"
	"github.com/mcdev12/redwood/go/internal/gateway"
	"github.com/mcdev12/redwood/go/internal/health"
	"github.com/mcdev12/redwood/go/internal/hub"
	"github.com/mcdev12/redwood/go/internal/lock"
	"github.com/mcdev12/redwood/go/internal/metrics"
	"github.com/mcdev12/redwood/go/internal/presence"
	"github.com/mcdev12/redwood/go/internal/readiness"
	"github.com/mcdev12/redwood/go/internal/relay"
	"github.com/mcdev12/redwood/go/internal/session"
	"github.com/mcdev12/redwood/go/internal/storage/memory"
	"github.com/mcdev12/redwood/go/internal/storage/postgres"
	"github.com/mcdev12/redwood/go/internal/storage/sqlite"
)

// store persists both the event log and readiness records.
type store interface {
	eventlog.Repository
	readiness.Repository
}

type Services struct {
	Sessions *session.Manager
	Hub      *hub.Hub
	Emitters *emitter.Manager
	Gateway  *gateway.Service
	Relay    *relay.Relay
	Presence *presence.RedisRegistry
	Health   *health.Handler

	closers []io.Closer
}

// Close releases sessions, timers and backend connections in reverse order
// of creation.
func (s *Services) Close() {
	s.Sessions.Close()
	s.Emitters.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			log.Error().Err(err).Msg("failed to close backend")
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func setupServices(ctx context.Context, cfg *config.Config, apps *config.AppsFile, reg prometheus.Registerer) (_ *Services, err error) {
	s := &Services{}
	checkers := make(map[string]health.Checker)
	defer func() {
		if err != nil {
			for i := len(s.closers) - 1; i >= 0; i-- {
				s.closers[i].Close()
			}
		}
	}()

	mc := metrics.NewPrometheusCollector(reg)
	clock := clockwork.NewRealClock()
	instanceID := uuid.NewString()
	dbConfig, err := dbconfig.NewConfigFromEnv()
	if err != nil {
		return nil, err
	}

	// Backends
	var db *sql.DB
	if cfg.UsesPostgres() {
		if db, err = setupDatabase(ctx, dbConfig); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db)
		checkers["postgres"] = health.CheckerFunc(db.PingContext)
	}
	var rdb *redis.Client
	if cfg.UsesRedis() {
		if rdb, err = setupRedis(ctx, cfg.RedisURL); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, rdb)
		checkers["redis"] = health.CheckerFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	var repo store
	switch cfg.Store {
	case config.BackendPostgres:
		repo = postgres.NewStore(db)
	case config.BackendSQLite:
		sqliteDB, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("connecting to sqlite: %w", err)
		}
		s.closers = append(s.closers, sqliteDB)
		checkers["sqlite"] = health.CheckerFunc(sqliteDB.PingContext)
		log.Info().Str("path", cfg.SQLitePath).Msg("connected to sqlite")
		repo = sqlite.NewStore(sqliteDB)
	default:
		repo = memory.NewStore()
	}

	var locker lock.Locker
	switch cfg.Lock {
	case config.BackendPostgres:
		pool, err := setupPool(ctx, dbConfig)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, closerFunc(func() error { pool.Close(); return nil }))
		locker = lock.NewPostgresLocker(pool)
	case config.BackendRedis:
		locker = lock.NewRedisLocker(rdb, lock.DefaultRedisConfig())
	default:
		locker = lock.NewLocalLocker()
	}

	var registry presence.Registry
	switch cfg.Presence {
	case config.BackendRedis:
		s.Presence = presence.NewRedisRegistry(rdb, instanceID, clock, presence.DefaultRedisConfig())
		registry = s.Presence
	default:
		registry = presence.NewMemoryRegistry()
	}

	// Core: Repository → Log → Hub → Session manager
	eventLog := eventlog.NewLog(repo, clock, mc)
	s.Hub = hub.New(eventLog, mc)
	s.Emitters = emitter.NewManager(clock, mc)
	roster := apps.Roster()

	if cfg.NATSURL != "" {
		relayConfig := relay.DefaultConfig()
		relayConfig.URL = cfg.NATSURL
		relayConfig.StreamName = cfg.RelayStream
		if s.Relay, err = relay.New(relayConfig, instanceID); err != nil {
			return nil, fmt.Errorf("failed to start relay: %w", err)
		}
		s.closers = append(s.closers, s.Relay)
		s.Hub.SetRelay(s.Relay)
		checkers["nats"] = s.Relay
	}

	s.Sessions = session.NewManager(session.Deps{
		Log:      eventLog,
		Hub:      s.Hub,
		Registry: registry,
		Gate:     readiness.NewGate(repo, locker, registry, clock, mc),
		Emitters: s.Emitters,
		Roster:   roster,
		Metrics:  mc,
	})
	if err = apps.Register(s.Sessions); err != nil {
		return nil, err
	}

	s.Health = health.NewHandler(checkers)

	connConfig := gateway.DefaultConnectionConfig()
	connConfig.MaxMessageSize = cfg.MaxMessageSize
	connConfig.InboundRate = cfg.InboundRPS
	connConfig.InboundBurst = cfg.InboundBurst
	s.Gateway = gateway.NewService(connConfig, gateway.Deps{
		Sessions: s.Sessions,
		Hub:      s.Hub,
		Roster:   roster,
		Emitters: s.Emitters,
		Metrics:  mc,
	})

	log.Info().
		Str("store", cfg.Store).
		Str("lock", cfg.Lock).
		Str("presence", cfg.Presence).
		Str("instance", instanceID).
		Bool("relay", s.Relay != nil).
		Int("apps", len(apps.Apps)).
		Msg("services ready")
	return s, nil
}
