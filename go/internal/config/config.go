package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backends accepted by STORE, LOCK and PRESENCE.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	AppsFile string `env:"APPS_FILE" envDefault:"apps.yaml"`

	Store      string `env:"STORE" envDefault:"memory"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"redwood.db"`
	Lock       string `env:"LOCK" envDefault:"local"`
	Presence   string `env:"PRESENCE" envDefault:"memory"`
	RedisURL   string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// NATSURL enables the cross-process relay when set.
	NATSURL     string `env:"NATS_URL"`
	RelayStream string `env:"RELAY_STREAM" envDefault:"REDWOOD_EVENTS"`

	InboundRPS     float64       `env:"INBOUND_RPS" envDefault:"50"`
	InboundBurst   int           `env:"INBOUND_BURST" envDefault:"100"`
	MaxMessageSize int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"4096"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
}

// Load reads an optional .env file, then parses the environment.
func Load() (*Config, error) {
	// A missing .env is fine; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case BackendMemory, BackendPostgres, BackendSQLite:
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	switch c.Lock {
	case BackendLocal, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unknown LOCK %q", c.Lock)
	}
	switch c.Presence {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown PRESENCE %q", c.Presence)
	}
	if c.InboundRPS <= 0 || c.InboundBurst <= 0 {
		return fmt.Errorf("INBOUND_RPS and INBOUND_BURST must be positive")
	}
	return nil
}

// UsesRedis reports whether any backend needs a redis client.
func (c Config) UsesRedis() bool {
	return c.Lock == BackendRedis || c.Presence == BackendRedis
}

// UsesPostgres reports whether any backend needs a postgres connection.
func (c Config) UsesPostgres() bool {
	return c.Store == BackendPostgres || c.Lock == BackendPostgres
}
