// Package backend opens the document store selected by the environment and
// builds the membership ledger on top of it. It is shared by the binaries
// under cmd/.
package backend

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/legalmind/roomchat/internal/docstore"
	"github.com/legalmind/roomchat/internal/docstore/pgstore"
	"github.com/legalmind/roomchat/internal/docstore/redisstore"
	"github.com/legalmind/roomchat/internal/membership"
	"github.com/legalmind/roomchat/internal/messaging"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config selects and configures the document store.
type Config struct {
	Driver      string // memory, redis or postgres
	RedisAddr   string
	NATSURL     string // redis only; empty publishes changes on Redis pub/sub
	DatabaseURL string
	Counter     membership.CounterMode
	ClientName  string // NATS client name
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Driver:      DriverMemory,
		RedisAddr:   redisstore.DefaultConfig().Addr,
		DatabaseURL: pgstore.DefaultConfig().DSN,
		Counter:     membership.CounterAuto,
		ClientName:  "roomchat",
	}
}

// FromEnv overrides DefaultConfig with STORE_DRIVER, REDIS_ADDR, NATS_URL,
// DATABASE_URL and COUNTER_MODE.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("COUNTER_MODE"); v != "" {
		mode, err := ParseCounter(v)
		if err != nil {
			return cfg, err
		}
		cfg.Counter = mode
	}
	return cfg, nil
}

// ParseCounter maps "auto", "atomic" and "rmw"/"read-modify-write" to a
// CounterMode.
func ParseCounter(s string) (membership.CounterMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return membership.CounterAuto, nil
	case "atomic":
		return membership.CounterAtomic, nil
	case "rmw", "read-modify-write":
		return membership.CounterReadModifyWrite, nil
	default:
		return membership.CounterAuto, fmt.Errorf("backend: unknown counter mode %q", s)
	}
}

// Backend is an opened store with its ledger.
type Backend struct {
	Store  docstore.Store
	Ledger *membership.Ledger
	Redis  *redis.Client // nil unless Driver is redis

	closers []func() error
}

// Open connects the configured store.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	b := &Backend{}

	switch cfg.Driver {
	case DriverMemory, "":
		b.Store = docstore.NewMemory(nil)

	case DriverRedis:
		var opts []redisstore.Option
		if cfg.NATSURL != "" {
			natsConfig := messaging.DefaultNATSConfig()
			natsConfig.URL = cfg.NATSURL
			if cfg.ClientName != "" {
				natsConfig.Name = cfg.ClientName
			}
			nc, err := messaging.NewNATSClient(natsConfig)
			if err != nil {
				return nil, fmt.Errorf("backend: %w", err)
			}
			b.closers = append(b.closers, nc.Close)
			opts = append(opts, redisstore.WithFeed(messaging.NewFeed(nc)))
		}
		rcfg := redisstore.DefaultConfig()
		rcfg.Addr = cfg.RedisAddr
		s, err := redisstore.Connect(rcfg, opts...)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("backend: %w", err)
		}
		// The store owns the feed and closes it with itself.
		b.closers = []func() error{s.Close}
		b.Store = s
		b.Redis = s.Client()

	case DriverPostgres:
		pcfg := pgstore.DefaultConfig()
		pcfg.DSN = cfg.DatabaseURL
		s, err := pgstore.Connect(ctx, pcfg)
		if err != nil {
			return nil, fmt.Errorf("backend: %w", err)
		}
		b.closers = append(b.closers, s.Close)
		b.Store = s

	default:
		return nil, fmt.Errorf("backend: unknown store driver %q", cfg.Driver)
	}

	b.Ledger = membership.New(b.Store, membership.Config{Counter: cfg.Counter})
	log.Printf("[backend] store=%s counter=%s", driverName(cfg.Driver), b.Ledger.Counter())
	return b, nil
}

// Close releases every connection opened by Open.
func (b *Backend) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

func driverName(d string) string {
	if d == "" {
		return DriverMemory
	}
	return d
}
