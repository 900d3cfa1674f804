package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// Store kinds
const (
	KindMemory = "memory"
	KindRedis  = "redis"
)

// Config selects the message store.
type Config struct {
	// Kind is memory (default) or redis
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=memory redis"`
	// URL is the redis URL, like redis://localhost:6379/0
	URL string `json:"url,omitempty" yaml:"url,omitempty" validate:"required_if=Kind redis"`
	// Prefix of the redis keys
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// Limit is the number of messages kept per chat
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty" validate:"gte=0"`
}

// Open returns the configured store and a function that releases
// its resources.
func Open(ctx context.Context, cfg Config) (MessageStore, func() error, error) {
	switch cfg.Kind {
	case "", KindMemory:
		return NewMemoryStore(cfg.Limit), func() error { return nil }, nil
	case KindRedis:
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "invalid redis url")
		}
		client := redis.NewClient(opts)
		if err = client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, errors.Wrapf(err, "failed to connect to redis")
		}
		logger.KV(xlog.DEBUG, "status", "connected", "addr", opts.Addr, "prefix", cfg.Prefix)
		return NewRedisStore(client, cfg.Prefix, cfg.Limit), client.Close, nil
	}
	return nil, nil, errors.Errorf("unsupported store kind: %s", cfg.Kind)
}
