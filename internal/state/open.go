package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend        string
	Dir            string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string
}

// Open builds the configured backend. The Redis client is pinged before use.
func Open(ctx context.Context, o Options) (Store, error) {
	switch o.Backend {
	case BackendMemory, "":
		return NewInMemoryStore(), nil
	case BackendPebble:
		return NewPebbleStore(o.Dir)
	case BackendBadger:
		return NewBadgerStore(o.Dir)
	case BackendRedis:
		client, err := dialRedis(ctx, o)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, o.RedisNamespace), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", o.Backend)
	}
}

func dialRedis(ctx context.Context, o Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            o.RedisAddr,
		Password:        o.RedisPassword,
		DB:              o.RedisDB,
		DialTimeout:     3 * time.Second,
		ReadTimeout:     2 * time.Second,
		WriteTimeout:    2 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		MaxRetries:      3,
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("redis ping", err)
	}
	return client, nil
}
