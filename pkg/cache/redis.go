package cache

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKey is the set holding problematic entity ids.
var RedisKey = Key("problematic_networks")

// Redis is a Store backed by a Redis set, shared by every host that points
// at the same server.
type Redis struct {
	client *redis.Client
	key    string
	owned  bool
	logger zerolog.Logger
}

// NewRedis wraps an existing client. The caller keeps ownership of client.
func NewRedis(client *redis.Client, logger zerolog.Logger) *Redis {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &Redis{client: client, key: RedisKey, logger: logger}
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int, logger zerolog.Logger) (*Redis, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		observe(BackendRedis, "load", err)
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	r := NewRedis(client, logger)
	r.owned = true
	return r, nil
}

// Has implements Store.
func (r *Redis) Has(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, id).Result()
	observe(BackendRedis, "has", err, ok)
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

// Put implements Store.
func (r *Redis) Put(ctx context.Context, id string) error {
	added, err := r.client.SAdd(ctx, r.key, id).Result()
	observe(BackendRedis, "put", err)
	if err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	if added > 0 {
		r.logger.Info().Str("entity", id).Msg("Marked entity as problematic")
	}
	return nil
}

// List implements Store.
func (r *Redis) List(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.key).Result()
	observe(BackendRedis, "list", err)
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(ids)
	StoreEntries.WithLabelValues(BackendRedis).Set(float64(len(ids)))
	return ids, nil
}

// Close implements Store. Clients passed to NewRedis are left open.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
