package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig follows the `env:"...,default=..."` convention used
// elsewhere in this module: an address plus a key prefix, both defaulted
// for standalone use.
type RedisConfig struct {
	Addr      string `env:"REGISTRY_REDIS_ADDR,default=localhost:6379"`
	KeyPrefix string `env:"REGISTRY_KEY_PREFIX,default=jupyter:kernels:"`
}

// RedisRegistry is the multi-process alternative to MemoryRegistry: the
// running-kernels table lives in Redis so that every process serving this
// client library's requests sees the same ownership view.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

// NewRedis constructs a RedisRegistry, defaulting empty config fields the
// same way redishost.New falls back when its env-sourced fields come back
// empty.
func NewRedis(cfg RedisConfig) (*RedisRegistry, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "jupyter:kernels:"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("registry: redis ping: %w", err)
	}
	return &RedisRegistry{client: client, prefix: prefix}, nil
}

func (r *RedisRegistry) key(kernelID string) string { return r.prefix + kernelID }

func (r *RedisRegistry) Register(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("registry: marshal entry: %w", err)
	}
	return r.client.Set(ctx, r.key(entry.KernelID), raw, 0).Err()
}

func (r *RedisRegistry) Unregister(ctx context.Context, kernelID string) error {
	n, err := r.client.Del(ctx, r.key(kernelID)).Result()
	if err != nil {
		return fmt.Errorf("registry: redis del: %w", err)
	}
	if n == 0 {
		return ErrNotRegistered
	}
	return nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, kernelID string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.key(kernelID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("registry: redis get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("registry: unmarshal entry: %w", err)
	}
	return entry, true, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]Entry, error) {
	keys, err := r.client.Keys(ctx, r.prefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("registry: redis keys: %w", err)
	}
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		raw, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("registry: redis get %s: %w", key, err)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("registry: unmarshal entry %s: %w", key, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close releases the underlying Redis client.
func (r *RedisRegistry) Close() error { return r.client.Close() }
