// Package core provides the ambient stack shared by every component of the
// meta-router: logging, errors, configuration, and the cache abstraction.
//
// This file implements the Redis-backed cache. Design constraints:
//   - fail fast when disconnected (no offline command queue)
//   - at most one retry per command
//   - connect and per-command timeouts bounded by configuration
//   - construction failure is not fatal; callers fall back to MemoryStore
package core

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache implements Memory on top of a Redis connection.
type RedisCache struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// NewRedisCache connects to Redis using the supplied configuration.
// REDIS_URL wins over host/port when both are set. The connection is
// verified with a ping bounded by the connect timeout; an unreachable
// server returns an error so the caller can fall back.
func NewRedisCache(cfg RedisConfig, namespace string, logger Logger) (*RedisCache, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cfg.Disabled {
		return nil, fmt.Errorf("redis disabled by configuration: %w", ErrCacheUnavailable)
	}

	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			logger.Error("Failed to parse Redis URL", map[string]interface{}{
				"operation": "cache_init",
				"error":     err.Error(),
			})
			return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Password,
		}
	}

	if cfg.TLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	opts.DialTimeout = cfg.ConnectTimeout
	opts.ReadTimeout = cfg.CommandTimeout
	opts.WriteTimeout = cfg.CommandTimeout
	// One retry per command, then surface the failure to the caller.
	opts.MaxRetries = 1

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		logger.Warn("Redis unreachable, caller should fall back to in-process cache", map[string]interface{}{
			"operation": "cache_init",
			"addr":      opts.Addr,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, ErrConnectionFailed)
	}

	logger.Info("Redis cache connected", map[string]interface{}{
		"operation": "cache_init",
		"addr":      opts.Addr,
		"namespace": namespace,
		"tls":       cfg.TLS,
	})

	return &RedisCache{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}, nil
}

func (r *RedisCache) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// Get retrieves a value. A missing key returns ("", nil).
func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, ErrCacheUnavailable)
	}
	return val, nil
}

// Set stores a value with optional TTL (ttl <= 0 means no expiry)
func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.formatKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, ErrCacheUnavailable)
	}
	return nil
}

// Delete removes a value
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.formatKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, ErrCacheUnavailable)
	}
	return nil
}

// Exists checks if a key exists
func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, ErrCacheUnavailable)
	}
	return n > 0, nil
}

// HealthCheck verifies Redis connectivity
func (r *RedisCache) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	r.logger.Info("Closing Redis cache connection", map[string]interface{}{
		"operation": "cache_close",
		"namespace": r.namespace,
	})
	return r.client.Close()
}

// NewCache selects the cache implementation: Redis when reachable and not
// disabled, in-process TTL map otherwise. Both share identical semantics.
func NewCache(cfg RedisConfig, namespace string, logger Logger) Memory {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	cache, err := NewRedisCache(cfg, namespace, logger)
	if err != nil {
		logger.Warn("Using in-process cache", map[string]interface{}{
			"operation": "cache_select",
			"reason":    err.Error(),
		})
		store := NewMemoryStore()
		store.SetLogger(logger)
		return store
	}
	return cache
}
