// Package cache provides an optional Redis-backed read cache for session
// snapshots.
//
// The cache only serves GET traffic; the in-memory session store stays
// authoritative. When Redis is unavailable or disabled every operation is a
// no-op miss, so the API works identically without it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmux-dev/agentmux/internal/logger"
)

// ErrMiss is returned when a key is absent (or the cache is disabled).
var ErrMiss = errors.New("cache miss")

// Config holds cache configuration
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
	TTL      time.Duration
}

// Cache provides snapshot caching over Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a cache client. With Enabled false the returned cache is
// disabled (every operation is a no-op miss). When the initial ping fails,
// NewCache returns an error and no cache.
func NewCache(cfg Config) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if !cfg.Enabled {
		return &Cache{ttl: cfg.TTL}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     25,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.GetLogger().Info().Str("addr", client.Options().Addr).Msg("Redis cache connected")
	return &Cache{client: client, ttl: cfg.TTL}, nil
}

// IsEnabled reports whether the cache has a live Redis connection.
func (c *Cache) IsEnabled() bool {
	return c != nil && c.client != nil
}

// Get deserializes the cached value for key into dest.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	if !c.IsEnabled() {
		return ErrMiss
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Set serializes value under key with the configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	if !c.IsEnabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.IsEnabled() || len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if !c.IsEnabled() {
		return nil
	}
	return c.client.Close()
}
