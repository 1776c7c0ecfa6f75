/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for hot lookups:
// short-code resolution and last-known room snapshots. The cache degrades
// gracefully; every caller must tolerate a miss.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/listenlab/roomsync/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL values.
const (
	DefaultCodeTTL     = 24 * time.Hour
	DefaultSnapshotTTL = 10 * time.Minute
)

// Key prefixes.
const (
	keyCode     = "roomsync:cache:code:"     // + short code
	keySnapshot = "roomsync:cache:snapshot:" // + room id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CodeTTL     time.Duration
	SnapshotTTL time.Duration

	// DisableOnError trips the circuit breaker on the first Redis error.
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		CodeTTL:        DefaultCodeTTL,
		SnapshotTTL:    DefaultSnapshotTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool
}

// New creates a new cache instance. If Redis is unreachable the cache starts
// disabled and all lookups miss.
func New(cfg Config, logger zerolog.Logger) *Cache {
	if cfg.CodeTTL == 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.SnapshotTTL == 0 {
		cfg.SnapshotTTL = DefaultSnapshotTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	componentLogger := logger.With().Str("component", "cache").Logger()

	if err := client.Ping(ctx).Err(); err != nil {
		componentLogger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		return &Cache{logger: componentLogger, config: cfg, disabled: true}
	}

	componentLogger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")
	return &Cache{client: client, logger: componentLogger, config: cfg}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("cache disabled after Redis error")
	}
}

// GetCode returns the cached room id for a short code, or "" on miss.
func (c *Cache) GetCode(ctx context.Context, code string) string {
	if !c.IsAvailable() {
		return ""
	}
	val, err := c.client.Get(ctx, keyCode+code).Result()
	if err != nil {
		c.handleError(err, "get_code")
		return ""
	}
	return val
}

// SetCode caches a code -> room id mapping.
func (c *Cache) SetCode(ctx context.Context, code, roomID string) {
	if !c.IsAvailable() {
		return
	}
	if err := c.client.Set(ctx, keyCode+code, roomID, c.config.CodeTTL).Err(); err != nil {
		c.handleError(err, "set_code")
	}
}

// GetSnapshot returns the cached snapshot for a room, or nil on miss.
func (c *Cache) GetSnapshot(ctx context.Context, roomID string) *models.RoomSnapshot {
	if !c.IsAvailable() {
		return nil
	}
	data, err := c.client.Get(ctx, keySnapshot+roomID).Bytes()
	if err != nil {
		c.handleError(err, "get_snapshot")
		return nil
	}
	var snapshot models.RoomSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		c.logger.Debug().Err(err).Str("room_id", roomID).Msg("corrupt cached snapshot")
		return nil
	}
	return &snapshot
}

// SetSnapshot caches a room snapshot.
func (c *Cache) SetSnapshot(ctx context.Context, roomID string, snapshot *models.RoomSnapshot) {
	if !c.IsAvailable() || snapshot == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, keySnapshot+roomID, data, c.config.SnapshotTTL).Err(); err != nil {
		c.handleError(err, "set_snapshot")
	}
}

// InvalidateSnapshot drops a cached snapshot.
func (c *Cache) InvalidateSnapshot(ctx context.Context, roomID string) {
	if !c.IsAvailable() {
		return
	}
	if err := c.client.Del(ctx, keySnapshot+roomID).Err(); err != nil {
		c.handleError(err, "invalidate_snapshot")
	}
}
