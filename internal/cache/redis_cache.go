// Package cache is the Redis-backed layer in front of the Config Store's
// Postgres tables (C13). Adapted from the teacher's
// internal/cache/cache_service.go: same circuit-breaker-style
// healthy/failureCount/recoveryBackoff fields, same graceful-degradation
// contract (callers fall back to a direct DB read on an unhealthy cache
// instead of erroring out the whole scan).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"perpfutures-engine/internal/config"
	"perpfutures-engine/internal/logging"
)

// RedisCache wraps a redis.Client with failure tracking so the Config
// Store can treat it as "degraded" instead of fatal.
type RedisCache struct {
	client *redis.Client
	logger *logging.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures     int
	checkInterval   time.Duration
	recoveryBackoff time.Duration
}

// SnapshotKey is the single key the Config Store's serialized snapshot is
// cached under, namespaced per account.
func SnapshotKey(accountID string) string {
	return fmt.Sprintf("engine:%s:config_snapshot", accountID)
}

const defaultSnapshotTTL = 90 * time.Second

// New connects to Redis and verifies connectivity, returning a degraded
// (unhealthy) cache rather than an error if the initial ping fails —
// the Config Store always has the database as ground truth.
func New(cfg config.RedisConfig, logger *logging.Logger) (*RedisCache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	rc := &RedisCache{
		client:          client,
		logger:          logger.WithComponent("config_cache"),
		maxFailures:     3,
		checkInterval:   30 * time.Second,
		recoveryBackoff: 5 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		rc.logger.Warn("initial redis connection failed, starting degraded", "error", err)
		return rc, nil
	}

	rc.healthy = true
	rc.lastCheck = time.Now()
	return rc, nil
}

// IsHealthy reports whether Redis is currently considered available.
func (rc *RedisCache) IsHealthy() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.healthy
}

func (rc *RedisCache) recordFailure() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.failureCount++
	if rc.failureCount >= rc.maxFailures && rc.healthy {
		rc.logger.Warn("config cache circuit breaker open", "failures", rc.failureCount)
		rc.healthy = false
	}
}

func (rc *RedisCache) recordSuccess() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.healthy {
		rc.logger.Info("config cache circuit breaker closed, redis recovered")
	}
	rc.healthy = true
	rc.failureCount = 0
	rc.lastCheck = time.Now()
}

func (rc *RedisCache) checkHealth(ctx context.Context) {
	rc.mu.RLock()
	since := time.Since(rc.lastCheck)
	shouldCheck := !rc.healthy && since >= rc.checkInterval
	rc.mu.RUnlock()
	if !shouldCheck {
		return
	}
	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rc.client.Ping(pingCtx).Err(); err == nil {
			rc.recordSuccess()
		}
	}()
}

// GetJSON reads key and unmarshals it into dest. Returns (false, nil) on
// cache miss or unhealthy cache — both are "go read the database"
// signals to the caller, not errors.
func (rc *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	rc.checkHealth(ctx)
	if !rc.IsHealthy() {
		return false, nil
	}

	data, err := rc.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			rc.recordSuccess()
			return false, nil
		}
		rc.recordFailure()
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("unmarshal cached %s: %w", key, err)
	}
	rc.recordSuccess()
	return true, nil
}

// SetJSON marshals value and stores it under key with ttl (defaultSnapshotTTL
// if ttl <= 0). Failures are recorded but not returned as fatal — a
// failed cache write just means the next reader falls back to Postgres.
func (rc *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	rc.checkHealth(ctx)
	if !rc.IsHealthy() {
		return fmt.Errorf("redis unavailable (circuit breaker open)")
	}
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	if err := rc.client.Set(ctx, key, data, ttl).Err(); err != nil {
		rc.recordFailure()
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	rc.recordSuccess()
	return nil
}

// Invalidate deletes key so the next read misses the cache. Nothing in
// the engine calls it.
func (rc *RedisCache) Invalidate(ctx context.Context, key string) error {
	rc.checkHealth(ctx)
	if !rc.IsHealthy() {
		return nil
	}
	if err := rc.client.Del(ctx, key).Err(); err != nil {
		rc.recordFailure()
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	rc.recordSuccess()
	return nil
}

// Close closes the underlying Redis connection.
func (rc *RedisCache) Close() error {
	if rc.client == nil {
		return nil
	}
	return rc.client.Close()
}
