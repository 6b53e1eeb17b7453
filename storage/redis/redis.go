// Package redis provides Redis implementations of the credpool ledger and
// rate-limit window stores. All check-and-modify operations run as Lua
// scripts so they stay atomic across multiple router instances.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

// Store implements credpool.LedgerStore and credpool.WindowCounterStore
// using Redis.
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "credpool:")
	KeyPrefix string

	// CounterTTL is the TTL applied to daily counter keys beyond the day
	// boundary, so rollbacks shortly after midnight still find the key
	CounterTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "credpool:",
		CounterTTL: time.Hour,
	}
}

// New creates a new Redis store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "credpool:"
	}
	if config.CounterTTL == 0 {
		config.CounterTTL = time.Hour
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations.
func (s *Store) loadScripts() {
	// Increment a daily counter only when below the limit.
	// Returns {allowed, current}.
	s.scripts["incrIfBelow"] = redis.NewScript(`
		local key = KEYS[1]
		local limit = tonumber(ARGV[1])
		local ttl = tonumber(ARGV[2])

		local current = tonumber(redis.call('GET', key) or '0')
		if current + 1 > limit then
			return {0, current}
		end

		current = redis.call('INCR', key)
		if tonumber(current) == 1 and ttl > 0 then
			redis.call('PEXPIRE', key, ttl)
		end
		return {1, current}
	`)

	// Decrement a daily counter without going below zero.
	s.scripts["decrFloor"] = redis.NewScript(`
		local key = KEYS[1]

		local current = tonumber(redis.call('GET', key) or '0')
		if current <= 0 then
			return 0
		end
		return redis.call('DECR', key)
	`)

	// Increment a rate-limit window, restarting it when expired.
	// Returns {count, remaining_ms}.
	s.scripts["incrWindow"] = redis.NewScript(`
		local key = KEYS[1]
		local windowMs = tonumber(ARGV[1])

		local count = redis.call('INCR', key)
		if tonumber(count) == 1 then
			redis.call('PEXPIRE', key, windowMs)
		end

		local ttl = redis.call('PTTL', key)
		if ttl < 0 then
			redis.call('PEXPIRE', key, windowMs)
			ttl = windowMs
		end
		return {count, ttl}
	`)
}

// Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// IncrementIfBelow implements credpool.LedgerStore.
func (s *Store) IncrementIfBelow(ctx context.Context, userID string, kind credpool.CounterKind, day time.Time, limit int) (bool, int, error) {
	key := s.counterKey(userID, kind, day)
	ttl := time.Until(day.Add(24*time.Hour).Add(s.config.CounterTTL)).Milliseconds()

	raw, err := s.scripts["incrIfBelow"].Run(ctx, s.client, []string{key}, limit, ttl).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", credpool.ErrStorageUnavailable, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected script result: %v", raw)
	}
	allowed := vals[0].(int64) == 1
	current := int(vals[1].(int64))
	return allowed, current, nil
}

// DecrementCounter implements credpool.LedgerStore.
func (s *Store) DecrementCounter(ctx context.Context, userID string, kind credpool.CounterKind, day time.Time) (int, error) {
	key := s.counterKey(userID, kind, day)

	raw, err := s.scripts["decrFloor"].Run(ctx, s.client, []string{key}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", credpool.ErrStorageUnavailable, err)
	}
	current, ok := raw.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result: %v", raw)
	}
	return int(current), nil
}

// GetCounter implements credpool.LedgerStore.
func (s *Store) GetCounter(ctx context.Context, userID string, kind credpool.CounterKind, day time.Time) (int, error) {
	val, err := s.client.Get(ctx, s.counterKey(userID, kind, day)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", credpool.ErrStorageUnavailable, err)
	}
	return val, nil
}

// PeekWindow implements credpool.WindowCounterStore.
func (s *Store) PeekWindow(ctx context.Context, key string) (*credpool.WindowRecord, error) {
	fullKey := s.windowKey(key)

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, fullKey)
	ttlCmd := pipe.PTTL(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: %v", credpool.ErrStorageUnavailable, err)
	}

	count, err := getCmd.Int()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", credpool.ErrStorageUnavailable, err)
	}

	now := time.Now().UTC()
	ttl := ttlCmd.Val()
	if ttl < 0 {
		return nil, nil
	}
	return &credpool.WindowRecord{
		Count:     count,
		ResetTime: now.Add(ttl),
		LastSeen:  now,
	}, nil
}

// IncrWindow implements credpool.WindowCounterStore.
func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration, now time.Time) (*credpool.WindowRecord, error) {
	raw, err := s.scripts["incrWindow"].Run(ctx, s.client, []string{s.windowKey(key)}, window.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", credpool.ErrStorageUnavailable, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("unexpected script result: %v", raw)
	}
	count := int(vals[0].(int64))
	ttl := time.Duration(vals[1].(int64)) * time.Millisecond
	return &credpool.WindowRecord{
		Count:     count,
		ResetTime: now.Add(ttl),
		LastSeen:  now,
	}, nil
}

// DeleteWindows implements credpool.WindowCounterStore.
func (s *Store) DeleteWindows(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = s.windowKey(key)
	}
	if err := s.client.Del(ctx, fullKeys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", credpool.ErrStorageUnavailable, err)
	}
	return nil
}

// SweepExpired implements credpool.WindowCounterStore. Redis expires window
// keys itself, so there is nothing to sweep.
func (s *Store) SweepExpired(_ context.Context, _ time.Time) error {
	return nil
}

func (s *Store) counterKey(userID string, kind credpool.CounterKind, day time.Time) string {
	return fmt.Sprintf("%scounter:%s:%s:%s", s.config.KeyPrefix, userID, kind, day.UTC().Format("2006-01-02"))
}

func (s *Store) windowKey(key string) string {
	return s.config.KeyPrefix + "window:" + key
}
