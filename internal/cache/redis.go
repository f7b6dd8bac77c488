package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/placescout/backend/internal/domain"
)

// RedisMirror stores cache entries in Redis as JSON with a native TTL
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror wraps an existing client. Keys are namespaced by prefix.
func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	return &RedisMirror{client: client, prefix: prefix}
}

// Get returns the listings stored under key and their remaining TTL.
func (m *RedisMirror) Get(ctx context.Context, key string) ([]domain.Listing, time.Duration, bool, error) {
	k := m.prefix + key

	pipe := m.client.TxPipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, fmt.Errorf("redis get %s: %w", k, err)
	}

	data, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("redis get %s: %w", k, err)
	}

	var listings []domain.Listing
	if err := json.Unmarshal(data, &listings); err != nil {
		return nil, 0, false, fmt.Errorf("decode cached listings: %w", err)
	}
	return listings, ttlCmd.Val(), true, nil
}

// Set stores value under key for ttl.
func (m *RedisMirror) Set(ctx context.Context, key string, value []domain.Listing, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode listings: %w", err)
	}
	if err := m.client.Set(ctx, m.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
