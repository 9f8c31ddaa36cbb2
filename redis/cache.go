// Package redis provides a snapshot cache shared by every client of one Redis
// server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adrata/oasis-go"
	"github.com/redis/go-redis/v9"
)

// Cache stores conversation snapshots in Redis. Entries expire on the server
// after the TTL, so stale snapshots are never returned.
type Cache struct {
	cli *redis.Client
	ttl time.Duration
	now func() time.Time
}

var _ oasis.SnapshotCache = (*Cache)(nil)

// Connect connects to the Redis server and pings the server to ensure the
// connection is working. A zero ttl means oasis.SnapshotTTL.
func Connect(ctx context.Context, addr string, ttl time.Duration) (*Cache, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(cli, ttl), nil
}

// New wraps an existing client.
func New(cli *redis.Client, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = oasis.SnapshotTTL
	}
	return &Cache{cli: cli, ttl: ttl, now: time.Now}
}

// Read returns the snapshot of scope, or nil when there is none.
func (c *Cache) Read(ctx context.Context, scope oasis.ConversationScope) (*oasis.CachedSnapshot, error) {
	key := oasis.CacheKey(scope)
	data, err := c.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return oasis.DecodeSnapshot(key, data, c.now(), c.ttl)
}

// Write replaces the snapshot of scope.
func (c *Cache) Write(ctx context.Context, scope oasis.ConversationScope, messages []oasis.Message) error {
	data, err := oasis.EncodeSnapshot(messages, c.now())
	if err != nil {
		return err
	}
	if err := c.cli.Set(ctx, oasis.CacheKey(scope), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

// Delete drops the snapshot of scope.
func (c *Cache) Delete(ctx context.Context, scope oasis.ConversationScope) error {
	if err := c.cli.Del(ctx, oasis.CacheKey(scope)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.cli.Close()
}
