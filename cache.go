package oasis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// SnapshotTTL is how long a cached snapshot may be used to paint a scope.
const SnapshotTTL = 5 * time.Minute

// CachedSnapshot is a conversation's recent messages as last seen. It only
// primes instant display and is always superseded by a live fetch.
type CachedSnapshot struct {
	ScopeKey  string    `json:"-"`
	Messages  []Message `json:"messages"`
	Timestamp int64     `json:"timestamp"`
}

// CapturedAt is when the snapshot was written.
func (s *CachedSnapshot) CapturedAt() time.Time { return time.UnixMilli(s.Timestamp) }

// SnapshotCache persists snapshots between scope opens. Read returns nil, nil
// when there is no fresh snapshot.
type SnapshotCache interface {
	Read(ctx context.Context, scope ConversationScope) (*CachedSnapshot, error)
	Write(ctx context.Context, scope ConversationScope, messages []Message) error
}

// CacheKey is the storage key of a scope's snapshot.
func CacheKey(scope ConversationScope) string {
	return "oasis-messages-" + scope.ConversationID()
}

// EncodeSnapshot serializes messages as {messages, timestamp}.
func EncodeSnapshot(messages []Message, now time.Time) ([]byte, error) {
	if messages == nil {
		messages = []Message{}
	}
	data, err := json.Marshal(CachedSnapshot{Messages: messages, Timestamp: now.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a stored snapshot. Snapshots older than ttl decode
// to nil.
func DecodeSnapshot(key string, data []byte, now time.Time, ttl time.Duration) (*CachedSnapshot, error) {
	var snap CachedSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if now.Sub(snap.CapturedAt()) > ttl {
		return nil, nil
	}
	snap.ScopeKey = key
	return &snap, nil
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe, process-lifetime SnapshotCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates a cache whose entries expire after ttl
// (SnapshotTTL when zero).
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl == 0 {
		ttl = SnapshotTTL
	}
	return &MemoryCache{
		entries: make(map[string][]byte),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Read(_ context.Context, scope ConversationScope) (*CachedSnapshot, error) {
	key := CacheKey(scope)
	c.mu.RLock()
	data, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	snap, err := DecodeSnapshot(key, data, c.now(), c.ttl)
	if snap == nil && err == nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
	}
	return snap, err
}

func (c *MemoryCache) Write(_ context.Context, scope ConversationScope, messages []Message) error {
	data, err := EncodeSnapshot(messages, c.now())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[CacheKey(scope)] = data
	c.mu.Unlock()
	return nil
}
