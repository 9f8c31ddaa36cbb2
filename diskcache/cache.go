// Package diskcache persists conversation snapshots in a local pebble
// database so a restarted client can paint its last view immediately.
package diskcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrata/oasis-go"
	"github.com/cockroachdb/pebble"
)

// Cache is an oasis.SnapshotCache on disk.
type Cache struct {
	db  *pebble.DB
	ttl time.Duration
	now func() time.Time
}

var _ oasis.SnapshotCache = (*Cache)(nil)

// Open opens or creates the database at path. A zero ttl means
// oasis.SnapshotTTL.
func Open(path string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	if ttl == 0 {
		ttl = oasis.SnapshotTTL
	}
	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Read returns the snapshot of scope. Expired snapshots are deleted and
// reported as missing.
func (c *Cache) Read(_ context.Context, scope oasis.ConversationScope) (*oasis.CachedSnapshot, error) {
	key := oasis.CacheKey(scope)
	v, closer, err := c.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	// copy value
	data := make([]byte, len(v))
	copy(data, v)
	closer.Close()

	snap, err := oasis.DecodeSnapshot(key, data, c.now(), c.ttl)
	if snap == nil && err == nil {
		if err := c.db.Delete([]byte(key), pebble.NoSync); err != nil {
			return nil, fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return snap, err
}

// Write replaces the snapshot of scope.
func (c *Cache) Write(_ context.Context, scope oasis.ConversationScope, messages []oasis.Message) error {
	data, err := oasis.EncodeSnapshot(messages, c.now())
	if err != nil {
		return err
	}
	return c.db.Set([]byte(oasis.CacheKey(scope)), data, pebble.Sync)
}

// Prune deletes every expired snapshot and returns how many it removed.
func (c *Cache) Prune() (int, error) {
	it, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("oasis-messages-"),
		UpperBound: []byte("oasis-messages."),
	})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	batch := c.db.NewBatch()
	defer batch.Close()
	now := c.now()
	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		snap, err := oasis.DecodeSnapshot(string(it.Key()), it.Value(), now, c.ttl)
		if err == nil && snap != nil {
			continue
		}
		if err := batch.Delete(it.Key(), nil); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}
