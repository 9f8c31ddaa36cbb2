package diskcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrata/oasis-go"
	"github.com/google/go-cmp/cmp"
)

func open(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache"), time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	scope := oasis.DMScope("w1", "d1")
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := []oasis.Message{
		{ID: "m1", DMID: "d1", SenderID: "u1", Content: "hi", CreatedAt: ts, UpdatedAt: ts},
		{ID: "m2", DMID: "d1", SenderID: "u2", Content: "hey", CreatedAt: ts.Add(time.Second), UpdatedAt: ts.Add(time.Second)},
	}

	t.Run("miss", func(t *testing.T) {
		c := open(t)
		snap, err := c.Read(ctx, scope)
		if err != nil || snap != nil {
			t.Fatalf("expected nil, nil; got %+v, %v", snap, err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		c := open(t)
		if err := c.Write(ctx, scope, msgs); err != nil {
			t.Fatal(err)
		}
		snap, err := c.Read(ctx, scope)
		if err != nil {
			t.Fatal(err)
		}
		if snap == nil {
			t.Fatal("expected snapshot")
		}
		if snap.ScopeKey != "oasis-messages-d1" {
			t.Errorf("unexpected key %q", snap.ScopeKey)
		}
		if diff := cmp.Diff(msgs, snap.Messages); diff != "" {
			t.Errorf("messages mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("survives reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cache")
		c, err := Open(path, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Write(ctx, scope, msgs); err != nil {
			t.Fatal(err)
		}
		c.Close()

		c, err = Open(path, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		snap, err := c.Read(ctx, scope)
		if err != nil || snap == nil || len(snap.Messages) != 2 {
			t.Fatalf("expected 2 cached messages, got %+v, %v", snap, err)
		}
	})

	t.Run("expired deleted on read", func(t *testing.T) {
		c := open(t)
		c.now = func() time.Time { return ts }
		if err := c.Write(ctx, scope, msgs); err != nil {
			t.Fatal(err)
		}
		c.now = func() time.Time { return ts.Add(2 * time.Minute) }
		snap, err := c.Read(ctx, scope)
		if err != nil || snap != nil {
			t.Fatalf("expected expired snapshot to be dropped, got %+v, %v", snap, err)
		}
		c.now = func() time.Time { return ts }
		if snap, _ := c.Read(ctx, scope); snap != nil {
			t.Fatal("expired snapshot was not deleted")
		}
	})

	t.Run("prune", func(t *testing.T) {
		c := open(t)
		c.now = func() time.Time { return ts }
		c.Write(ctx, oasis.ChannelScope("w1", "old"), msgs)
		c.now = func() time.Time { return ts.Add(90 * time.Second) }
		c.Write(ctx, oasis.ChannelScope("w1", "new"), msgs)

		n, err := c.Prune()
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected 1 pruned, got %d", n)
		}
		if snap, _ := c.Read(ctx, oasis.ChannelScope("w1", "new")); snap == nil {
			t.Fatal("fresh snapshot was pruned")
		}
	})
}
