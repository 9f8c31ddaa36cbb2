package oasis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// maxThreadPages bounds LoadThread against a server that never clears hasMore.
	maxThreadPages = 100

	// threadFetchTimeout bounds a shared fetch, which outlives the caller
	// that started it.
	threadFetchTimeout = 2 * time.Minute
)

// ThreadResolver loads the replies of a parent message on demand.
type ThreadResolver struct {
	api    API
	store  *MessageStore
	logger *slog.Logger
	group  singleflight.Group
}

// LoadThread returns every reply to parentID, ordered by (createdAt, id).
// Concurrent calls for one parent share a fetch, and a caller giving up does
// not cancel it for the others. If the fetch fails, the
// replies embedded on the parent and those already in the store are returned
// instead; the error is only surfaced when there is nothing to show.
func (t *ThreadResolver) LoadThread(ctx context.Context, parentID string) ([]Message, error) {
	ch := t.group.DoChan(parentID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), threadFetchTimeout)
		defer cancel()
		return t.fetchAll(fctx, parentID)
	})
	var v any
	var err error
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = fmt.Errorf("load thread %s: %w", parentID, ctx.Err())
	}
	if err != nil {
		fallback := t.fallback(parentID)
		if len(fallback) == 0 {
			return nil, err
		}
		t.logger.Warn("thread fetch failed, using embedded replies",
			"parent_id", parentID, "count", len(fallback), "error", err)
		return fallback, nil
	}

	replies := v.([]Message)
	t.store.MergeThread(parentID, replies)
	if stored := t.store.Thread(parentID); len(stored) > 0 {
		return stored, nil
	}
	// The store is closed; return the fetch as is.
	out := make([]Message, len(replies))
	copy(out, replies)
	sortMessages(out)
	return out, nil
}

func (t *ThreadResolver) fetchAll(ctx context.Context, parentID string) ([]Message, error) {
	scope := t.store.Scope()
	var all []Message
	seen := make(map[string]struct{})
	for page, offset := 0, 0; page < maxThreadPages; page, offset = page+1, offset+PageSize {
		actx, cancel := context.WithTimeout(ctx, DefaultAttemptTimeout)
		p, err := t.api.ListMessages(actx, ListQuery{
			Scope:           scope,
			Limit:           PageSize,
			Offset:          offset,
			ParentMessageID: parentID,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("load thread %s: %w", parentID, err)
		}
		for _, m := range p.Messages {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			if m.ParentMessageID == "" {
				m.ParentMessageID = parentID
			}
			all = append(all, m)
		}
		if !p.HasMore {
			break
		}
	}
	sortMessages(all)
	return all, nil
}

func (t *ThreadResolver) fallback(parentID string) []Message {
	byID := make(map[string]Message)
	if parent, ok := t.store.Get(parentID); ok {
		for _, r := range parent.Replies {
			if r.ParentMessageID == "" {
				r.ParentMessageID = parentID
			}
			byID[r.ID] = r
		}
	}
	for _, r := range t.store.Thread(parentID) {
		byID[r.ID] = r
	}
	out := make([]Message, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sortMessages(out)
	return out
}

func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool { return less(&msgs[i], &msgs[j]) })
}
