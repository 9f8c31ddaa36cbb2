package oasis

import (
	"context"
	"log/slog"
	"sync"
)

// PageSize is the fixed page size of history fetches.
const PageSize = 50

// Greeter posts the initial greeting into a brand-new, empty conversation.
type Greeter interface {
	Greet(ctx context.Context, scope ConversationScope) error
}

// GreeterFunc adapts a function to Greeter.
type GreeterFunc func(ctx context.Context, scope ConversationScope) error

func (f GreeterFunc) Greet(ctx context.Context, scope ConversationScope) error { return f(ctx, scope) }

// greetRegistry remembers which scopes were greeted so the greeting fires
// once per conversation no matter how often it is reopened.
type greetRegistry struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newGreetRegistry() *greetRegistry {
	return &greetRegistry{seen: make(map[string]struct{})}
}

func (g *greetRegistry) claim(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[key]; ok {
		return false
	}
	g.seen[key] = struct{}{}
	return true
}

// ============================================================================
// History Loader
// ============================================================================

// HistoryLoader backfills a scope's store page by page, newest first.
type HistoryLoader struct {
	api     API
	store   *MessageStore
	retry   RetryPolicy
	cache   SnapshotCache
	greeter Greeter
	greeted *greetRegistry
	logger  *slog.Logger
	metrics *Metrics

	// loadMu serializes loads so two calls never fetch the same offset.
	loadMu  sync.Mutex
	mu      sync.Mutex
	offset  int
	hasMore bool
	wg      sync.WaitGroup
}

// HasMore reports whether older messages remain on the server.
func (h *HistoryLoader) HasMore() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasMore
}

// Offset is the offset of the next LoadMore.
func (h *HistoryLoader) Offset() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

// LoadInitial fetches the newest page and replaces the store with it. When
// transient failures exhaust the retries it returns a *RetryExhaustedError,
// which callers should present as a retry affordance.
func (h *HistoryLoader) LoadInitial(ctx context.Context) ([]Message, error) {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	scope := h.store.Scope()
	page, err := h.fetch(ctx, 0)
	if err != nil {
		h.logger.Warn("initial load failed", "scope", scope.Key(), "error", err)
		return nil, err
	}

	h.store.Replace(page.Messages)
	h.mu.Lock()
	h.offset = PageSize
	h.hasMore = page.HasMore
	h.mu.Unlock()

	if len(page.Messages) == 0 && !page.HasMore {
		h.greet(scope)
	}
	if h.cache != nil {
		if err := h.cache.Write(ctx, scope, h.store.Confirmed()); err != nil {
			h.logger.Warn("cache write failed", "scope", scope.Key(), "error", err)
		}
	}
	return h.store.Snapshot(), nil
}

// LoadMore fetches the next older page and returns the messages it added.
// It returns nothing once the server reported no more history.
func (h *HistoryLoader) LoadMore(ctx context.Context) ([]Message, error) {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	h.mu.Lock()
	offset, more := h.offset, h.hasMore
	h.mu.Unlock()
	if !more {
		return nil, nil
	}

	page, err := h.fetch(ctx, offset)
	if err != nil {
		h.logger.Warn("load more failed", "scope", h.store.Scope().Key(), "offset", offset, "error", err)
		return nil, err
	}

	added := h.store.MergeOlder(page.Messages)
	h.mu.Lock()
	h.offset = offset + PageSize
	h.hasMore = page.HasMore
	h.mu.Unlock()
	return added, nil
}

func (h *HistoryLoader) fetch(ctx context.Context, offset int) (*Page, error) {
	q := ListQuery{Scope: h.store.Scope(), Limit: PageSize, Offset: offset}
	return Retry(ctx, h.metrics.retryHook(h.retry, "history"), func(ctx context.Context) (*Page, error) {
		return h.api.ListMessages(ctx, q)
	})
}

func (h *HistoryLoader) greet(scope ConversationScope) {
	if h.greeter == nil || !h.greeted.claim(scope.Key()) {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("greeter panicked", "scope", scope.Key(), "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := h.greeter.Greet(ctx, scope); err != nil {
			h.logger.Warn("greeting failed", "scope", scope.Key(), "error", err)
		}
	}()
}

// wait blocks until a detached greeting finishes.
func (h *HistoryLoader) wait() { h.wg.Wait() }
