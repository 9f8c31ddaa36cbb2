package oasis

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// ============================================================================
// Reaction helpers (run under the store lock)
// ============================================================================

func (s *MessageStore) addReactionLocked(r Reaction) bool {
	m, ok := s.byID[r.MessageID]
	if !ok {
		return false
	}
	for _, existing := range m.Reactions {
		if existing.sameKey(r.MessageID, r.Emoji, r.UserID) {
			return false
		}
	}
	m.Reactions = append(m.Reactions, r)
	return true
}

func (s *MessageStore) removeReactionLocked(messageID, emoji, userID string) bool {
	m, ok := s.byID[messageID]
	if !ok {
		return false
	}
	for i, r := range m.Reactions {
		if r.sameKey(messageID, emoji, userID) {
			m.Reactions = append(m.Reactions[:i:i], m.Reactions[i+1:]...)
			return true
		}
	}
	return false
}

// ============================================================================
// Aggregator
// ============================================================================

// ReadReceiptRequest is the body of POST read-receipt.
type ReadReceiptRequest struct {
	MessageIDs  []string `json:"messageIds" validate:"required,min=1,dive,required"`
	WorkspaceID string   `json:"workspaceId" validate:"required"`
	ChannelID   string   `json:"channelId,omitempty" validate:"required_without=DMID,excluded_with=DMID"`
	DMID        string   `json:"dmId,omitempty" validate:"required_without=ChannelID"`
}

// ReadReceiptSender posts read receipts.
type ReadReceiptSender interface {
	MarkRead(ctx context.Context, req ReadReceiptRequest) error
}

// Aggregator applies reactions and read receipts onto a scope's store.
// Outgoing receipts for the local user are batched by visible set and
// throttled by a token bucket.
type Aggregator struct {
	store   *MessageStore
	sender  ReadReceiptSender
	userID  string
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	acked   map[string]struct{}
	pending map[string]struct{}
}

// NewAggregator creates an aggregator for store. sender may be nil when the
// local user never reports reads.
func NewAggregator(store *MessageStore, sender ReadReceiptSender, userID string, limiter *rate.Limiter, logger *slog.Logger) *Aggregator {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{
		store:   store,
		sender:  sender,
		userID:  userID,
		limiter: limiter,
		logger:  logger,
		acked:   make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}
}

// ApplyReaction applies a ReactionAdded or ReactionRemoved event. Adding an
// existing (messageId, emoji, userId) triple or removing an absent one is a
// no-op; the return value reports whether anything changed.
func (a *Aggregator) ApplyReaction(ev Event) bool {
	switch ev.(type) {
	case ReactionAdded, ReactionRemoved:
		return a.store.ApplyEvent(ev)
	default:
		return false
	}
}

// ApplyReadReceipt records that readerID has seen messageIDs. It returns the
// number of messages that were not already marked.
func (a *Aggregator) ApplyReadReceipt(messageIDs []string, readerID string) int {
	n := 0
	for _, id := range messageIDs {
		if a.store.update(id, func(m *Message) bool { return markReadBy(m, readerID) }) {
			n++
		}
	}
	return n
}

func markReadBy(m *Message, readerID string) bool {
	for _, r := range m.ReadBy {
		if r == readerID {
			return false
		}
	}
	m.ReadBy = append(m.ReadBy, readerID)
	return true
}

// MarkVisible reports the local user's reads of the visible message set.
// Messages already acknowledged and optimistic records are skipped; the rest
// go out in one call once the limiter allows it. Ids left over from a failed
// call are retried with the next batch.
func (a *Aggregator) MarkVisible(ctx context.Context, messageIDs []string) error {
	if a.sender == nil {
		return nil
	}

	a.mu.Lock()
	for _, id := range messageIDs {
		if IsTempID(id) {
			continue
		}
		if _, done := a.acked[id]; done {
			continue
		}
		a.pending[id] = struct{}{}
	}
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	batch := make([]string, 0, len(a.pending))
	for id := range a.pending {
		batch = append(batch, id)
	}
	a.pending = make(map[string]struct{})
	a.mu.Unlock()

	// Another caller already flushed this batch.
	if len(batch) == 0 {
		return nil
	}
	sort.Strings(batch)

	scope := a.store.Scope()
	err := a.sender.MarkRead(ctx, ReadReceiptRequest{
		MessageIDs:  batch,
		WorkspaceID: scope.WorkspaceID,
		ChannelID:   scope.ChannelID,
		DMID:        scope.DMID,
	})
	if err != nil {
		a.mu.Lock()
		for _, id := range batch {
			a.pending[id] = struct{}{}
		}
		a.mu.Unlock()
		a.logger.Warn("read receipt failed", "scope", scope.Key(), "count", len(batch), "error", err)
		return err
	}

	a.mu.Lock()
	for _, id := range batch {
		a.acked[id] = struct{}{}
	}
	a.mu.Unlock()
	a.ApplyReadReceipt(batch, a.userID)
	return nil
}
