package oasis

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Optimistic Envelope
// ============================================================================

// EnvelopeStatus is the state of an optimistic write.
type EnvelopeStatus string

const (
	EnvelopePending   EnvelopeStatus = "pending"
	EnvelopeConfirmed EnvelopeStatus = "confirmed"
	EnvelopeFailed    EnvelopeStatus = "failed"
)

// OptimisticEnvelope tracks a locally originated message from insertion to
// its single terminal transition: pending to confirmed, or pending to failed.
type OptimisticEnvelope struct {
	TempID  string
	FinalID string
	Status  EnvelopeStatus
	Payload Message
}

const tempIDPrefix = "temp-"

// NewEnvelope wraps payload in a pending envelope with a fresh temp id.
func NewEnvelope(payload Message) *OptimisticEnvelope {
	id := tempIDPrefix + uuid.NewString()
	payload.ID = id
	payload.Pending = true
	return &OptimisticEnvelope{TempID: id, Status: EnvelopePending, Payload: payload}
}

// IsTempID reports whether id was generated for an optimistic record.
func IsTempID(id string) bool { return strings.HasPrefix(id, tempIDPrefix) }

// ============================================================================
// Message Store
// ============================================================================

// MessageStore is the ordered, deduplicated collection of one open scope.
// Every mutation is idempotent by message id, so events may be applied in any
// order and any number of times. After Close every mutation is a no-op.
//
// Thread replies live in the same arena; Snapshot returns only the main
// timeline and Thread returns the replies of one parent.
type MessageStore struct {
	mu         sync.Mutex
	scope      ConversationScope
	msgs       []*Message
	byID       map[string]*Message
	envelopes  map[string]*OptimisticEnvelope
	tombstones map[string]struct{}
	primed     map[string]struct{}
	listeners  []func()
	closed     bool
}

// NewMessageStore creates an empty store bound to scope.
func NewMessageStore(scope ConversationScope) *MessageStore {
	return &MessageStore{
		scope:      scope,
		byID:       make(map[string]*Message),
		envelopes:  make(map[string]*OptimisticEnvelope),
		tombstones: make(map[string]struct{}),
		primed:     make(map[string]struct{}),
	}
}

// Scope returns the scope the store is bound to.
func (s *MessageStore) Scope() ConversationScope { return s.scope }

// OnChange registers fn to run after every mutation that changed the store.
// Panics in fn are recovered.
func (s *MessageStore) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.listeners = append(s.listeners, fn)
	}
}

// Close discards the arena. Later mutations are ignored.
func (s *MessageStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.msgs = nil
	s.byID = make(map[string]*Message)
	s.envelopes = make(map[string]*OptimisticEnvelope)
	s.listeners = nil
}

// mutate runs fn under the lock and notifies listeners when it reports a
// change.
func (s *MessageStore) mutate(fn func() bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	changed := fn()
	listeners := s.listeners
	s.mu.Unlock()

	if changed {
		for _, h := range listeners {
			func() {
				defer func() { recover() }()
				h()
			}()
		}
	}
	return changed
}

// ── Reads ────────────────────────────────────────────────

// Snapshot returns the main timeline ordered by (createdAt, id).
func (s *MessageStore) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if !m.IsReply() {
			out = append(out, m.clone())
		}
	}
	return out
}

// Confirmed is Snapshot without pending optimistic records.
func (s *MessageStore) Confirmed() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if !m.IsReply() && !m.Pending {
			out = append(out, m.clone())
		}
	}
	return out
}

// Thread returns the replies to parentID held by the store, in order.
func (s *MessageStore) Thread(parentID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if m.ParentMessageID == parentID {
			out = append(out, m.clone())
		}
	}
	return out
}

// Get returns the message with the given id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Len is the number of messages on the main timeline.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if !m.IsReply() {
			n++
		}
	}
	return n
}

// Envelope returns a copy of the envelope created for tempID.
func (s *MessageStore) Envelope(tempID string) (OptimisticEnvelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envelopes[tempID]
	if !ok {
		return OptimisticEnvelope{}, false
	}
	return *env, true
}

// ── Push events ──────────────────────────────────────────

// ApplyEvent merges a push event. It reports whether the store changed;
// duplicates, stale edits and events for unknown messages are absorbed.
func (s *MessageStore) ApplyEvent(ev Event) bool {
	return s.mutate(func() bool {
		switch e := ev.(type) {
		case MessageSent:
			return s.applySentLocked(e.Message)
		case MessageEdited:
			return s.applyEditLocked(e)
		case MessageDeleted:
			return s.applyDeleteLocked(e.ID)
		case ReactionAdded:
			return s.addReactionLocked(e.Reaction)
		case ReactionRemoved:
			return s.removeReactionLocked(e.MessageID, e.Emoji, e.UserID)
		default:
			return false
		}
	})
}

func (s *MessageStore) applySentLocked(m Message) bool {
	if _, dead := s.tombstones[m.ID]; dead {
		return false
	}
	if _, ok := s.byID[m.ID]; ok {
		return false
	}
	if env := s.matchPendingLocked(m); env != nil {
		s.confirmLocked(env, m)
		return true
	}
	m.Pending = false
	m.bindScope(s.scope)
	s.insertLocked(&m)
	if m.IsReply() {
		s.bumpRepliesLocked(m.ParentMessageID, 1)
	}
	return true
}

// echoSkew bounds how much older than the optimistic record a server
// message may be and still be taken for its echo.
const echoSkew = time.Minute

// matchPendingLocked finds the pending envelope that m confirms. A message
// carrying an idempotency key matches only the envelope of that key. Without
// one, the oldest pending envelope with the same sender, content and parent
// is taken.
func (s *MessageStore) matchPendingLocked(m Message) *OptimisticEnvelope {
	if m.IdempotencyKey != "" {
		if env, ok := s.envelopes[m.IdempotencyKey]; ok && env.Status == EnvelopePending {
			return env
		}
		return nil
	}
	if m.SenderID == "" {
		return nil
	}
	var best *OptimisticEnvelope
	for _, env := range s.envelopes {
		p := env.Payload
		if env.Status != EnvelopePending || p.SenderID != m.SenderID ||
			p.Content != m.Content || p.ParentMessageID != m.ParentMessageID {
			continue
		}
		if !m.CreatedAt.IsZero() && m.CreatedAt.Add(echoSkew).Before(p.CreatedAt) {
			continue
		}
		if best == nil || less(&p, &best.Payload) {
			best = env
		}
	}
	return best
}

func (s *MessageStore) applyEditLocked(e MessageEdited) bool {
	m, ok := s.byID[e.ID]
	if !ok || m.Pending {
		return false
	}
	switch {
	case e.UpdatedAt.IsZero():
		if m.Content == e.Content {
			return false
		}
	case e.UpdatedAt.Before(m.UpdatedAt):
		return false
	case e.UpdatedAt.Equal(m.UpdatedAt) && e.Content <= m.Content:
		return false
	}
	m.Content = e.Content
	if !e.UpdatedAt.IsZero() {
		m.UpdatedAt = e.UpdatedAt
	}
	return true
}

func (s *MessageStore) applyDeleteLocked(id string) bool {
	s.tombstones[id] = struct{}{}
	m, ok := s.removeLocked(id)
	if !ok {
		return false
	}
	if m.IsReply() {
		s.bumpRepliesLocked(m.ParentMessageID, -1)
	}
	return true
}

// ── Optimistic writes ────────────────────────────────────

// InsertOptimistic adds the pending record of env. It reports false if the
// store is closed or the envelope is already known.
func (s *MessageStore) InsertOptimistic(env *OptimisticEnvelope) bool {
	return s.mutate(func() bool {
		if _, ok := s.envelopes[env.TempID]; ok || env.Status != EnvelopePending {
			return false
		}
		stored := *env
		stored.Payload.ID = env.TempID
		stored.Payload.Pending = true
		stored.Payload.bindScope(s.scope)
		s.envelopes[env.TempID] = &stored

		m := stored.Payload.clone()
		s.insertLocked(&m)
		if m.IsReply() {
			s.bumpRepliesLocked(m.ParentMessageID, 1)
		}
		return true
	})
}

// Reconcile confirms the envelope of tempID with the server's record. The
// temp record is swapped for the final one in a single critical section. If
// a push already delivered the final message, the temp record is dropped and
// the two server copies are merged.
func (s *MessageStore) Reconcile(tempID string, final Message) bool {
	return s.mutate(func() bool {
		env, ok := s.envelopes[tempID]
		if !ok {
			return false
		}
		final.Pending = false
		final.bindScope(s.scope)

		if env.Status != EnvelopePending {
			// Confirmed early by a matching push that turned out to be a
			// different message; keep both server records.
			if env.Status == EnvelopeConfirmed && final.ID != env.FinalID {
				return s.applySentLocked(final)
			}
			return false
		}

		if existing, ok := s.byID[final.ID]; ok {
			temp, _ := s.removeLocked(tempID)
			if temp != nil && temp.IsReply() {
				s.bumpRepliesLocked(temp.ParentMessageID, -1)
			}
			env.Status = EnvelopeConfirmed
			env.FinalID = final.ID
			if final.UpdatedAt.After(existing.UpdatedAt) {
				existing.Content = final.Content
				existing.UpdatedAt = final.UpdatedAt
			}
			return true
		}
		s.confirmLocked(env, final)
		return true
	})
}

func (s *MessageStore) confirmLocked(env *OptimisticEnvelope, final Message) {
	temp, _ := s.removeLocked(env.TempID)
	env.Status = EnvelopeConfirmed
	env.FinalID = final.ID

	if _, dead := s.tombstones[final.ID]; dead {
		if temp != nil && temp.IsReply() {
			s.bumpRepliesLocked(temp.ParentMessageID, -1)
		}
		return
	}
	final.Pending = false
	final.bindScope(s.scope)
	if temp != nil {
		if final.CreatedAt.IsZero() {
			final.CreatedAt = temp.CreatedAt
		}
		if final.UpdatedAt.IsZero() {
			final.UpdatedAt = final.CreatedAt
		}
		if len(final.Reactions) == 0 {
			final.Reactions = temp.Reactions
		}
	}
	s.insertLocked(&final)
}

// Rollback removes the pending record of tempID and fails its envelope.
func (s *MessageStore) Rollback(tempID string) bool {
	return s.mutate(func() bool {
		env, ok := s.envelopes[tempID]
		if !ok || env.Status != EnvelopePending {
			return false
		}
		env.Status = EnvelopeFailed
		m, ok := s.removeLocked(tempID)
		if ok && m.IsReply() {
			s.bumpRepliesLocked(m.ParentMessageID, -1)
		}
		return true
	})
}

// ── Fetched state ────────────────────────────────────────

// Prime paints cached messages before the first fetch. Primed records are
// dropped by the next Replace unless the server returns them.
func (s *MessageStore) Prime(msgs []Message) {
	s.mutate(func() bool {
		changed := false
		for _, m := range msgs {
			if _, ok := s.byID[m.ID]; ok || IsTempID(m.ID) {
				continue
			}
			if _, dead := s.tombstones[m.ID]; dead {
				continue
			}
			m := m.clone()
			m.Pending = false
			m.bindScope(s.scope)
			s.insertLocked(&m)
			s.primed[m.ID] = struct{}{}
			changed = true
		}
		return changed
	})
}

// Replace installs the newest page returned by the server. Pending records,
// loaded thread replies, and pushed messages newer than the page survive.
func (s *MessageStore) Replace(msgs []Message) {
	s.mutate(func() bool {
		var newest time.Time
		fetched := make(map[string]struct{}, len(msgs))
		for _, m := range msgs {
			fetched[m.ID] = struct{}{}
			if !m.IsReply() && m.CreatedAt.After(newest) {
				newest = m.CreatedAt
			}
		}

		for _, m := range append([]*Message(nil), s.msgs...) {
			if m.Pending || m.IsReply() {
				continue
			}
			if _, ok := fetched[m.ID]; ok {
				continue
			}
			_, primed := s.primed[m.ID]
			if primed || !m.CreatedAt.After(newest) {
				s.removeLocked(m.ID)
			}
		}
		s.primed = make(map[string]struct{})

		for _, m := range msgs {
			s.upsertLocked(m)
		}
		return true
	})
}

// MergeOlder inserts messages not yet in the store and returns them in order.
func (s *MessageStore) MergeOlder(msgs []Message) []Message {
	var added []Message
	s.mutate(func() bool {
		for _, m := range msgs {
			if _, ok := s.byID[m.ID]; ok {
				continue
			}
			if _, dead := s.tombstones[m.ID]; dead {
				continue
			}
			m := m.clone()
			if env := s.matchPendingLocked(m); env != nil {
				s.confirmLocked(env, m)
				if got, ok := s.byID[m.ID]; ok {
					added = append(added, got.clone())
				}
				continue
			}
			m.Pending = false
			m.bindScope(s.scope)
			s.insertLocked(&m)
			added = append(added, m.clone())
		}
		return len(added) > 0
	})
	sortMessages(added)
	return added
}

// MergeThread stores fetched replies of parentID. Reply counts are left as
// the server reported them.
func (s *MessageStore) MergeThread(parentID string, replies []Message) {
	s.mutate(func() bool {
		changed := false
		for _, r := range replies {
			if r.ParentMessageID == "" {
				r.ParentMessageID = parentID
			}
			if s.upsertLocked(r) {
				changed = true
			}
		}
		return changed
	})
}

// Upsert installs a server record, replacing an older copy with the same id.
func (s *MessageStore) Upsert(m Message) bool {
	return s.mutate(func() bool { return s.upsertLocked(m) })
}

func (s *MessageStore) upsertLocked(m Message) bool {
	if _, dead := s.tombstones[m.ID]; dead {
		return false
	}
	m = m.clone()
	m.Pending = false
	m.bindScope(s.scope)
	if existing, ok := s.byID[m.ID]; ok {
		if m.UpdatedAt.Before(existing.UpdatedAt) {
			return false
		}
		s.removeLocked(m.ID)
	} else if env := s.matchPendingLocked(m); env != nil {
		s.confirmLocked(env, m)
		return true
	}
	s.insertLocked(&m)
	return true
}

// Remove takes a message out of the store without tombstoning it, so that
// Restore can put it back.
func (s *MessageStore) Remove(id string) (Message, bool) {
	var removed *Message
	s.mutate(func() bool {
		m, ok := s.removeLocked(id)
		if !ok {
			return false
		}
		if m.IsReply() {
			s.bumpRepliesLocked(m.ParentMessageID, -1)
		}
		removed = m
		return true
	})
	if removed == nil {
		return Message{}, false
	}
	return removed.clone(), true
}

// Restore puts back a message taken out by Remove unless it was deleted in
// the meantime.
func (s *MessageStore) Restore(m Message) bool {
	return s.mutate(func() bool {
		if _, dead := s.tombstones[m.ID]; dead {
			return false
		}
		if _, ok := s.byID[m.ID]; ok {
			return false
		}
		m := m.clone()
		s.insertLocked(&m)
		if m.IsReply() {
			s.bumpRepliesLocked(m.ParentMessageID, 1)
		}
		return true
	})
}

// update applies fn to the message with the given id.
func (s *MessageStore) update(id string, fn func(m *Message) bool) bool {
	return s.mutate(func() bool {
		m, ok := s.byID[id]
		if !ok {
			return false
		}
		return fn(m)
	})
}

// ── Arena internals ──────────────────────────────────────

func (s *MessageStore) insertLocked(m *Message) {
	i := sort.Search(len(s.msgs), func(i int) bool { return !less(s.msgs[i], m) })
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
	s.byID[m.ID] = m
}

func (s *MessageStore) removeLocked(id string) (*Message, bool) {
	m, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	delete(s.byID, id)
	i := sort.Search(len(s.msgs), func(i int) bool { return !less(s.msgs[i], m) })
	for ; i < len(s.msgs); i++ {
		if s.msgs[i] == m {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			break
		}
	}
	return m, true
}

func (s *MessageStore) bumpRepliesLocked(parentID string, delta int) {
	if p, ok := s.byID[parentID]; ok {
		p.ThreadReplyCount += delta
		if p.ThreadReplyCount < 0 {
			p.ThreadReplyCount = 0
		}
	}
}
