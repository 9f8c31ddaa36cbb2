package oasis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Collaborators
// ============================================================================

// Identity is the local user.
type Identity struct {
	UserID      string
	DisplayName string
}

// AutoResponder generates an automated reply after a successful send. It runs
// detached from the send and its failures are only logged.
type AutoResponder interface {
	Respond(ctx context.Context, msg Message) error
}

// AutoResponderFunc adapts a function to AutoResponder.
type AutoResponderFunc func(ctx context.Context, msg Message) error

func (f AutoResponderFunc) Respond(ctx context.Context, msg Message) error { return f(ctx, msg) }

// SendError is returned when a send fails. It carries the original input so
// the caller can restore it for the user to retry.
type SendError struct {
	Content         string
	ParentMessageID string
	Err             error
}

func (e *SendError) Error() string { return fmt.Sprintf("send message: %v", e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

// ============================================================================
// Delivery Pipeline
// ============================================================================

// Pipeline owns outbound writes for one scope. Every write is applied to the
// store first, then dispatched with retry, then reconciled or undone.
type Pipeline struct {
	ctx       context.Context
	api       API
	store     *MessageStore
	user      Identity
	retry     RetryPolicy
	responder AutoResponder
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time

	responderTimeout time.Duration
	wg               sync.WaitGroup
}

// bind derives a call context that also ends when the scope is torn down, so
// closing a conversation cancels in-flight retry timers.
func (p *Pipeline) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (p *Pipeline) policy(op string) RetryPolicy {
	return p.metrics.retryHook(p.retry, op)
}

// Send posts a new message, or a thread reply when parentMessageID is set.
// The optimistic record is visible in the store before the network call.
// On failure the record is rolled back and a *SendError is returned.
func (p *Pipeline) Send(ctx context.Context, content, parentMessageID string) (Message, error) {
	scope := p.store.Scope()
	req := SendRequest{
		WorkspaceID:     scope.WorkspaceID,
		ChannelID:       scope.ChannelID,
		DMID:            scope.DMID,
		Content:         content,
		ParentMessageID: parentMessageID,
	}
	fail := func(err error) (Message, error) {
		return Message{}, &SendError{Content: content, ParentMessageID: parentMessageID, Err: err}
	}
	if err := validateRequest(req); err != nil {
		return fail(err)
	}

	now := p.now()
	env := NewEnvelope(Message{
		WorkspaceID:       scope.WorkspaceID,
		ChannelID:         scope.ChannelID,
		DMID:              scope.DMID,
		SenderID:          p.user.UserID,
		SenderDisplayName: p.user.DisplayName,
		Content:           content,
		ParentMessageID:   parentMessageID,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if !p.store.InsertOptimistic(env) {
		return fail(ErrScopeClosed)
	}
	// Every attempt carries the same key so the server commits the message
	// at most once and the push echo can be matched to this envelope.
	req.IdempotencyKey = env.TempID

	ctx, cancel := p.bind(ctx)
	defer cancel()

	final, err := Retry(ctx, p.policy("send"), func(ctx context.Context) (*Message, error) {
		return p.api.SendMessage(ctx, req)
	})
	if err != nil {
		if p.store.Rollback(env.TempID) {
			p.metrics.Rollbacks.Inc()
		} else if m, ok := p.adopted(env.TempID); ok && (IsRetryable(err) || ctx.Err() != nil) {
			// A push echo confirmed the message while the response was lost.
			return m, nil
		}
		p.logger.Warn("send failed", "scope", scope.Key(), "temp_id", env.TempID, "error", err)
		return fail(err)
	}

	final.bindScope(scope)
	p.store.Reconcile(env.TempID, *final)
	p.logger.Debug("send confirmed", "scope", scope.Key(), "temp_id", env.TempID, "id", final.ID)
	p.respond(*final)
	return *final, nil
}

func (p *Pipeline) adopted(tempID string) (Message, bool) {
	env, ok := p.store.Envelope(tempID)
	if !ok || env.Status != EnvelopeConfirmed {
		return Message{}, false
	}
	return p.store.Get(env.FinalID)
}

func (p *Pipeline) respond(msg Message) {
	if p.responder == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("auto responder panicked", "id", msg.ID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), p.responderTimeout)
		defer cancel()
		if err := p.responder.Respond(ctx, msg); err != nil {
			p.logger.Warn("auto responder failed", "id", msg.ID, "error", err)
		}
	}()
}

// Edit replaces the content of a confirmed message.
func (p *Pipeline) Edit(ctx context.Context, id, content string) (Message, error) {
	if IsTempID(id) {
		return Message{}, ErrPendingMessage
	}
	req := EditRequest{Content: content}
	if err := validateRequest(req); err != nil {
		return Message{}, err
	}

	prev, had := p.store.Get(id)
	if had {
		p.store.update(id, func(m *Message) bool {
			if m.Content == content {
				return false
			}
			m.Content = content
			return true
		})
	}

	ctx, cancel := p.bind(ctx)
	defer cancel()

	final, err := Retry(ctx, p.policy("edit"), func(ctx context.Context) (*Message, error) {
		return p.api.EditMessage(ctx, id, req)
	})
	if err != nil {
		if had {
			p.store.update(id, func(m *Message) bool {
				// Leave newer pushed edits alone.
				if m.Content != content || !m.UpdatedAt.Equal(prev.UpdatedAt) {
					return false
				}
				m.Content = prev.Content
				return true
			})
		}
		return Message{}, err
	}

	final.bindScope(p.store.Scope())
	p.store.ApplyEvent(MessageEdited{ID: id, Content: final.Content, UpdatedAt: final.UpdatedAt})
	return *final, nil
}

// Delete removes a confirmed message. A 404 from the server counts as
// already deleted.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	if IsTempID(id) {
		return ErrPendingMessage
	}
	prev, had := p.store.Remove(id)

	ctx, cancel := p.bind(ctx)
	defer cancel()

	err := p.policy("delete").Do(ctx, func(ctx context.Context) error {
		return p.api.DeleteMessage(ctx, id)
	})
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound) {
		if had {
			p.store.Restore(prev)
		}
		return err
	}
	p.store.ApplyEvent(MessageDeleted{ID: id})
	return nil
}

// AddReaction adds the local user's emoji to a message. Reacting twice with
// the same emoji is a no-op.
func (p *Pipeline) AddReaction(ctx context.Context, id, emoji string) error {
	if IsTempID(id) {
		return ErrPendingMessage
	}
	local := Reaction{
		ID:              tempIDPrefix + uuid.NewString(),
		MessageID:       id,
		Emoji:           emoji,
		UserID:          p.user.UserID,
		UserDisplayName: p.user.DisplayName,
		CreatedAt:       p.now(),
	}
	added := p.store.ApplyEvent(ReactionAdded{Reaction: local})
	if !added {
		if _, ok := p.store.Get(id); ok {
			return nil
		}
	}

	ctx, cancel := p.bind(ctx)
	defer cancel()

	server, err := Retry(ctx, p.policy("react"), func(ctx context.Context) (*Reaction, error) {
		return p.api.AddReaction(ctx, id, emoji)
	})
	if err != nil {
		if added {
			p.store.ApplyEvent(ReactionRemoved{MessageID: id, Emoji: emoji, UserID: p.user.UserID})
		}
		return err
	}
	if added && server != nil && server.ID != "" {
		p.store.update(id, func(m *Message) bool {
			for i := range m.Reactions {
				if m.Reactions[i].ID == local.ID {
					m.Reactions[i].ID = server.ID
					return true
				}
			}
			return false
		})
	}
	return nil
}

// RemoveReaction removes the local user's emoji from a message. Removing a
// reaction the user never made is a no-op.
func (p *Pipeline) RemoveReaction(ctx context.Context, id, emoji string) error {
	if IsTempID(id) {
		return ErrPendingMessage
	}
	var prev *Reaction
	if m, ok := p.store.Get(id); ok {
		for _, r := range m.Reactions {
			if r.sameKey(id, emoji, p.user.UserID) {
				prev = &r
				break
			}
		}
		if prev == nil {
			return nil
		}
	}
	removed := p.store.ApplyEvent(ReactionRemoved{MessageID: id, Emoji: emoji, UserID: p.user.UserID})

	ctx, cancel := p.bind(ctx)
	defer cancel()

	err := p.policy("unreact").Do(ctx, func(ctx context.Context) error {
		return p.api.RemoveReaction(ctx, id, emoji)
	})
	if err != nil {
		if removed && prev != nil {
			p.store.ApplyEvent(ReactionAdded{Reaction: *prev})
		}
		return err
	}
	return nil
}

// wait blocks until detached auto responses finish.
func (p *Pipeline) wait() { p.wg.Wait() }
