package oasis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a failed call to the messaging API.
//
// Status is the HTTP status code, or 0 when the request never produced a
// response (dial failure, reset connection, per-attempt timeout).
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Status == 0 && e.Err != nil:
		return "network: " + e.Err.Error()
	case e.Message != "":
		return fmt.Sprintf("status %d: %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("status %d", e.Status)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient: connectivity errors
// and 5xx responses. Validation and permission failures (4xx) are not.
func (e *APIError) Retryable() bool {
	if e.Status == 0 {
		return !errors.Is(e.Err, context.Canceled)
	}
	return e.Status >= 500
}

var (
	// ErrInvalidScope is returned when a scope names neither or both of a
	// channel and a DM.
	ErrInvalidScope = errors.New("oasis: scope must set exactly one of channelId or dmId")

	// ErrScopeClosed is returned by session operations after Close.
	ErrScopeClosed = errors.New("oasis: scope closed")

	// ErrNotConnected is returned by transports that have no live connection.
	ErrNotConnected = errors.New("oasis: not connected")

	// ErrPendingMessage is returned when an edit, delete or reaction targets a
	// message that has not been confirmed by the server yet.
	ErrPendingMessage = errors.New("oasis: message is still pending")
)

// ============================================================================
// Conversation Scope
// ============================================================================

// ConversationScope identifies one conversation: a channel or a DM inside a
// workspace. Exactly one of ChannelID and DMID is set.
type ConversationScope struct {
	WorkspaceID string `json:"workspaceId"`
	ChannelID   string `json:"channelId,omitempty"`
	DMID        string `json:"dmId,omitempty"`
}

// ChannelScope returns the scope of a workspace channel.
func ChannelScope(workspaceID, channelID string) ConversationScope {
	return ConversationScope{WorkspaceID: workspaceID, ChannelID: channelID}
}

// DMScope returns the scope of a direct-message conversation.
func DMScope(workspaceID, dmID string) ConversationScope {
	return ConversationScope{WorkspaceID: workspaceID, DMID: dmID}
}

// ParseScope parses the "<workspace>/channel/<id>" and "<workspace>/dm/<id>"
// forms produced by Key.
func ParseScope(s string) (ConversationScope, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return ConversationScope{}, fmt.Errorf("parse scope %q: want <workspace>/channel/<id> or <workspace>/dm/<id>", s)
	}
	switch parts[1] {
	case "channel":
		return ChannelScope(parts[0], parts[2]), nil
	case "dm":
		return DMScope(parts[0], parts[2]), nil
	default:
		return ConversationScope{}, fmt.Errorf("parse scope %q: unknown kind %q", s, parts[1])
	}
}

func (s ConversationScope) Validate() error {
	if s.WorkspaceID == "" || (s.ChannelID == "") == (s.DMID == "") {
		return ErrInvalidScope
	}
	return nil
}

// IsDM reports whether the scope is a direct-message conversation.
func (s ConversationScope) IsDM() bool { return s.DMID != "" }

// ConversationID is the channel or DM id.
func (s ConversationScope) ConversationID() string {
	if s.DMID != "" {
		return s.DMID
	}
	return s.ChannelID
}

// Key uniquely identifies the scope across workspaces.
func (s ConversationScope) Key() string {
	if s.DMID != "" {
		return s.WorkspaceID + "/dm/" + s.DMID
	}
	return s.WorkspaceID + "/channel/" + s.ChannelID
}

func (s ConversationScope) String() string { return s.Key() }

// Topic is the scope-specific push topic.
func (s ConversationScope) Topic() string {
	if s.DMID != "" {
		return "dm-" + s.DMID
	}
	return "channel-" + s.ChannelID
}

// WorkspaceTopic is the workspace-wide catch-all push topic.
func (s ConversationScope) WorkspaceTopic() string {
	return "workspace-" + s.WorkspaceID
}

// Topics lists every topic a scope listens on, workspace topic first.
func (s ConversationScope) Topics() []string {
	return []string{s.WorkspaceTopic(), s.Topic()}
}

// Matches reports whether an event addressed to channelID/dmID belongs to the
// scope. Events naming no conversation never match.
func (s ConversationScope) Matches(channelID, dmID string) bool {
	if s.DMID != "" {
		return dmID == s.DMID && channelID == ""
	}
	return channelID == s.ChannelID && dmID == "" && channelID != ""
}

// ============================================================================
// Messages
// ============================================================================

// Message is one chat message. Messages with a ParentMessageID are thread
// replies and are kept out of the main timeline.
type Message struct {
	ID                string     `json:"id"`
	WorkspaceID       string     `json:"workspaceId,omitempty"`
	ChannelID         string     `json:"channelId,omitempty"`
	DMID              string     `json:"dmId,omitempty"`
	SenderID          string     `json:"senderId"`
	SenderDisplayName string     `json:"senderName,omitempty"`
	Content           string     `json:"content"`
	ParentMessageID   string     `json:"parentMessageId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	Reactions         []Reaction `json:"reactions,omitempty"`
	ThreadReplyCount  int        `json:"threadReplyCount,omitempty"`
	Replies           []Message  `json:"replies,omitempty"`
	ReadBy            []string   `json:"readBy,omitempty"`

	// IdempotencyKey echoes the key of the send that created the message.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// Pending is set on optimistic records that the server has not confirmed.
	Pending bool `json:"-"`
}

// Scope returns the conversation the message belongs to.
func (m Message) Scope() ConversationScope {
	return ConversationScope{WorkspaceID: m.WorkspaceID, ChannelID: m.ChannelID, DMID: m.DMID}
}

// IsReply reports whether the message belongs to a thread.
func (m Message) IsReply() bool { return m.ParentMessageID != "" }

// bindScope fills the scope fields left empty by the server.
func (m *Message) bindScope(s ConversationScope) {
	if m.WorkspaceID == "" {
		m.WorkspaceID = s.WorkspaceID
	}
	if m.ChannelID == "" && m.DMID == "" {
		m.ChannelID, m.DMID = s.ChannelID, s.DMID
	}
}

// clone returns a deep copy so callers never share slices with the store.
func (m Message) clone() Message {
	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.ReadBy != nil {
		m.ReadBy = append([]string(nil), m.ReadBy...)
	}
	if m.Replies != nil {
		replies := make([]Message, len(m.Replies))
		for i, r := range m.Replies {
			replies[i] = r.clone()
		}
		m.Replies = replies
	}
	return m
}

// less is the timeline order: createdAt ascending, ties broken by id.
func less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	ID              string    `json:"id"`
	MessageID       string    `json:"messageId"`
	Emoji           string    `json:"emoji"`
	UserID          string    `json:"userId"`
	UserDisplayName string    `json:"userName,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (r Reaction) sameKey(messageID, emoji, userID string) bool {
	return r.MessageID == messageID && r.Emoji == emoji && r.UserID == userID
}

// Page is one page of the message list endpoint.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// ============================================================================
// Events
// ============================================================================

// EventKind is the wire name of a push event.
type EventKind string

const (
	KindMessageSent     EventKind = "message_sent"
	KindMessageEdited   EventKind = "message_edited"
	KindMessageDeleted  EventKind = "message_deleted"
	KindReactionAdded   EventKind = "reaction_added"
	KindReactionRemoved EventKind = "reaction_removed"
)

// Event is a decoded push event. The set of implementations is closed:
// MessageSent, MessageEdited, MessageDeleted, ReactionAdded, ReactionRemoved.
type Event interface {
	Kind() EventKind
	event()
}

// MessageSent announces a new message.
type MessageSent struct{ Message Message }

// MessageEdited carries the new content of a message.
type MessageEdited struct {
	ID        string
	Content   string
	UpdatedAt time.Time
}

// MessageDeleted removes a message.
type MessageDeleted struct{ ID string }

// ReactionAdded adds one reaction.
type ReactionAdded struct{ Reaction Reaction }

// ReactionRemoved removes the reaction identified by (MessageID, Emoji, UserID).
type ReactionRemoved struct {
	MessageID string
	Emoji     string
	UserID    string
}

func (MessageSent) Kind() EventKind     { return KindMessageSent }
func (MessageEdited) Kind() EventKind   { return KindMessageEdited }
func (MessageDeleted) Kind() EventKind  { return KindMessageDeleted }
func (ReactionAdded) Kind() EventKind   { return KindReactionAdded }
func (ReactionRemoved) Kind() EventKind { return KindReactionRemoved }

func (MessageSent) event()     {}
func (MessageEdited) event()   {}
func (MessageDeleted) event()  {}
func (ReactionAdded) event()   {}
func (ReactionRemoved) event() {}

// PushEvent is the wire schema shared by every push topic.
type PushEvent struct {
	Type      EventKind    `json:"type"`
	ChannelID *string      `json:"channelId"`
	DMID      *string      `json:"dmId"`
	Payload   EventPayload `json:"payload"`
}

// EventPayload is the union of the fields carried by the five event types.
type EventPayload struct {
	ID              string    `json:"id"`
	Content         string    `json:"content,omitempty"`
	SenderID        string    `json:"senderId,omitempty"`
	SenderName      string    `json:"senderName,omitempty"`
	ParentMessageID string    `json:"parentMessageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	MessageID       string    `json:"messageId,omitempty"`
	Emoji           string    `json:"emoji,omitempty"`
	UserID          string    `json:"userId,omitempty"`
	UserName        string    `json:"userName,omitempty"`
	IdempotencyKey  string    `json:"idempotencyKey,omitempty"`
}

// Conversation returns the channel and DM ids the event is addressed to.
func (e PushEvent) Conversation() (channelID, dmID string) {
	if e.ChannelID != nil {
		channelID = *e.ChannelID
	}
	if e.DMID != nil {
		dmID = *e.DMID
	}
	return channelID, dmID
}

// Decode maps the wire event onto its typed variant. Events missing the
// fields their variant needs are rejected.
func (e PushEvent) Decode() (Event, error) {
	p := e.Payload
	switch e.Type {
	case KindMessageSent:
		if p.ID == "" {
			return nil, fmt.Errorf("%s: missing id", e.Type)
		}
		channelID, dmID := e.Conversation()
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = p.CreatedAt
		}
		return MessageSent{Message: Message{
			ID:                p.ID,
			ChannelID:         channelID,
			DMID:              dmID,
			SenderID:          p.SenderID,
			SenderDisplayName: p.SenderName,
			Content:           p.Content,
			ParentMessageID:   p.ParentMessageID,
			CreatedAt:         p.CreatedAt,
			UpdatedAt:         updated,
			IdempotencyKey:    p.IdempotencyKey,
		}}, nil
	case KindMessageEdited:
		if p.ID == "" {
			return nil, fmt.Errorf("%s: missing id", e.Type)
		}
		return MessageEdited{ID: p.ID, Content: p.Content, UpdatedAt: p.UpdatedAt}, nil
	case KindMessageDeleted:
		if p.ID == "" {
			return nil, fmt.Errorf("%s: missing id", e.Type)
		}
		return MessageDeleted{ID: p.ID}, nil
	case KindReactionAdded:
		if p.MessageID == "" || p.Emoji == "" || p.UserID == "" {
			return nil, fmt.Errorf("%s: missing messageId, emoji or userId", e.Type)
		}
		id := p.ID
		if id == "" {
			id = p.MessageID + ":" + p.Emoji + ":" + p.UserID
		}
		return ReactionAdded{Reaction: Reaction{
			ID:              id,
			MessageID:       p.MessageID,
			Emoji:           p.Emoji,
			UserID:          p.UserID,
			UserDisplayName: p.UserName,
			CreatedAt:       p.CreatedAt,
		}}, nil
	case KindReactionRemoved:
		if p.MessageID == "" || p.Emoji == "" || p.UserID == "" {
			return nil, fmt.Errorf("%s: missing messageId, emoji or userId", e.Type)
		}
		return ReactionRemoved{MessageID: p.MessageID, Emoji: p.Emoji, UserID: p.UserID}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// TopicFrame is how transports carry a push event together with the topic
// it was published on.
type TopicFrame struct {
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event"`
}
