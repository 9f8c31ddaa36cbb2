package oasis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// fakeAPI is an API whose behavior is set per test. Unset funcs succeed with
// zero values. Every call is counted.
type fakeAPI struct {
	listMessages   func(ctx context.Context, q ListQuery) (*Page, error)
	sendMessage    func(ctx context.Context, req SendRequest) (*Message, error)
	editMessage    func(ctx context.Context, id string, req EditRequest) (*Message, error)
	deleteMessage  func(ctx context.Context, id string) error
	addReaction    func(ctx context.Context, messageID, emoji string) (*Reaction, error)
	removeReaction func(ctx context.Context, messageID, emoji string) error
	markRead       func(ctx context.Context, req ReadReceiptRequest) error

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeAPI) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
}

func (f *fakeAPI) called(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) ListMessages(ctx context.Context, q ListQuery) (*Page, error) {
	f.count("list")
	if f.listMessages == nil {
		return &Page{}, nil
	}
	return f.listMessages(ctx, q)
}

func (f *fakeAPI) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	f.count("send")
	if f.sendMessage == nil {
		return &Message{ID: "srv-1", Content: req.Content, ParentMessageID: req.ParentMessageID}, nil
	}
	return f.sendMessage(ctx, req)
}

func (f *fakeAPI) EditMessage(ctx context.Context, id string, req EditRequest) (*Message, error) {
	f.count("edit")
	if f.editMessage == nil {
		return &Message{ID: id, Content: req.Content}, nil
	}
	return f.editMessage(ctx, id, req)
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, id string) error {
	f.count("delete")
	if f.deleteMessage == nil {
		return nil
	}
	return f.deleteMessage(ctx, id)
}

func (f *fakeAPI) AddReaction(ctx context.Context, messageID, emoji string) (*Reaction, error) {
	f.count("react")
	if f.addReaction == nil {
		return &Reaction{}, nil
	}
	return f.addReaction(ctx, messageID, emoji)
}

func (f *fakeAPI) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	f.count("unreact")
	if f.removeReaction == nil {
		return nil
	}
	return f.removeReaction(ctx, messageID, emoji)
}

func (f *fakeAPI) MarkRead(ctx context.Context, req ReadReceiptRequest) error {
	f.count("read")
	if f.markRead == nil {
		return nil
	}
	return f.markRead(ctx, req)
}

// errOffline is a transport failure: retryable.
var errOffline = &APIError{Message: "network unreachable", Err: errors.New("dial tcp: connection refused")}

var (
	testScope = ChannelScope("w1", "c1")
	t0        = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

// at returns t0 plus n seconds.
func at(n int) time.Time { return t0.Add(time.Duration(n) * time.Second) }

// msg builds a confirmed top-level message in testScope.
func msg(id string, sec int) Message {
	return Message{
		ID:          id,
		WorkspaceID: testScope.WorkspaceID,
		ChannelID:   testScope.ChannelID,
		SenderID:    "u2",
		Content:     "content of " + id,
		CreatedAt:   at(sec),
		UpdatedAt:   at(sec),
	}
}

// reply builds a reply to parentID.
func reply(id, parentID string, sec int) Message {
	m := msg(id, sec)
	m.ParentMessageID = parentID
	return m
}

// fastRetry is the default retry count with no waiting.
func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Backoff:    func(int) time.Duration { return 0 },
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func newTestPipeline(t *testing.T, api API, store *MessageStore) *Pipeline {
	t.Helper()
	return &Pipeline{
		ctx:              context.Background(),
		api:              api,
		store:            store,
		user:             Identity{UserID: "me", DisplayName: "Me"},
		retry:            fastRetry(),
		logger:           slogt.New(t),
		metrics:          NewMetrics(nil),
		now:              func() time.Time { return at(100) },
		responderTimeout: time.Second,
	}
}
