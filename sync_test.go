package oasis

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
)

func newTestSync(t *testing.T, api API, tr Transport) *Sync {
	t.Helper()
	policy := fastRetry()
	s := NewSync(api, tr, Options{
		User:   Identity{UserID: "me", DisplayName: "Me"},
		Retry:  &policy,
		Logger: slogt.New(t),
	})
	t.Cleanup(s.Close)
	return s
}

func TestSyncOpen(t *testing.T) {
	ctx := context.Background()
	api := pagedServer(3)
	tr := newFakeTransport()
	s := newTestSync(t, api, tr)

	sess, err := s.Open(ctx, testScope)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"m000", "m001", "m002"}, ids(sess.Snapshot())); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"+workspace-w1", "+channel-c1"}, tr.takeOps()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	again, err := s.Open(ctx, testScope)
	if err != nil || again != sess {
		t.Fatal("reopening an open scope should return the same session")
	}
	if api.called("list") != 1 {
		t.Fatalf("reopen fetched again")
	}

	if _, err := s.Open(ctx, ConversationScope{WorkspaceID: "w1", ChannelID: "c1", DMID: "d1"}); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
}

func TestSyncPushDelivery(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	s := newTestSync(t, pagedServer(1), tr)
	sess, err := s.Open(ctx, testScope)
	if err != nil {
		t.Fatal(err)
	}

	changes := 0
	sess.OnChange(func() { changes++ })

	tr.handler.HandlePush("channel-c1", pushJSON(t, KindMessageSent, "c1", "", EventPayload{ID: "m9", SenderID: "u2", Content: "yo", CreatedAt: at(9)}))
	tr.handler.HandlePush("channel-c1", pushJSON(t, KindMessageSent, "c1", "", EventPayload{ID: "m9", SenderID: "u2", Content: "yo", CreatedAt: at(9)}))
	tr.handler.HandlePush("workspace-w1", pushJSON(t, KindReactionAdded, "c1", "", EventPayload{MessageID: "m9", Emoji: "🔥", UserID: "u3"}))
	tr.handler.HandlePush("channel-c1", pushJSON(t, KindMessageEdited, "c1", "", EventPayload{ID: "m9", Content: "yo!", UpdatedAt: at(10)}))

	if changes != 3 {
		t.Fatalf("expected 3 changes, got %d", changes)
	}
	m, ok := sess.Store().Get("m9")
	if !ok || m.Content != "yo!" || len(m.Reactions) != 1 || m.Reactions[0].ID != "m9:🔥:u3" {
		t.Fatalf("unexpected message %+v", m)
	}

	tr.handler.HandlePush("channel-c1", pushJSON(t, KindMessageDeleted, "c1", "", EventPayload{ID: "m9"}))
	if _, ok := sess.Store().Get("m9"); ok {
		t.Fatal("deleted message still present")
	}
}

func TestSyncSwitch(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	s := newTestSync(t, pagedServer(2), tr)

	first, _ := s.Open(ctx, testScope)
	tr.takeOps()
	second, err := s.Switch(ctx, DMScope("w1", "d1"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"+dm-d1", "-channel-c1"}, tr.takeOps()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if _, ok := s.Session(testScope); ok {
		t.Fatal("previous session still registered")
	}
	if first.Store().Len() != 0 {
		t.Fatal("previous store not discarded")
	}
	if _, err := first.Send(ctx, "late", ""); err == nil {
		t.Fatal("closed session accepted a send")
	}

	// Late events for the old scope go nowhere.
	tr.handler.HandlePush("channel-c1", pushJSON(t, KindMessageSent, "c1", "", EventPayload{ID: "late", CreatedAt: at(1)}))
	if second.Store().Len() != 2 || first.Store().Len() != 0 {
		t.Fatal("late event for a closed scope was applied")
	}
}

func TestSyncCachePriming(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(0)
	cache.Write(ctx, testScope, []Message{msg("cached", 1)})

	api := &fakeAPI{listMessages: func(context.Context, ListQuery) (*Page, error) { return nil, errOffline }}
	policy := fastRetry()
	s := NewSync(api, nil, Options{Cache: cache, Retry: &policy, Logger: slogt.New(t)})
	defer s.Close()

	sess, err := s.Open(ctx, testScope)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	if sess == nil {
		t.Fatal("session should be returned alongside the load error")
	}
	if diff := cmp.Diff([]string{"cached"}, ids(sess.Snapshot())); diff != "" {
		t.Fatalf("cached placeholder not shown (-want +got):\n%s", diff)
	}

	api.listMessages = func(context.Context, ListQuery) (*Page, error) {
		return &Page{Messages: []Message{msg("fresh", 2)}}, nil
	}
	if _, err := sess.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"fresh"}, ids(sess.Snapshot())); diff != "" {
		t.Fatalf("placeholder not replaced (-want +got):\n%s", diff)
	}
}

func TestSyncSessionOperations(t *testing.T) {
	ctx := context.Background()
	var receipts []ReadReceiptRequest
	api := pagedServer(2)
	list := api.listMessages
	api.listMessages = func(ctx context.Context, q ListQuery) (*Page, error) {
		if q.ParentMessageID != "" {
			return &Page{}, nil
		}
		return list(ctx, q)
	}
	api.markRead = func(_ context.Context, req ReadReceiptRequest) error {
		receipts = append(receipts, req)
		return nil
	}
	s := newTestSync(t, api, newFakeTransport())
	sess, err := s.Open(ctx, testScope)
	if err != nil {
		t.Fatal(err)
	}

	sent, err := sess.Send(ctx, "hello", "m001")
	if err != nil {
		t.Fatal(err)
	}
	if p, _ := sess.Store().Get("m001"); p.ThreadReplyCount != 1 {
		t.Fatalf("reply count %d", p.ThreadReplyCount)
	}
	if sess.HasMore() {
		t.Fatal("two messages fit in one page")
	}

	thread, err := sess.LoadThread(ctx, "m001")
	if err != nil {
		t.Fatal(err)
	}
	if len(thread) == 0 || thread[len(thread)-1].ID != sent.ID {
		t.Fatalf("sent reply missing from thread: %v", ids(thread))
	}

	if err := sess.AddReaction(ctx, "m000", "👍"); err != nil {
		t.Fatal(err)
	}
	if err := sess.MarkVisible(ctx, []string{"m000", "m001"}); err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 || len(receipts[0].MessageIDs) != 2 {
		t.Fatalf("unexpected receipts %+v", receipts)
	}
	if n := sess.ApplyReadReceipt([]string{"m000"}, "u3"); n != 1 {
		t.Fatalf("marked %d", n)
	}
	if err := sess.Delete(ctx, "m000"); err != nil {
		t.Fatal(err)
	}
	if _, ok := sess.Store().Get("m000"); ok {
		t.Fatal("delete not applied")
	}
}
