package oasis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

// newTestServer answers every request with status and body and records it.
func newTestServer(t *testing.T, status int, body string) (*Client, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		reqs = append(reqs, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(b),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return NewClient("tok", WithBaseURL(srv.URL+"/api/"), WithLogger(slogt.New(t))), &reqs
}

func TestClientListMessages(t *testing.T) {
	c, reqs := newTestServer(t, 200, `{"messages":[{"id":"m1","senderId":"u1","content":"hi","createdAt":"2026-03-01T09:00:00Z","updatedAt":"2026-03-01T09:00:00Z"}],"hasMore":true}`)

	page, err := c.ListMessages(context.Background(), ListQuery{Scope: DMScope("w1", "d1"), Limit: 50, Offset: 100, ParentMessageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if !page.HasMore || len(page.Messages) != 1 || page.Messages[0].ID != "m1" {
		t.Fatalf("unexpected page %+v", page)
	}
	want := recordedRequest{
		Method: http.MethodGet,
		Path:   "/api/messages",
		Query:  "dmId=d1&limit=50&offset=100&parentMessageId=p1&workspaceId=w1",
		Auth:   "Bearer tok",
	}
	if diff := cmp.Diff(want, (*reqs)[0]); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	if _, err := c.ListMessages(context.Background(), ListQuery{Scope: ConversationScope{WorkspaceID: "w1"}}); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
}

func TestClientSendMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare", `{"id":"m1","content":"hello"}`},
		{"wrapped", `{"message":{"id":"m1","content":"hello"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, reqs := newTestServer(t, 201, tt.body)
			m, err := c.SendMessage(context.Background(), SendRequest{WorkspaceID: "w1", ChannelID: "c1", Content: "hello"})
			if err != nil {
				t.Fatal(err)
			}
			if m.ID != "m1" || m.Content != "hello" {
				t.Fatalf("unexpected message %+v", m)
			}
			var sent map[string]any
			json.Unmarshal([]byte((*reqs)[0].Body), &sent)
			want := map[string]any{"workspaceId": "w1", "channelId": "c1", "content": "hello"}
			if diff := cmp.Diff(want, sent); diff != "" {
				t.Fatalf("body (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("idempotency key", func(t *testing.T) {
		c, reqs := newTestServer(t, 201, `{"id":"m1","content":"hello","idempotencyKey":"temp-1"}`)
		m, err := c.SendMessage(context.Background(), SendRequest{WorkspaceID: "w1", ChannelID: "c1", Content: "hello", IdempotencyKey: "temp-1"})
		if err != nil {
			t.Fatal(err)
		}
		if m.IdempotencyKey != "temp-1" {
			t.Fatalf("key not decoded: %+v", m)
		}
		var sent map[string]any
		json.Unmarshal([]byte((*reqs)[0].Body), &sent)
		if sent["idempotencyKey"] != "temp-1" {
			t.Fatalf("key missing from body: %v", sent)
		}
	})

	t.Run("invalid request never sent", func(t *testing.T) {
		c, reqs := newTestServer(t, 201, `{}`)
		_, err := c.SendMessage(context.Background(), SendRequest{WorkspaceID: "w1", ChannelID: "c1", DMID: "d1", Content: "x"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 400 || apiErr.Retryable() {
			t.Fatalf("expected non-retryable validation error, got %v", err)
		}
		if len(*reqs) != 0 {
			t.Fatal("invalid request reached the server")
		}
	})
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  string
		wantMsg   string
		retryable bool
	}{
		{"string error", 403, `{"error":"not a member"}`, "", "not a member", false},
		{"nested error", 400, `{"error":{"code":"TOO_LONG","message":"content too long"}}`, "TOO_LONG", "content too long", false},
		{"flat error", 409, `{"code":"CONFLICT","message":"edited elsewhere"}`, "CONFLICT", "edited elsewhere", false},
		{"plain text", 502, `bad gateway`, "", "bad gateway", true},
		{"empty", 500, ``, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestServer(t, tt.status, tt.body)
			err := c.DeleteMessage(context.Background(), "m1")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.Status != tt.status || apiErr.Code != tt.wantCode || apiErr.Message != tt.wantMsg {
				t.Fatalf("unexpected error %+v", apiErr)
			}
			if apiErr.Retryable() != tt.retryable {
				t.Fatalf("retryable = %v, want %v", apiErr.Retryable(), tt.retryable)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c := NewClient("", WithBaseURL(srv.URL))
		_, err := c.SendMessage(context.Background(), SendRequest{WorkspaceID: "w1", ChannelID: "c1", Content: "x"})
		if !IsRetryable(err) {
			t.Fatalf("expected retryable transport error, got %v", err)
		}
	})
}

func TestClientReactionsAndReceipts(t *testing.T) {
	ctx := context.Background()

	c, reqs := newTestServer(t, 200, ``)
	r, err := c.AddReaction(ctx, "m 1", "👍")
	if err != nil {
		t.Fatal(err)
	}
	if r.MessageID != "m 1" || r.Emoji != "👍" {
		t.Fatalf("unexpected reaction %+v", r)
	}
	if err := c.RemoveReaction(ctx, "m 1", "👍"); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkRead(ctx, ReadReceiptRequest{MessageIDs: []string{"m1"}, WorkspaceID: "w1", ChannelID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkRead(ctx, ReadReceiptRequest{WorkspaceID: "w1", ChannelID: "c1"}); err == nil {
		t.Fatal("empty receipt accepted")
	}

	got := *reqs
	if len(got) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(got))
	}
	if got[0].Method != http.MethodPost || got[0].Path != "/api/messages/m 1/reactions" || got[0].Body != `{"emoji":"👍"}` {
		t.Fatalf("unexpected add %+v", got[0])
	}
	if got[1].Method != http.MethodDelete || got[1].Query != "emoji=%F0%9F%91%8D" {
		t.Fatalf("unexpected remove %+v", got[1])
	}
	if got[2].Path != "/api/read-receipt" || got[2].Body != `{"messageIds":["m1"],"workspaceId":"w1","channelId":"c1"}` {
		t.Fatalf("unexpected receipt %+v", got[2])
	}
}
