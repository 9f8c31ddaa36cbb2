//go:build integration

package oasis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	oasis "github.com/adrata/oasis-go"
)

// helpers ---------------------------------------------------------------

func env(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("%s environment variable is required", key)
	}
	return v
}

func newClient(t *testing.T) *oasis.Client {
	t.Helper()
	return oasis.NewClient(env(t, "OASIS_TOKEN_TEST"), oasis.WithBaseURL(env(t, "OASIS_BASE_URL_TEST")))
}

func testScope(t *testing.T) oasis.ConversationScope {
	t.Helper()
	return oasis.ChannelScope(env(t, "OASIS_WORKSPACE_TEST"), env(t, "OASIS_CHANNEL_TEST"))
}

func uniqueContent(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// =======================================================================
// Group 1: REST client
// =======================================================================

func TestIntegration_Client_SendEditDelete(t *testing.T) {
	client := newClient(t)
	scope := testScope(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content := uniqueContent("go-integration")
	sent, err := client.SendMessage(ctx, oasis.SendRequest{
		WorkspaceID: scope.WorkspaceID,
		ChannelID:   scope.ChannelID,
		Content:     content,
	})
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if sent.ID == "" || sent.Content != content {
		t.Fatalf("unexpected message %+v", sent)
	}
	t.Logf("Send: id=%s", sent.ID)

	edited, err := client.EditMessage(ctx, sent.ID, oasis.EditRequest{Content: content + " (edited)"})
	if err != nil {
		t.Fatalf("EditMessage returned error: %v", err)
	}
	if edited.Content != content+" (edited)" {
		t.Errorf("edit not applied: %q", edited.Content)
	}

	if _, err := client.AddReaction(ctx, sent.ID, "👍"); err != nil {
		t.Errorf("AddReaction returned error: %v", err)
	}
	if err := client.RemoveReaction(ctx, sent.ID, "👍"); err != nil {
		t.Errorf("RemoveReaction returned error: %v", err)
	}

	if err := client.DeleteMessage(ctx, sent.ID); err != nil {
		t.Fatalf("DeleteMessage returned error: %v", err)
	}
}

func TestIntegration_Client_ListMessages(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := client.ListMessages(ctx, oasis.ListQuery{Scope: testScope(t), Limit: oasis.PageSize})
	if err != nil {
		t.Fatalf("ListMessages returned error: %v", err)
	}
	if len(page.Messages) > oasis.PageSize {
		t.Errorf("page larger than requested: %d", len(page.Messages))
	}
	t.Logf("List: count=%d hasMore=%v", len(page.Messages), page.HasMore)
}

// =======================================================================
// Group 2: Sync over WebSocket
// =======================================================================

func TestIntegration_Sync_SendEcho(t *testing.T) {
	client := newClient(t)
	scope := testScope(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	ws := oasis.NewWSTransport(env(t, "OASIS_BASE_URL_TEST"), &oasis.RealtimeConfig{
		Token:         env(t, "OASIS_TOKEN_TEST"),
		AutoReconnect: true,
	})
	s := oasis.NewSync(client, ws, oasis.Options{User: oasis.Identity{UserID: os.Getenv("OASIS_USER_TEST")}})
	defer s.Close()
	defer ws.Disconnect()

	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	sess, err := s.Open(ctx, scope)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	sent, err := sess.Send(ctx, uniqueContent("go-sync"), "")
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	defer client.DeleteMessage(context.Background(), sent.ID)

	// The push echo must not duplicate the confirmed message.
	time.Sleep(2 * time.Second)
	n := 0
	for _, m := range sess.Snapshot() {
		if m.ID == sent.ID {
			n++
		}
		if oasis.IsTempID(m.ID) {
			t.Errorf("temp record %s left behind", m.ID)
		}
	}
	if n != 1 {
		t.Fatalf("expected the sent message once, found %d", n)
	}
	t.Logf("Sync: state=%s", s.Subscriptions().State())
}
