package oasis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// wsServer is a minimal push server: it authenticates, echoes commands to
// the commands channel, answers pings, and pushes whatever is sent on frames.
type wsServer struct {
	*httptest.Server
	commands chan RealtimeCommand
	frames   chan []byte
	conns    atomic.Int32
	// dropFirst closes the first connection right after authenticating.
	dropFirst bool
}

func newWSServer(t *testing.T, dropFirst bool) *wsServer {
	t.Helper()
	s := &wsServer{
		commands:  make(chan RealtimeCommand, 32),
		frames:    make(chan []byte, 32),
		dropFirst: dropFirst,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" || r.Header.Get("Authorization") != "Bearer tok" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusInternalError, "")
	ctx := r.Context()

	n := s.conns.Add(1)
	c.Write(ctx, websocket.MessageText, []byte(`{"type":"authenticated","payload":{"userId":"u1"}}`))
	if s.dropFirst && n == 1 {
		c.Close(websocket.StatusGoingAway, "restart")
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-s.frames:
				c.Write(ctx, websocket.MessageText, f)
			}
		}
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type    string            `json:"type"`
			Payload map[string]string `json:"payload"`
		}
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		if cmd.Type == "ping" {
			pong, _ := json.Marshal(map[string]any{
				"type":    "pong",
				"payload": map[string]string{"requestId": cmd.Payload["requestId"]},
			})
			c.Write(ctx, websocket.MessageText, pong)
			continue
		}
		s.commands <- RealtimeCommand{Type: cmd.Type, Payload: cmd.Payload["topic"]}
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestReconnectorDelay(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  5 * time.Second,
	})
	var prev time.Duration
	for i := 0; i < 6; i++ {
		d, n := r.nextDelay()
		if n != i+1 {
			t.Fatalf("attempt %d reported as %d", i+1, n)
		}
		if d > 5*time.Second {
			t.Fatalf("attempt %d: delay %v exceeds max", i, d)
		}
		if d < prev && prev < 5*time.Second {
			t.Fatalf("attempt %d: delay %v shrank from %v", i, d, prev)
		}
		prev = d
	}
	if prev != 5*time.Second {
		t.Fatalf("expected delay capped at 5s, got %v", prev)
	}

	limited := newReconnector(&RealtimeConfig{MaxReconnectAttempts: 2})
	limited.nextDelay()
	limited.nextDelay()
	if limited.shouldReconnect() {
		t.Fatal("expected attempt budget to be exhausted")
	}
	if !newReconnector(&RealtimeConfig{}).shouldReconnect() {
		t.Fatal("zero attempts should mean unlimited")
	}
}

func TestReconnectorConcurrentReset(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  5 * time.Millisecond,
	})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if r.shouldReconnect() {
				r.nextDelay()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.markConnected()
			r.reset()
		}
	}()
	wg.Wait()

	r.reset()
	if _, n := r.nextDelay(); n != 1 {
		t.Fatalf("reset did not restart the sequence: attempt %d", n)
	}
}

func TestWSTransport(t *testing.T) {
	srv := newWSServer(t, false)
	ws := NewWSTransport(srv.URL, &RealtimeConfig{Token: "tok"})
	h := newRecordingHandler()
	ws.Bind(h)
	t.Cleanup(func() { ws.Disconnect() })

	ctx := context.Background()
	if err := ws.Subscribe(ctx, "channel-c1"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}

	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitSignal(t, h.reconnected, "initial reconnect callback")
	if ws.State() != StateConnected {
		t.Fatalf("expected connected, got %s", ws.State())
	}

	t.Run("subscribe command", func(t *testing.T) {
		if err := ws.Subscribe(ctx, "channel-c1"); err != nil {
			t.Fatal(err)
		}
		select {
		case cmd := <-srv.commands:
			if cmd.Type != "subscribe" || cmd.Payload != "channel-c1" {
				t.Fatalf("unexpected command %+v", cmd)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no subscribe command received")
		}
	})

	t.Run("event frame pushed", func(t *testing.T) {
		srv.frames <- []byte(`{"type":"event","payload":{"topic":"channel-c1","event":{"type":"message_deleted","channelId":"c1","payload":{"id":"m1"}}}}`)
		deadline := time.Now().Add(5 * time.Second)
		for len(h.snapshot()) == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		got := h.snapshot()
		if len(got) != 1 || got[0].topic != "channel-c1" {
			t.Fatalf("unexpected pushes %+v", got)
		}
	})

	t.Run("ping", func(t *testing.T) {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		pong, err := ws.Ping(pctx)
		if err != nil {
			t.Fatal(err)
		}
		if pong.RequestID == "" {
			t.Fatal("empty pong request id")
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		if err := ws.Disconnect(); err != nil {
			t.Fatal(err)
		}
		if ws.State() != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", ws.State())
		}
		if err := ws.Unsubscribe(ctx, "channel-c1"); err != ErrNotConnected {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestWSTransportReconnect(t *testing.T) {
	srv := newWSServer(t, true)
	ws := NewWSTransport(srv.URL, &RealtimeConfig{
		Token:              "tok",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	})
	h := newRecordingHandler()
	ws.Bind(h)
	t.Cleanup(func() { ws.Disconnect() })

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, h.reconnected, "first connect")
	waitSignal(t, h.reconnected, "reconnect after drop")

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disconnects != 1 {
		t.Fatalf("expected 1 disconnect, got %d", h.disconnects)
	}
	if srv.conns.Load() < 2 {
		t.Fatalf("expected a second connection, got %d", srv.conns.Load())
	}
}

func TestWSTransportRejectedAuth(t *testing.T) {
	srv := newWSServer(t, false)
	ws := NewWSTransport(srv.URL, &RealtimeConfig{Token: "wrong"})
	if err := ws.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if ws.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ws.State())
	}
}
