package oasis

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Oasis-Signature"

// maxWebhookBody bounds a single pushed frame.
const maxWebhookBody = 1 << 20

// ============================================================================
// Signatures
// ============================================================================

// VerifySignature reports whether signature is the hex HMAC-SHA256 of body
// under secret. An optional "sha256=" prefix is accepted.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := Sign(body, secret)
	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ============================================================================
// WebhookTransport
// ============================================================================

// WebhookTransport is a Transport for deployments where the server POSTs
// signed topic frames to an HTTP endpoint instead of holding a socket open.
// Subscribe and Unsubscribe only filter locally; frames for topics nobody
// subscribed to are acknowledged and dropped.
type WebhookTransport struct {
	secret string
	logger *slog.Logger

	mu      sync.RWMutex
	topics  map[string]struct{}
	handler TransportHandler
}

// NewWebhookTransport creates a transport that accepts frames signed with
// secret.
func NewWebhookTransport(secret string, logger *slog.Logger) (*WebhookTransport, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebhookTransport{
		secret: secret,
		logger: logger,
		topics: make(map[string]struct{}),
	}, nil
}

// Bind implements Transport. The endpoint is always reachable, so the
// handler is told it is connected right away.
func (w *WebhookTransport) Bind(h TransportHandler) {
	w.mu.Lock()
	w.handler = h
	w.mu.Unlock()
	h.HandleReconnect(context.Background())
}

// Subscribe implements Transport.
func (w *WebhookTransport) Subscribe(_ context.Context, topic string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe implements Transport.
func (w *WebhookTransport) Unsubscribe(_ context.Context, topic string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.topics, topic)
	return nil
}

// Subscribed reports whether topic is currently accepted.
func (w *WebhookTransport) Subscribed(topic string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.topics[topic]
	return ok
}

// Handle verifies and dispatches one frame. It returns the status code and
// response body for the caller to write.
func (w *WebhookTransport) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	var frame TopicFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid JSON in webhook body: %v", err)}
	}
	if frame.Topic == "" || len(frame.Event) == 0 {
		return http.StatusBadRequest, map[string]string{"error": "missing topic or event"}
	}

	w.mu.RLock()
	_, ok := w.topics[frame.Topic]
	handler := w.handler
	w.mu.RUnlock()

	if !ok || handler == nil {
		w.logger.Debug("ignoring frame for unsubscribed topic", "topic", frame.Topic)
		return http.StatusOK, map[string]bool{"ok": true}
	}
	handler.HandlePush(frame.Topic, frame.Event)
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP implements http.Handler.
//
//	wt, _ := oasis.NewWebhookTransport("secret", logger)
//	sync := oasis.NewSync(client, wt, opts)
//	http.Handle("/oasis/push", wt)
func (w *WebhookTransport) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	defer r.Body.Close()
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}

	status, data := w.Handle(body, r.Header.Get(SignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
