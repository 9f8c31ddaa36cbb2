// Package oasis keeps a workspace chat timeline in sync with the server.
//
// It merges optimistic local writes with at-least-once push events arriving
// on several topics, and exposes one deduplicated, ordered message store per
// open conversation.
//
// Example:
//
//	client := oasis.NewClient("token", oasis.WithBaseURL("https://chat.example.com/api"))
//	sync := oasis.NewSync(client, transport, oasis.Options{User: oasis.Identity{UserID: "u1"}})
//
//	session, err := sync.Open(ctx, oasis.ChannelScope("ws1", "general"))
//	msg, err := session.Send(ctx, "Hello", "")
//	older, err := session.LoadMore(ctx)
package oasis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultTimeout = 30 * time.Second
)

// API is the subset of the messaging server the sync core talks to.
// *Client implements it.
type API interface {
	ListMessages(ctx context.Context, q ListQuery) (*Page, error)
	SendMessage(ctx context.Context, req SendRequest) (*Message, error)
	EditMessage(ctx context.Context, id string, req EditRequest) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
	AddReaction(ctx context.Context, messageID, emoji string) (*Reaction, error)
	RemoveReaction(ctx context.Context, messageID, emoji string) error
	MarkRead(ctx context.Context, req ReadReceiptRequest) error
}

// ============================================================================
// Requests
// ============================================================================

// ListQuery selects one page of GET messages.
type ListQuery struct {
	Scope           ConversationScope
	Limit           int
	Offset          int
	ParentMessageID string
}

// SendRequest is the body of POST messages.
type SendRequest struct {
	WorkspaceID     string `json:"workspaceId" validate:"required"`
	ChannelID       string `json:"channelId,omitempty" validate:"required_without=DMID,excluded_with=DMID"`
	DMID            string `json:"dmId,omitempty" validate:"required_without=ChannelID"`
	Content         string `json:"content" validate:"required,max=40000"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	IdempotencyKey  string `json:"idempotencyKey,omitempty"`
}

// EditRequest is the body of PUT messages/{id}.
type EditRequest struct {
	Content string `json:"content" validate:"required,max=40000"`
}

type reactionRequest struct {
	Emoji string `json:"emoji" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateRequest checks a request body before it leaves the process. A
// failure is reported like a 400 from the server so it is never retried.
func validateRequest(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &APIError{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: err.Error()}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" "+fe.Tag())
	}
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: "invalid " + strings.Join(fields, ", "),
	}
}

// ============================================================================
// Client
// ============================================================================

// DefaultBaseURL is used when no WithBaseURL option is given.
const DefaultBaseURL = "http://localhost:3000/api"

// Client talks to the messaging REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client authenticated with token. An empty token sends
// no Authorization header.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Endpoints
// ============================================================================

func (c *Client) ListMessages(ctx context.Context, q ListQuery) (*Page, error) {
	if err := q.Scope.Validate(); err != nil {
		return nil, err
	}
	query := map[string]string{
		"workspaceId": q.Scope.WorkspaceID,
		"limit":       strconv.Itoa(q.Limit),
		"offset":      strconv.Itoa(q.Offset),
	}
	if q.Scope.DMID != "" {
		query["dmId"] = q.Scope.DMID
	} else {
		query["channelId"] = q.Scope.ChannelID
	}
	if q.ParentMessageID != "" {
		query["parentMessageId"] = q.ParentMessageID
	}

	data, err := c.doRequest(ctx, http.MethodGet, "/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Page](data)
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

func (c *Client) EditMessage(ctx context.Context, id string, req EditRequest) (*Message, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, http.MethodPut, "/messages/"+url.PathEscape(id), req, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) (*Reaction, error) {
	body := reactionRequest{Emoji: emoji}
	if err := validateRequest(body); err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reactions", body, nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &Reaction{MessageID: messageID, Emoji: emoji}, nil
	}
	return decodeJSON[Reaction](data)
}

func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	if err := validateRequest(reactionRequest{Emoji: emoji}); err != nil {
		return err
	}
	_, err := c.doRequest(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID)+"/reactions",
		nil, map[string]string{"emoji": emoji})
	return err
}

func (c *Client) MarkRead(ctx context.Context, req ReadReceiptRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/read-receipt", req, nil)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs one HTTP call. Transport failures come back as an
// *APIError with Status 0; non-2xx responses as an *APIError carrying the
// server's status and message.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return nil, &APIError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("request rejected", "method", method, "path", path, "status", resp.StatusCode)
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) *APIError {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Code    string          `json:"code"`
		Message string          `json:"message"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, &body) != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Code, apiErr.Message = body.Code, body.Message

	// "error" is either a string or {code, message}.
	var nested APIError
	var msg string
	switch {
	case json.Unmarshal(body.Error, &msg) == nil && msg != "":
		apiErr.Message = msg
	case json.Unmarshal(body.Error, &nested) == nil && nested.Message != "":
		apiErr.Message = nested.Message
		if nested.Code != "" {
			apiErr.Code = nested.Code
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeMessage accepts both a bare message and {"message": {...}}.
func decodeMessage(data []byte) (*Message, error) {
	var wrapped struct {
		Message *Message `json:"message"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Message != nil && wrapped.Message.ID != "" {
		return wrapped.Message, nil
	}
	m, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, fmt.Errorf("unmarshal response: message has no id")
	}
	return m, nil
}
