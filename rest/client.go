// Package rest is the typed HTTP client for the OneStop REST API. The
// realtime stores use it for initial snapshots; incremental updates arrive
// over the websocket channel instead.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"onestop/domain"
)

const defaultTimeout = 15 * time.Second

// Client talks to the OneStop API with a bearer credential.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the given API base URL, e.g.
// http://localhost:8000. Token may be empty until Login.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// SetToken replaces the bearer credential used on subsequent requests.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the current bearer credential.
func (c *Client) Token() string { return c.token }

// LoginResult is the response of a successful login.
type LoginResult struct {
	Token string             `json:"token"`
	User  domain.UserSummary `json:"user"`
}

// Login exchanges credentials for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	body := map[string]string{"email": email, "password": password}
	var res LoginResult
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &res); err != nil {
		return nil, err
	}
	c.token = res.Token
	return &res, nil
}

// Users lists platform users (dev server helper for picking a chat target).
func (c *Client) Users(ctx context.Context) ([]domain.UserSummary, error) {
	var res []domain.UserSummary
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Notifications fetches the full notification snapshot, newest first.
func (c *Client) Notifications(ctx context.Context) ([]domain.Notification, error) {
	var res []domain.Notification
	if err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// MarkNotificationRead acknowledges a single notification.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+id+"/read", nil, nil)
}

// MarkAllNotificationsRead acknowledges every notification.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil)
}

// Conversations fetches the session user's thread list.
func (c *Client) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	var res []domain.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// ConversationWith returns the thread with the target user, creating it if
// none exists yet. At-most-one-thread-per-pair is enforced server side.
func (c *Client) ConversationWith(ctx context.Context, userID string) (*domain.Conversation, error) {
	body := map[string]string{"participant_id": userID}
	var res domain.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Messages fetches the most recent page of a conversation in chronological
// order. Limit <= 0 uses the server default.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages", conversationID)
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var res []domain.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s: %w", method, path, readAPIError(resp.Body), statusErr(resp.StatusCode))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

// statusErr maps HTTP status codes to domain sentinels so callers can use
// errors.Is.
func statusErr(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusNotFound:
		return domain.ErrNotFound
	default:
		if code >= 500 {
			return domain.ErrInternal
		}
		return fmt.Errorf("unexpected status %d", code)
	}
}

func readAPIError(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return "request failed"
}
