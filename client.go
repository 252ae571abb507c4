// Package chatsync is the realtime sync layer of a one-to-one chat client.
//
// It owns the persistent event channel to the chat server, applies pushed
// events to client state, and sends messages optimistically.
//
// Example:
//
//	client := chatsync.NewClient("http://localhost:5000")
//	user, _ := client.Login(ctx, "ada@example.com", "secret")
//
//	sess := chatsync.NewSession(chatsync.SessionConfig{
//		Conn:    chatsync.ConnConfig{URL: "http://localhost:5000"},
//		History: chatsync.ClientHistoryLoader(client),
//	})
//	sess.Open(ctx, user.Identity())
//	defer sess.Close()
//
//	sess.Send(ctx, chatsync.Participant{ID: "agent-1"}, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultServerURL = "http://localhost:5000"
	DefaultTimeout   = 30 * time.Second

	apiPrefix = "/api"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST side of the chat server. Authentication is
// cookie based; the client keeps its own cookie jar.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cookies    string
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the HTTP client. A client without a jar gets one.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithCookies seeds the jar from a Cookie header value, as returned by
// Client.Cookies.
func WithCookies(header string) ClientOption {
	return func(c *Client) { c.cookies = header }
}

// NewClient creates a REST client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultServerURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient.Jar == nil {
		jar, _ := cookiejar.New(nil)
		c.httpClient.Jar = jar
	}
	if c.cookies != "" {
		if u, err := url.Parse(c.baseURL); err == nil {
			req := &http.Request{Header: http.Header{"Cookie": {c.cookies}}}
			c.httpClient.Jar.SetCookies(u, req.Cookies())
		}
	}
	return c
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Cookies returns the session cookies as a Cookie header value.
func (c *Client) Cookies() string {
	u, err := url.Parse(c.baseURL + apiPrefix + "/")
	if err != nil {
		return ""
	}
	var parts []string
	for _, ck := range c.httpClient.Jar.Cookies(u) {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

type userResponse struct {
	User User `json:"user"`
}

// RegisterOptions are the fields of a new account.
type RegisterOptions struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Role        Role   `json:"role,omitempty"`
}

// Session returns the user of the current cookie session.
func (c *Client) Session(ctx context.Context) (*User, error) {
	return c.userRequest(ctx, "GET", "/auth/session", nil)
}

func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	return c.userRequest(ctx, "POST", "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

func (c *Client) Register(ctx context.Context, opts *RegisterOptions) (*User, error) {
	if opts == nil {
		return nil, fmt.Errorf("register: options required")
	}
	return c.userRequest(ctx, "POST", "/auth/register", opts)
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.doRequest(ctx, "POST", "/auth/logout", nil)
	return err
}

func (c *Client) userRequest(ctx context.Context, method, path string, body any) (*User, error) {
	data, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[userResponse](data)
	if err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// ============================================================================
// Users
// ============================================================================

// AvailableUsers lists the users the caller can start a conversation with.
func (c *Client) AvailableUsers(ctx context.Context) ([]User, error) {
	data, err := c.doRequest(ctx, "GET", "/users/available-users", nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Users []User `json:"users"`
	}](data)
	if err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) Agents(ctx context.Context) ([]User, error) {
	data, err := c.doRequest(ctx, "GET", "/users/agents", nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Agents []User `json:"agents"`
	}](data)
	if err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// ============================================================================
// Messages
// ============================================================================

// ConversationMessages returns the stored history of a conversation.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := c.doRequest(ctx, "GET", "/messages/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Messages []Message `json:"messages"`
	}](data)
	if err != nil {
		return nil, err
	}
	for i := range resp.Messages {
		if resp.Messages[i].ConversationID == "" {
			resp.Messages[i].ConversationID = conversationID
		}
	}
	return resp.Messages, nil
}

// ClientHistoryLoader loads histories through the REST client.
func ClientHistoryLoader(c *Client) HistoryLoader {
	return c.ConversationMessages
}
