// Package httpgateway implements chat.Gateway against the /conversations REST API.
package httpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/chatsync/plugin/chat"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Client talks to a chatsync server on behalf of one authenticated user.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// New creates a client for the server at baseURL using a bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type messagesBody struct {
	Messages []chat.Message `json:"messages"`
}

type titleBody struct {
	Title string `json:"title"`
}

func (c *Client) Create(ctx context.Context, messages []chat.Message) (*chat.Conversation, error) {
	var conv chat.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", "", messagesBody{Messages: messages}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) Get(ctx context.Context, id string) (*chat.Conversation, error) {
	var conv chat.Conversation
	if err := c.do(ctx, http.MethodGet, conversationPath(id), id, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) Update(ctx context.Context, id string, messages []chat.Message) (*chat.Conversation, error) {
	var conv chat.Conversation
	if err := c.do(ctx, http.MethodPut, conversationPath(id), id, messagesBody{Messages: messages}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) List(ctx context.Context) ([]chat.Summary, error) {
	var summaries []chat.Summary
	if err := c.do(ctx, http.MethodGet, "/conversations", "", nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (c *Client) Rename(ctx context.Context, id, title string) error {
	return c.do(ctx, http.MethodPut, conversationPath(id), id, titleBody{Title: title}, nil)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, conversationPath(id), id, nil, nil)
}

// ServerVersion returns the version reported by the server health check.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	var health struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/healthz", "", nil, &health); err != nil {
		return "", err
	}
	return health.Version, nil
}

func conversationPath(id string) string {
	return "/conversations/" + url.PathEscape(id)
}

// do sends one request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path, id string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return chat.TransportError("failed to encode request", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return chat.TransportError("failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return chat.TransportError(method+" "+path+" failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp, id)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return chat.TransportError("failed to decode response", err)
	}
	return nil
}

// statusError maps a non-2xx response back to its error kind.
func statusError(resp *http.Response, id string) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}
	if payload.Error == "" {
		payload.Error = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return chat.ValidationError(payload.Error)
	case http.StatusUnauthorized:
		return chat.UnauthorizedError(payload.Error)
	case http.StatusNotFound:
		return chat.NotFoundError(id)
	default:
		return chat.TransportError("server error", errors.Errorf("status %d: %s", resp.StatusCode, payload.Error))
	}
}
