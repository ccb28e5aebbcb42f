// Package platform implements the outbound HTTP client for the platform
// messages API. Delivery is an external collaborator of the dispatcher; this
// client stays a thin wrapper around the REST surface.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/grouphour/groupbot/internal/chat"
)

const maxErrorBodyBytes = 4 << 10

// Client talks to the platform API with per-request bearer tokens.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(log *slog.Logger, endpoint string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("component", "platform")),
	}
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api status %d: %s", e.StatusCode, e.Body)
}

// SendMessage posts a message into the binder the token is scoped to.
func (c *Client) SendMessage(ctx context.Context, accessToken string, req chat.MessageRequest) error {
	_, err := c.do(ctx, http.MethodPost, "/messages", accessToken, req)
	return err
}

// BinderInfo fetches metadata about the token's binder.
func (c *Client) BinderInfo(ctx context.Context, accessToken string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/messages/binderinfo", accessToken, nil)
}

// UserInfo fetches a member profile from the token's binder.
func (c *Client) UserInfo(ctx context.Context, accessToken, userID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/messages/userinfo/"+userID, accessToken, nil)
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read platform response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(payload)
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		c.logger.Warn("platform api error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: snippet}
	}
	return payload, nil
}
