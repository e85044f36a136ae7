// Package client is the subscriber-side SDK: an API client for the
// control surface plus the single-leader stream machinery. Any number
// of Subscriber handles ("tabs") sharing one Bus elect exactly one
// leader, which alone holds the upstream network stream; every handle
// observes the same event sequence through the bus.
package client

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
	"strings"
	"time"

	"github.com/InsulaLabs/pulse/models"
)

const defaultTimeout = 10 * time.Second

var (
	ErrUserNotConnected = errors.New("user not connected")
	ErrUnauthorized     = errors.New("unauthorized")
)

type Config struct {
	// Endpoint is the service base, e.g. "http://127.0.0.1:8081".
	// A bare host:port defaults to http.
	Endpoint string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Client is the API client for the pulse control surface.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	// streamClient has no global timeout; subscriber streams are
	// long-lived and cancelled via request context.
	streamClient *http.Client
	logger       *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be empty")
	}

	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	baseURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint %q: %w", cfg.Endpoint, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		logger:       cfg.Logger.WithGroup("pulse_client"),
	}, nil
}

func (c *Client) doRequest(method, path string, queryParams map[string]string, body any, target *models.APIResponse) error {
	rel := &url.URL{Path: path}
	u := c.baseURL.ResolveReference(rel)

	if len(queryParams) > 0 {
		q := u.Query()
		for k, v := range queryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", u.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if target != nil {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// NotifyUser publishes a message addressed to one identity. A
// not-connected result is reported as ErrUserNotConnected, which is a
// normal outcome rather than a failure of the call.
func (c *Client) NotifyUser(userID, message, eventType string) (*models.APIResponse, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	if message == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}

	var resp models.APIResponse
	err := c.doRequest(http.MethodPost, "/api/v1/sse/notifyUser", nil, models.NotifyUserRequest{
		UserID:    userID,
		Message:   message,
		EventType: eventType,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success && strings.Contains(resp.Message, "not connected") {
		return &resp, ErrUserNotConnected
	}
	return &resp, nil
}

// Broadcast publishes a message to every connected subscriber.
func (c *Client) Broadcast(message, eventType string) (*models.APIResponse, error) {
	if message == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}

	var resp models.APIResponse
	err := c.doRequest(http.MethodPost, "/api/v1/sse/broadcastAll", nil, models.BroadcastRequest{
		Message:   message,
		EventType: eventType,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConnectedUsers returns the cluster-wide online set.
func (c *Client) ConnectedUsers() ([]string, error) {
	var resp models.APIResponse
	if err := c.doRequest(http.MethodGet, "/api/v1/sse/users", nil, nil, &resp); err != nil {
		return nil, err
	}

	// Data round-trips as generic JSON; re-decode into the typed shape.
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode users data: %w", err)
	}
	var users models.UsersData
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("failed to decode users data: %w", err)
	}
	return users.Users, nil
}

// openStream performs the subscribe request and hands back the raw
// event stream. Cancelling ctx aborts the in-flight read promptly.
func (c *Client) openStream(ctx context.Context, userID string) (io.ReadCloser, error) {
	rel := &url.URL{Path: "/api/v1/sse/subscribe"}
	u := c.baseURL.ResolveReference(rel)
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscribe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userID)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe request failed: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("subscribe failed with status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
