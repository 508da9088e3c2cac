// Package gateway is the Session Gateway Client (spec §4.H): a thin HTTP
// transport for spawning agent sessions on the external session gateway.
// It carries no policy — rate limiting, dedup, and retry all live in the
// Dispatcher.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SpawnRequest is the payload sent to the gateway's spawn endpoint.
type SpawnRequest struct {
	Task              string `json:"task"`
	Label             string `json:"label"`
	Model             string `json:"model,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	Cleanup           bool   `json:"cleanup"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds,omitempty"`
	SkipVerify        bool   `json:"skipVerify,omitempty"`
	WebhookURL        string `json:"webhookUrl,omitempty"`
}

// SpawnResponse is the gateway's reply to a spawn request.
type SpawnResponse struct {
	OK              bool   `json:"ok"`
	RunID           string `json:"runId"`
	ChildSessionKey string `json:"childSessionKey"`
	Verified        bool   `json:"verified"`
}

// Client is a transport-only wrapper over the gateway's HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the client's request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a Client against baseURL, authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spawn performs a fire-and-forget start of an agent session. It does not
// wait for the session to complete; the gateway notifies completion via the
// inbound webhook contract (spec §4.H).
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode spawn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/spawn", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway: spawn request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gateway: read spawn response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway: spawn returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out SpawnResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("gateway: decode spawn response: %w", err)
	}
	return &out, nil
}

// WebhookStatus is the worker completion status reported inbound.
type WebhookStatus string

const (
	WebhookCompleted WebhookStatus = "completed"
	WebhookFailed    WebhookStatus = "failed"
)

// WorkerCompletePayload is the inbound webhook body for /worker-complete,
// keyed by either StepOrder or TaskID depending on what the spawning prompt
// embedded.
type WorkerCompletePayload struct {
	RunID     string        `json:"runId"`
	StepOrder int           `json:"stepOrder,omitempty"`
	TaskID    string        `json:"taskId,omitempty"`
	Status    WebhookStatus `json:"status"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
}
