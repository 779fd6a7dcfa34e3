// Package client is a typed HTTP client for the poolhouse API. It maps
// server error codes back onto the domain sentinels, so code running
// against a remote pool can use errors.Is exactly as it would in process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/poolhouse/poolhouse/internal/domain"
)

// Lease mirrors the server's lease representation on the wire.
type Lease struct {
	ID          string    `json:"id"`
	Slot        Slot      `json:"slot"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresInMs int64     `json:"expires_in_ms"`
}

// Slot mirrors the server's slot representation on the wire.
type Slot struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UseCount   uint64    `json:"use_count"`
}

// Health is the /health response.
type Health struct {
	Status  string `json:"status"`
	Factory string `json:"factory"`
	Leases  int    `json:"leases"`
}

type extendRequest struct {
	TTLMs int64 `json:"ttl_ms"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// APIError carries a structured error reply from the server. It unwraps
// to the matching domain sentinel where one exists.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %s (status %d): %s", e.Code, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "POOL_EXHAUSTED":
		return domain.ErrPoolExhausted
	case "POOL_CLOSED":
		return domain.ErrPoolClosed
	case "RESOURCE_CREATION_FAILED":
		return domain.ErrResourceCreation
	case "LEASE_NOT_FOUND":
		return domain.ErrLeaseNotFound
	case "EXTEND_LIMIT":
		return domain.ErrExtendLimit
	case "UNKNOWN_RESOURCE":
		return domain.ErrUnknownResource
	case "RATE_LIMITED":
		return domain.ErrRateLimited
	}
	return nil
}

// Client talks to one poolhouse server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for the server at baseURL. An empty apiKey sends
// no credentials.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Checkout acquires a lease, waiting up to the server's configured budget.
func (c *Client) Checkout(ctx context.Context) (*Lease, error) {
	var l Lease
	if err := c.do(ctx, http.MethodPost, "/api/v1/leases", nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// CheckoutWait acquires a lease with an explicit wait budget. Zero means
// fail fast when the pool is saturated.
func (c *Client) CheckoutWait(ctx context.Context, wait time.Duration) (*Lease, error) {
	path := fmt.Sprintf("/api/v1/leases?timeout_ms=%d", wait.Milliseconds())
	var l Lease
	if err := c.do(ctx, http.MethodPost, path, nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Get fetches the current state of a lease.
func (c *Client) Get(ctx context.Context, id string) (*Lease, error) {
	var l Lease
	if err := c.do(ctx, http.MethodGet, "/api/v1/leases/"+id, nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Extend renews a lease for ttl from now. Zero asks for the server's
// default TTL.
func (c *Client) Extend(ctx context.Context, id string, ttl time.Duration) (*Lease, error) {
	var body any
	if ttl > 0 {
		body = extendRequest{TTLMs: ttl.Milliseconds()}
	}
	var l Lease
	if err := c.do(ctx, http.MethodPost, "/api/v1/leases/"+id+"/extend", body, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Return ends a lease and frees its slot.
func (c *Client) Return(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/leases/"+id, nil, nil)
}

// Stats fetches current pool statistics.
func (c *Client) Stats(ctx context.Context) (*domain.PoolStats, error) {
	var st domain.PoolStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/pool/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Health fetches the server's health summary.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// do runs one request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(resp.Body)
		var eb errorBody
		if jerr := json.Unmarshal(data, &eb); jerr != nil || eb.Code == "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Code: eb.Code, Message: eb.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
