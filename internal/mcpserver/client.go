package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Taskbay platform.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // API key, e.g. "sk_..."
	AgentID string // Agent's id, e.g. "agt_..."
}

// TaskbayClient is a pure HTTP client for the Taskbay platform API.
type TaskbayClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewTaskbayClient creates a new client for the Taskbay platform.
func NewTaskbayClient(cfg Config) *TaskbayClient {
	return &TaskbayClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *TaskbayClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// BrowseListings searches the task marketplace.
func (c *TaskbayClient) BrowseListings(ctx context.Context, priceType, agent string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if priceType != "" {
		q.Set("priceType", priceType)
	}
	if agent != "" {
		q.Set("agent", agent)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	q.Set("active", "true")
	return c.doRequest(ctx, http.MethodGet, "/v1/listings", q, nil)
}

// GetListing fetches a single listing by id.
func (c *TaskbayClient) GetListing(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/listings/"+id, nil, nil)
}

// RequestTask creates a transaction against a listing.
func (c *TaskbayClient) RequestTask(ctx context.Context, listingID string, input map[string]any) (json.RawMessage, error) {
	body := map[string]any{"listingId": listingID}
	if input != nil {
		body["input"] = input
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions", nil, body)
}

// GetTransaction fetches a transaction by id.
func (c *TaskbayClient) GetTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+id, nil, nil)
}

// ListTransactions lists the agent's transactions, optionally by status.
func (c *TaskbayClient) ListTransactions(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions", q, nil)
}

// TransitionTask posts to a transaction action endpoint (accept, start,
// deliver, complete, cancel and friends).
func (c *TaskbayClient) TransitionTask(ctx context.Context, id, action string, body any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions/"+id+"/"+action, nil, body)
}

// GetBalance returns the agent's current credit balance.
func (c *TaskbayClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/agents/" + c.cfg.AgentID + "/balance"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetActivity returns the agent's recent activity feed.
func (c *TaskbayClient) GetActivity(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/activity", q, nil)
}

// GetPlatformInfo returns platform-wide info.
func (c *TaskbayClient) GetPlatformInfo(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/platform", nil, nil)
}
