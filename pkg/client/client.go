// Package client is a Go client for the Informer operator API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is an HTTP client for the Informer operator API
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Accept", "application/json")

	client := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    headers,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// Subscription is one canonical notification subscription
type Subscription struct {
	ID                string            `json:"id"`
	Observer          string            `json:"observer"`
	EventType         string            `json:"event_type"`
	InputCondition    string            `json:"input_condition"`
	InternalCondition string            `json:"internal_condition"`
	State             map[string]string `json:"state,omitempty"`

	// Recipients is -1 when the server could not count them
	Recipients int `json:"recipients"`
}

// Health is the server's health report
type Health struct {
	Status    string   `json:"status"`
	Observers []string `json:"observers"`
	Channels  []string `json:"channels"`
}

// ListOptions filters and pages ListSubscriptions
type ListOptions struct {
	Observer  string
	EventType string
	Limit     int
	Offset    int
}

// Page is one page of subscriptions
type Page struct {
	Subscriptions []Subscription
	TotalCount    int
	Limit         int
	Offset        int
}

// APIError is an error returned by the server
type APIError struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	Meta      *struct {
		TotalCount int `json:"total_count"`
		Limit      int `json:"limit"`
		Offset     int `json:"offset"`
	} `json:"meta"`
}

// Health retrieves the server's health report
func (c *Client) Health(ctx context.Context) (*Health, error) {
	env, err := c.get(ctx, "/healthz", nil)
	if err != nil {
		return nil, err
	}

	var health Health
	if err := json.Unmarshal(env.Data, &health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &health, nil
}

// ListSubscriptions retrieves one page of subscriptions
func (c *Client) ListSubscriptions(ctx context.Context, opts ListOptions) (*Page, error) {
	query := url.Values{}
	if opts.Observer != "" {
		query.Set("observer", opts.Observer)
	}
	if opts.EventType != "" {
		query.Set("event_type", opts.EventType)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}

	env, err := c.get(ctx, "/subscriptions", query)
	if err != nil {
		return nil, err
	}

	page := &Page{}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &page.Subscriptions); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	if env.Meta != nil {
		page.TotalCount = env.Meta.TotalCount
		page.Limit = env.Meta.Limit
		page.Offset = env.Meta.Offset
	}
	return page, nil
}

// GetSubscription retrieves a subscription by ID
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	env, err := c.get(ctx, "/subscriptions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var sub Subscription
	if err := json.Unmarshal(env.Data, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &sub, nil
}

// get performs a GET request and decodes the response envelope
func (c *Client) get(ctx context.Context, path string, query url.Values) (*envelope, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, resp.Status)
	}
	if resp.StatusCode >= 400 || !env.Success {
		if env.Error == nil {
			env.Error = &APIError{Message: resp.Status}
		}
		env.Error.StatusCode = resp.StatusCode
		return nil, env.Error
	}
	return &env, nil
}
