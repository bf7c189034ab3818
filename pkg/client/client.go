// Package client is the Go SDK for the graphkit daemon's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rmax-ai/graphkit/pkg/graph"
)

var (
	// ErrNotFound is returned when the daemon reports a missing node.
	ErrNotFound = errors.New("not found")
	// ErrRejected is returned when the daemon refuses a request (4xx).
	ErrRejected = errors.New("request rejected")
)

// StatusError carries the daemon's error response.
type StatusError struct {
	Status int    `json:"-"`
	Code   string `json:"error"`
	Detail string `json:"detail"`
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("daemon responded %d %s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("daemon responded %d %s", e.Status, e.Code)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status >= 400 && e.Status < 500:
		return ErrRejected
	}
	return nil
}

// Client is the graphkit SDK client.
type Client struct {
	endpoint   string
	http       *http.Client
	backoff    BackoffStrategy
	maxRetries int
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the wait strategy between retries of reads.
func WithBackoff(b BackoffStrategy) Option {
	return func(c *Client) { c.backoff = b }
}

// WithMaxRetries sets how many times a read is retried after a network
// error or a 5xx response.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient creates a new graphkit client.
// endpoint defaults to "http://127.0.0.1:8090" if empty.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8090"
	}
	c := &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		backoff:    DefaultBackoff(),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks the daemon.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/v1/health", &h)
	return h, err
}

// GetNode fetches one node with its bonds.
func (c *Client) GetNode(ctx context.Context, id string) (NodeResult, error) {
	var n NodeResult
	err := c.get(ctx, "/v1/nodes/"+url.PathEscape(id), &n)
	return n, err
}

// ListNodes fetches committed nodes matching opts.
func (c *Client) ListNodes(ctx context.Context, opts ListOptions) ([]graph.Snapshot, error) {
	q := url.Values{}
	if opts.Expr != "" {
		q.Set("expr", opts.Expr)
	}
	if opts.Kind != "" {
		q.Set("kind", string(opts.Kind))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var nodes []graph.Snapshot
	err := c.get(ctx, withQuery("/v1/nodes", q), &nodes)
	return nodes, err
}

// Changes fetches the change feed entries after since that match expr.
func (c *Client) Changes(ctx context.Context, since int64, expr string, limit int) (ChangesResult, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if expr != "" {
		q.Set("expr", expr)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res ChangesResult
	err := c.get(ctx, withQuery("/v1/changes", q), &res)
	return res, err
}

// Tail fetches the newest n change feed entries that match expr.
func (c *Client) Tail(ctx context.Context, n int, expr string) (ChangesResult, error) {
	q := url.Values{}
	q.Set("tail", strconv.Itoa(n))
	if expr != "" {
		q.Set("expr", expr)
	}
	var res ChangesResult
	err := c.get(ctx, withQuery("/v1/changes", q), &res)
	return res, err
}

// Commit applies mutations as one commit. Commits are not retried.
func (c *Client) Commit(ctx context.Context, muts ...Mutation) (CommitResult, error) {
	var res CommitResult
	err := c.send(ctx, http.MethodPost, "/v1/commit", map[string]any{"mutations": muts}, &res)
	return res, err
}

// RegisterWebhook asks the daemon to post entries matching expr to target.
func (c *Client) RegisterWebhook(ctx context.Context, target, kind, expr string) (WebhookRegistration, error) {
	var res WebhookRegistration
	body := map[string]string{"url": target, "kind": kind, "expr": expr}
	err := c.send(ctx, http.MethodPost, "/v1/webhooks", body, &res)
	return res, err
}

// DeleteWebhook removes a webhook.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/v1/webhooks/"+url.PathEscape(id), nil, nil)
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// get performs a GET, retrying network errors and 5xx responses.
func (c *Client) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := Sleep(ctx, c.backoff, attempt-1); err != nil {
				return err
			}
		}
		err := c.send(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var se *StatusError
		if errors.As(err, &se) && se.Status < 500 {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("max retries reached: %w", lastErr)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		se := &StatusError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(se)
		return se
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
