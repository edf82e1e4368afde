// Package client provides a Go client for the cascade HTTP API.
//
// Usage:
//
//	c := client.New("http://localhost:8080")
//
//	// Start a run and watch its records.
//	runID, err := c.StartFlow(ctx, "orders", input)
//	ch, err := c.Watch(ctx, "orders", runID)
//	for rec := range ch {
//	    fmt.Printf("%s %s\n", rec.StepName, rec.Type)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/api"
	"github.com/xraph/cascade/engine"
	"github.com/xraph/cascade/run"
)

// Client talks to a remote cascade server.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger

	reconnect  bool
	maxRetries int
	baseDelay  time.Duration
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:       strings.TrimSuffix(baseURL, "/"),
		http:       http.DefaultClient,
		logger:     slog.Default(),
		maxRetries: 5,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Error is a non-2xx response. errors.Is matches it against the cascade
// sentinel its status stands for.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cascade/client: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// Unwrap maps the status back to a sentinel: 404 to ErrRunNotFound, 410
// to ErrAwaitGone, 405 to ErrMethodInvalid.
func (e *Error) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		if strings.Contains(e.Message, cascade.ErrFlowNotFound.Error()) {
			return cascade.ErrFlowNotFound
		}
		return cascade.ErrRunNotFound
	case http.StatusGone:
		return cascade.ErrAwaitGone
	case http.StatusMethodNotAllowed:
		return cascade.ErrMethodInvalid
	}
	return nil
}

// Flows returns the names of the flows the server runs.
func (c *Client) Flows(ctx context.Context) ([]string, error) {
	var out struct {
		Flows []string `json:"flows"`
	}
	if err := c.do(ctx, http.MethodGet, "/flows", nil, &out); err != nil {
		return nil, err
	}
	return out.Flows, nil
}

// StartFlow starts a run of flowName. An empty runID lets the server
// pick one; starting an existing id does not create a second run.
func (c *Client) StartFlow(ctx context.Context, flowName string, input any, runID string) (string, error) {
	req := api.StartRequest{RunID: runID}
	if input != nil {
		raw, err := json.Marshal(input)
		if err != nil {
			return "", fmt.Errorf("marshal input: %w", err)
		}
		req.Input = raw
	}
	var resp api.StartResponse
	if err := c.do(ctx, http.MethodPost, "/flows/"+url.PathEscape(flowName)+"/start", req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// Runs returns a page of a flow's runs, newest first.
func (c *Client) Runs(ctx context.Context, flowName string, offset, limit int) ([]*run.Entry, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var entries []*run.Entry
	if err := c.do(ctx, http.MethodGet, "/flows/"+url.PathEscape(flowName)+"/runs?"+q.Encode(), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Run returns a run's index entry and event log.
func (c *Client) Run(ctx context.Context, flowName, runID string) (*engine.RunView, error) {
	var view engine.RunView
	path := "/flows/" + url.PathEscape(flowName) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ResolveWebhook calls the webhook endpoint of a step with method and
// payload.
func (c *Client) ResolveWebhook(ctx context.Context, webhookPrefix, flowName, runID, step, method string, payload any) error {
	path := strings.TrimSuffix(webhookPrefix, "/") + "/" + url.PathEscape(flowName) + "/" +
		url.PathEscape(runID) + "/" + url.PathEscape(step)
	return c.do(ctx, method, path, payload, nil)
}

// Trigger delivers a named event to the event awaits listening for it
// and returns how many resolved.
func (c *Client) Trigger(ctx context.Context, name string, payload any) (int, error) {
	var resp api.TriggerResponse
	if err := c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(name), payload, &resp); err != nil {
		return 0, err
	}
	return resp.Resolved, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck // best-effort message
	e := &Error{Status: resp.StatusCode}
	var msg struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &msg) == nil && msg.Error != "" {
		e.Message = msg.Error
	} else {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}
