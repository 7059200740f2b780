package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/leadflow/internal/workflow"
)

// ErrorResponse is the coordination API's error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Timeout bool   `json:"timeout,omitempty"`
}

// Client forwards executions to peer runners.
type Client struct {
	http   *http.Client
	apiKey string
}

// NewClient builds a Client. A zero timeout leaves deadlines to the caller's context.
func NewClient(timeout time.Duration, apiKey string) *Client {
	return &Client{http: &http.Client{Timeout: timeout}, apiKey: apiKey}
}

// Execute asks the runner at address to execute the named workflow.
func (c *Client) Execute(ctx context.Context, address, name string, payload json.RawMessage) (workflow.Outcome, error) {
	endpoint := strings.TrimRight(address, "/") + "/v1/workflows/" + url.PathEscape(name) + "/execute"
	if !strings.Contains(address, "://") {
		endpoint = "http://" + endpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("forward to %s: %w", address, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		var out workflow.Outcome
		if err := json.Unmarshal(body, &out); err != nil {
			return workflow.Outcome{}, fmt.Errorf("decode outcome: %w", err)
		}
		return out, nil
	}
	var apiErr ErrorResponse
	_ = json.Unmarshal(body, &apiErr)
	if apiErr.Error == "" {
		apiErr.Error = http.StatusText(resp.StatusCode)
	}
	switch {
	case apiErr.Timeout:
		return workflow.Outcome{}, &workflow.TimeoutError{Workflow: name, Err: fmt.Errorf("remote: %s", apiErr.Error)}
	case resp.StatusCode == http.StatusConflict:
		return workflow.Outcome{}, fmt.Errorf("remote %s: %w", apiErr.Error, workflow.ErrExecutionInProgress)
	default:
		return workflow.Outcome{}, &RemoteError{Address: address, StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
}

// RemoteError is a non-success reply from a peer runner.
type RemoteError struct {
	Address    string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("runner %s returned %d: %s", e.Address, e.StatusCode, e.Message)
}
