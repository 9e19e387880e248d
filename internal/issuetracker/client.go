// Package issuetracker is a thin HTTP client contract for the external
// Linear-style issue tracker the HITL Controller uses to materialize
// approvals for human action.
package issuetracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// IssueHandle identifies an issue created in the external tracker.
type IssueHandle struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client talks to the external issue tracker's REST surface.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New constructs a Client against baseURL, authenticating with apiKey.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

// CreateIssue materializes an approval as an issue carrying title, body and
// metadata (risk level, approval id, workflow id).
func (c *Client) CreateIssue(ctx context.Context, title, body string, metadata map[string]interface{}) (IssueHandle, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"title":    title,
		"body":     body,
		"metadata": metadata,
	})
	if err != nil {
		return IssueHandle{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/issues", bytes.NewReader(payload))
	if err != nil {
		return IssueHandle{}, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return IssueHandle{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return IssueHandle{}, fmt.Errorf("create issue: unexpected status %d", resp.StatusCode)
	}

	var handle IssueHandle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		return IssueHandle{}, fmt.Errorf("decode issue handle: %w", err)
	}
	return handle, nil
}

// UpdateIssue transitions an existing issue to newState (e.g. "approved",
// "rejected").
func (c *Client) UpdateIssue(ctx context.Context, handle IssueHandle, newState string) error {
	payload, err := json.Marshal(map[string]interface{}{"state": newState})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/issues/%s", c.baseURL, handle.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("update issue: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

// WebhookResolution is the payload the tracker posts back when a human
// resolves an approval issue.
type WebhookResolution struct {
	IssueID  string `json:"issue_id"`
	Decision string `json:"decision"` // "approved" | "rejected"
	Actor    string `json:"actor"`
	Reason   string `json:"reason,omitempty"`
}

// ParseWebhook decodes an inbound webhook body into a WebhookResolution.
func ParseWebhook(body []byte) (WebhookResolution, error) {
	var out WebhookResolution
	if err := json.Unmarshal(body, &out); err != nil {
		return WebhookResolution{}, fmt.Errorf("decode webhook: %w", err)
	}
	return out, nil
}
