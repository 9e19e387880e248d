// Package toolgateway is a thin HTTP client contract for the external tool
// gateway: the ~170-tool registry this orchestrator invokes but does not
// implement. It also satisfies toolbind.Gateway so the Binder can select
// from its catalog without a direct dependency on this package.
package toolgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/devflow/orchestrator/internal/toolbind"
)

// Client talks to the external tool gateway's REST surface: GET /tools
// lists descriptors, POST /tools/{server}/{tool} invokes one.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client against baseURL with the given per-call timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

type toolListResponse struct {
	Tools []toolbind.ToolDescriptor `json:"tools"`
}

// ListTools implements toolbind.Gateway by calling GET /tools.
//
// agentName is passed as a query parameter so the gateway can restrict the
// catalog to what that agent is provisioned to use; gateways that ignore it
// return their full catalog, which the Binder then narrows locally.
func (c *Client) ListTools(ctx context.Context, agentName string) ([]toolbind.ToolDescriptor, error) {
	url := fmt.Sprintf("%s/tools?agent=%s", c.baseURL, agentName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool gateway list: unexpected status %d", resp.StatusCode)
	}

	var out toolListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return out.Tools, nil
}

// Related asks the gateway's RAG/keyword index for tools related to query,
// excluding names present in already.
func (c *Client) Related(ctx context.Context, agentName, query string, already map[string]bool) ([]toolbind.ToolDescriptor, error) {
	body, err := json.Marshal(map[string]interface{}{
		"agent": agentName,
		"query": query,
	})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/tools/related", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool gateway related: unexpected status %d", resp.StatusCode)
	}

	var out toolListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode related tools: %w", err)
	}

	filtered := out.Tools[:0]
	for _, t := range out.Tools {
		if !already[t.Name] {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// InvokeResult is the gateway's response envelope for a tool invocation.
type InvokeResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Invoke calls POST /tools/{server}/{tool} with params as the JSON body.
// Non-2xx responses are folded into InvokeResult.Error rather than
// returned as a Go error, per spec §6: the core treats a non-2xx as an
// error tool-result, not a transport failure.
func (c *Client) Invoke(ctx context.Context, server, tool string, params map[string]interface{}) (InvokeResult, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return InvokeResult{}, err
	}
	url := fmt.Sprintf("%s/tools/%s/%s", c.baseURL, server, tool)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return InvokeResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return InvokeResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return InvokeResult{}, err
	}

	if resp.StatusCode >= 300 {
		return InvokeResult{Success: false, Error: fmt.Sprintf("gateway returned status %d: %s", resp.StatusCode, string(raw))}, nil
	}

	var out InvokeResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return InvokeResult{}, fmt.Errorf("decode invoke result: %w", err)
	}
	return out, nil
}
