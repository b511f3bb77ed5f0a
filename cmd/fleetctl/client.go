// ABOUTME: Thin JSON-over-HTTP client for the fleet-gateway API
// ABOUTME: Maps non-2xx responses to errors carrying the server's error message

package main

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

	"github.com/2389/fleet-gateway/internal/gateway"
	"github.com/2389/fleet-gateway/internal/ingress"
	"github.com/2389/fleet-gateway/internal/scheduler"
)

type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{base: base, http: &http.Client{Timeout: timeout}}
}

// apiError is a non-2xx response from the gateway.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, headers map[string]string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil {
			e.Error = string(bytes.TrimSpace(raw))
		}
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *client) Submit(ctx context.Context, msg ingress.SubmitMessage) (gateway.SubmitResponse, error) {
	var res gateway.SubmitResponse
	var headers map[string]string
	if msg.IdempotencyKey != "" {
		headers = map[string]string{gateway.IdempotencyHeader: msg.IdempotencyKey}
	}
	_, err := c.do(ctx, http.MethodPost, "/api/requests", headers, msg, &res)
	return res, err
}

// requestInfo decodes both live views and archived records.
type requestInfo struct {
	ID                 string                  `json:"id"`
	Name               string                  `json:"name"`
	Capability         string                  `json:"capability"`
	Priority           scheduler.Priority      `json:"priority"`
	Status             scheduler.RequestStatus `json:"status"`
	Reason             string                  `json:"reason,omitempty"`
	QueuePosition      int                     `json:"queue_position,omitempty"`
	AssignedAgentID    string                  `json:"assigned_agent_id,omitempty"`
	AgentID            string                  `json:"agent_id,omitempty"`
	EstimatedStartTime *time.Time              `json:"estimated_start_time,omitempty"`
	Timing             scheduler.Timing        `json:"timing"`
	Output             map[string]string       `json:"output,omitempty"`
}

func (c *client) Get(ctx context.Context, id string) (requestInfo, error) {
	var view requestInfo
	_, err := c.do(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(id), nil, nil, &view)
	return view, err
}

func (c *client) Cancel(ctx context.Context, id string) (scheduler.CancelResult, error) {
	var res scheduler.CancelResult
	_, err := c.do(ctx, http.MethodDelete, "/api/requests/"+url.PathEscape(id), nil, nil, &res)
	return res, err
}

func (c *client) Queue(ctx context.Context) ([]scheduler.QueueEntry, error) {
	var queue []scheduler.QueueEntry
	_, err := c.do(ctx, http.MethodGet, "/api/requests", nil, nil, &queue)
	return queue, err
}

func (c *client) Agents(ctx context.Context, capability, status string) ([]scheduler.AgentSnapshot, error) {
	q := url.Values{}
	if capability != "" {
		q.Set("capability", capability)
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/api/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var agents []scheduler.AgentSnapshot
	_, err := c.do(ctx, http.MethodGet, path, nil, nil, &agents)
	return agents, err
}

func (c *client) SetMaintenance(ctx context.Context, agentID string, enabled bool) error {
	_, err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/maintenance", nil,
		gateway.MaintenanceRequest{Enabled: enabled}, nil)
	return err
}

func (c *client) Retire(ctx context.Context, agentID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(agentID), nil, nil, nil)
	return err
}

func (c *client) History(ctx context.Context, limit int, source string) (gateway.HistoryResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if source != "" {
		q.Set("source", source)
	}
	path := "/api/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var res gateway.HistoryResponse
	_, err := c.do(ctx, http.MethodGet, path, nil, nil, &res)
	return res, err
}
