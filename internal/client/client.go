// Package client talks to the execution and agent-definition backend over
// HTTP JSON.
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
	"strings"
	"time"

	"hivewatch/internal/domain"
)

const RevisionHeader = "X-Snapshot-Revision"

var ErrNotFound = errors.New("not found")

// APIError carries the message the server put in its error body.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// Snapshot is one full listing of executions with the backend revision it
// was read at.
type Snapshot struct {
	Revision   uint64
	Executions []domain.ExecutionRecord
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// PushURL is the WebSocket endpoint derived from the base URL.
func (c *Client) PushURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *Client) WaitHealth(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		if err := c.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for /healthz")
		case <-time.After(400 * time.Millisecond):
		}
	}
}

func (c *Client) ListExecutions(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	header := http.Header{}
	if err := c.do(ctx, http.MethodGet, "/executions", nil, &snap.Executions, header); err != nil {
		return Snapshot{}, err
	}
	if raw := header.Get(RevisionHeader); raw != "" {
		rev, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("parse snapshot revision: %w", err)
		}
		snap.Revision = rev
	}
	return snap, nil
}

func (c *Client) GetExecution(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	var out domain.ExecutionRecord
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id), nil, &out, nil); err != nil {
		return domain.ExecutionRecord{}, err
	}
	return out, nil
}

func (c *Client) GetTree(ctx context.Context, id string) (domain.ExecutionTree, error) {
	var out domain.ExecutionTree
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id)+"/tree", nil, &out, nil); err != nil {
		return domain.ExecutionTree{}, err
	}
	return out, nil
}

func (c *Client) GetLog(ctx context.Context, id string) (domain.ExecutionLog, error) {
	var out domain.ExecutionLog
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id)+"/log", nil, &out, nil); err != nil {
		return domain.ExecutionLog{}, err
	}
	return out, nil
}

func (c *Client) ListToolCalls(ctx context.Context, id string) ([]domain.ToolCall, error) {
	var out []domain.ToolCall
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id)+"/tools", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StartExecution(ctx context.Context, agentName, message string) (domain.StartResponse, error) {
	var out domain.StartResponse
	req := domain.StartRequest{AgentName: agentName, Message: message}
	if err := c.do(ctx, http.MethodPost, "/executions", req, &out, nil); err != nil {
		return domain.StartResponse{}, err
	}
	return out, nil
}

func (c *Client) StopExecution(ctx context.Context, id string) (domain.StopResult, error) {
	var out domain.StopResult
	if err := c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(id)+"/stop", struct{}{}, &out, nil); err != nil {
		return domain.StopResult{}, err
	}
	return out, nil
}

func (c *Client) StopAll(ctx context.Context) (domain.StopResult, error) {
	var out domain.StopResult
	if err := c.do(ctx, http.MethodPost, "/executions/stop-all", struct{}{}, &out, nil); err != nil {
		return domain.StopResult{}, err
	}
	return out, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]domain.AgentDetail, error) {
	var out []domain.AgentDetail
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetAgent(ctx context.Context, name string) (domain.AgentDetail, error) {
	var out domain.AgentDetail
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(name), nil, &out, nil); err != nil {
		return domain.AgentDetail{}, err
	}
	return out, nil
}

func (c *Client) CreateAgent(ctx context.Context, agent domain.AgentDetail) (domain.AgentDetail, error) {
	var out domain.AgentDetail
	if err := c.do(ctx, http.MethodPost, "/agents", agent, &out, nil); err != nil {
		return domain.AgentDetail{}, err
	}
	return out, nil
}

func (c *Client) UpdateAgent(ctx context.Context, agent domain.AgentDetail) (domain.AgentDetail, error) {
	var out domain.AgentDetail
	if err := c.do(ctx, http.MethodPut, "/agents/"+url.PathEscape(agent.Name), agent, &out, nil); err != nil {
		return domain.AgentDetail{}, err
	}
	return out, nil
}

func (c *Client) DeleteAgent(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(name), nil, nil, nil)
}

func (c *Client) ListTools(ctx context.Context) ([]domain.ToolInfo, error) {
	var out []domain.ToolInfo
	if err := c.do(ctx, http.MethodGet, "/tools", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// do sends one request. Response headers are copied into respHeader when
// it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in any, out any, respHeader http.Header) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}
	for k, v := range resp.Header {
		if respHeader != nil {
			respHeader[k] = v
		}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(body))
}
