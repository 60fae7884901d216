package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basket/clawtasks/internal/config"
	"github.com/basket/clawtasks/internal/gateway"
)

// apiClient talks to a running daemon's gateway.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(cfg config.Config, addrOverride string) *apiClient {
	addr := strings.TrimSpace(addrOverride)
	if addr == "" {
		addr = strings.TrimSpace(cfg.BindAddr)
	}
	return &apiClient{
		baseURL: baseURL(addr),
		token:   cfg.AuthToken,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// apiError is a non-2xx gateway response.
type apiError struct {
	Status int
	Body   gateway.ErrorBody
}

func (e *apiError) Error() string {
	msg := e.Body.Error
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if len(e.Body.Reasons) > 0 {
		msg += "\n  - " + strings.Join(e.Body.Reasons, "\n  - ")
	}
	return fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, &apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) createTask(ctx context.Context, req any) (gateway.TaskView, error) {
	var out gateway.TaskView
	err := c.do(ctx, http.MethodPost, "/api/tasks", req, &out)
	return out, err
}

func (c *apiClient) listTasks(ctx context.Context, q url.Values) (gateway.ListResponse, error) {
	var out gateway.ListResponse
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *apiClient) getTask(ctx context.Context, id string) (gateway.TaskView, error) {
	var out gateway.TaskView
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *apiClient) history(ctx context.Context, id string, limit int) (gateway.HistoryResponse, error) {
	var out gateway.HistoryResponse
	path := "/api/tasks/" + url.PathEscape(id) + "/history"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// action posts to /api/tasks/{id}/{verb}.
func (c *apiClient) action(ctx context.Context, id, verb string) (gateway.TaskView, error) {
	var out gateway.TaskView
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/"+verb, nil, &out)
	return out, err
}

func (c *apiClient) deleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) clear(ctx context.Context, all bool) (gateway.BulkResponse, error) {
	var out gateway.BulkResponse
	var err error
	if all {
		err = c.do(ctx, http.MethodDelete, "/api/tasks", nil, &out)
	} else {
		err = c.do(ctx, http.MethodPost, "/api/tasks/clear", nil, &out)
	}
	return out, err
}

func (c *apiClient) health(ctx context.Context) (map[string]any, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode healthz: %w", err)
	}
	return out, resp.StatusCode, nil
}

func (c *apiClient) wsURL(q url.Values) string {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
