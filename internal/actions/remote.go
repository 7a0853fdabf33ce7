package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

const maxRemoteResponseBytes = 10 << 20

// RemoteInfo is the discovery document served by a remote action endpoint.
type RemoteInfo struct {
	Actions []models.ActionSpec `json:"actions"`
	Agents  []models.AgentInfo  `json:"agents,omitempty"`
}

// RemoteEndpoint is an HTTP service exposing backend actions.
//
//	GET  <url>/info             -> RemoteInfo
//	POST <url>/actions/execute  {"name": ..., "arguments": {...}} -> {"result": ...}
type RemoteEndpoint struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// RemoteConfig configures a RemoteEndpoint.
type RemoteConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
}

// NewRemoteEndpoint creates a client for a remote action endpoint.
func NewRemoteEndpoint(cfg RemoteConfig) (*RemoteEndpoint, error) {
	url := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if url == "" {
		return nil, fmt.Errorf("remote endpoint url is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RemoteEndpoint{url: url, headers: cfg.Headers, client: client}, nil
}

// Name implements Source.
func (e *RemoteEndpoint) Name() string { return "remote:" + e.url }

// Info fetches the endpoint's discovery document.
func (e *RemoteEndpoint) Info(ctx context.Context) (*RemoteInfo, error) {
	var info RemoteInfo
	if err := e.do(ctx, http.MethodGet, "/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Actions implements Source. Every remote action runs on the remote side.
func (e *RemoteEndpoint) Actions(ctx context.Context) ([]Action, error) {
	info, err := e.Info(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]Action, 0, len(info.Actions))
	for _, spec := range info.Actions {
		spec.ExecutionSite = models.SiteBackend
		spec.Source = e.Name()
		name := spec.Name
		list = append(list, Action{
			Spec: spec,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return e.Execute(ctx, name, args)
			},
		})
	}
	return list, nil
}

// Execute runs a remote action and returns its decoded result.
func (e *RemoteEndpoint) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	body := map[string]any{"name": name, "arguments": args}
	var resp struct {
		Result any    `json:"result"`
		Error  string `json:"error,omitempty"`
	}
	if err := e.do(ctx, http.MethodPost, "/actions/execute", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("remote action %s: %s", name, resp.Error)
	}
	return resp.Result, nil
}

func (e *RemoteEndpoint) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.url+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
