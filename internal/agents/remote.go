package agents

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

const (
	maxEventLineBytes   = 10 << 20
	maxStateResponseLen = 10 << 20
)

// RemoteConfig configures a RemoteBackend.
type RemoteConfig struct {
	// Name labels the backend in logs and action sources. Defaults to the URL.
	Name    string
	URL     string
	Headers map[string]string

	// Timeout bounds discovery and state calls. Agent execution streams
	// are bounded only by the request context.
	Timeout time.Duration
	Client  *http.Client
}

// RemoteBackend talks to an agent endpoint over HTTP.
//
//	GET  <url>/info            -> {"actions": [...], "agents": [...]}
//	POST <url>/agents/state    {"threadId", "name"} -> AgentState
//	POST <url>/agents/execute  ExecuteRequest -> NDJSON stream of Event
//
// The endpoint's actions are executed through <url>/actions/execute.
type RemoteBackend struct {
	name     string
	url      string
	headers  map[string]string
	client   *http.Client
	stream   *http.Client
	endpoint *actions.RemoteEndpoint
}

// NewRemoteBackend creates a client for a remote agent endpoint.
func NewRemoteBackend(cfg RemoteConfig) (*RemoteBackend, error) {
	url := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if url == "" {
		return nil, fmt.Errorf("agent backend url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	stream := cfg.Client
	if stream == nil {
		stream = &http.Client{}
	}

	endpoint, err := actions.NewRemoteEndpoint(actions.RemoteConfig{
		URL:     url,
		Headers: cfg.Headers,
		Client:  client,
	})
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = url
	}
	return &RemoteBackend{
		name:     name,
		url:      url,
		headers:  cfg.Headers,
		client:   client,
		stream:   stream,
		endpoint: endpoint,
	}, nil
}

// Name implements actions.Source.
func (b *RemoteBackend) Name() string { return "agents:" + b.name }

// Actions implements actions.Source with the actions listed by /info.
func (b *RemoteBackend) Actions(ctx context.Context) ([]actions.Action, error) {
	list, err := b.endpoint.Actions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Spec.Source = b.Name()
	}
	return list, nil
}

// ListAgents returns the agents listed by /info.
func (b *RemoteBackend) ListAgents(ctx context.Context) ([]models.AgentInfo, error) {
	info, err := b.endpoint.Info(ctx)
	if err != nil {
		return nil, err
	}
	return info.Agents, nil
}

// LoadAgentState fetches the remote view of a thread. A 404 means the
// thread is unknown to the agent.
func (b *RemoteBackend) LoadAgentState(ctx context.Context, threadID, agentName string) (*models.AgentState, error) {
	resp, err := b.post(ctx, b.client, "/agents/state", map[string]string{
		"threadId": threadID,
		"name":     agentName,
	}, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &models.AgentState{ThreadID: threadID}, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStateResponseLen))
	if err != nil {
		return nil, fmt.Errorf("read agent state: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var state models.AgentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode agent state: %w", err)
	}
	if state.ThreadID == "" {
		state.ThreadID = threadID
	}
	return &state, nil
}

// ExecuteAgent posts the turn and relays the NDJSON response line by line.
func (b *RemoteBackend) ExecuteAgent(ctx context.Context, req *ExecuteRequest, emit func(Event) bool) error {
	resp, err := b.post(ctx, b.stream, "/agents/execute", req, "application/x-ndjson")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	return readEvents(resp.Body, emit)
}

// readEvents decodes newline-delimited agent events. Blank lines are
// skipped.
func readEvents(r io.Reader, emit func(Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("decode agent event on line %d: %w", line, err)
		}
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("agent event on line %d: %w", line, err)
		}
		if !emit(ev) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read agent stream: %w", err)
	}
	return nil
}

func (b *RemoteBackend) post(ctx context.Context, client *http.Client, path string, body any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	return resp, nil
}
