package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

func sseServer(t *testing.T, lines []string, inspect func(body map[string]any)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode request: %v", err)
			}
			inspect(body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func errorServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func collect(t *testing.T, adapter copilot.ModelAdapter, req *copilot.AdapterRequest) []models.StreamEvent {
	t.Helper()
	stream, err := adapter.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	events, err := copilot.Collect(context.Background(), stream)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	return events
}

var weatherAction = models.ActionSpec{
	Name:        "get_weather",
	Description: "Current weather",
	Parameters:  []models.ActionParameter{{Name: "city", Type: models.ParamString, Required: true}},
}

func TestOpenAIAdapterStream(t *testing.T) {
	lines := []string{
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		``,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		``,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		``,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		``,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`,
		``,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
		`data: [DONE]`,
		``,
	}

	var body map[string]any
	server := sseServer(t, lines, func(b map[string]any) { body = b })
	adapter, err := NewOpenAIAdapter(Config{APIKey: "test-key", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatal(err)
	}

	temperature := 0.2
	events := collect(t, adapter, &copilot.AdapterRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "weather?"}},
		Actions:  []models.ActionSpec{weatherAction},
		Forwarded: models.ForwardedParameters{
			Model:                  "gpt-4o-mini",
			MaxTokens:              128,
			Temperature:            &temperature,
			ToolChoice:             "function",
			ToolChoiceFunctionName: "get_weather",
		},
	})

	assertShape(t, events,
		"text:Hel",
		"text:lo",
		"start:call_1:get_weather",
		`args:call_1:{"city":`,
		`args:call_1:"Paris"}`,
		"end:call_1",
	)
	if events[0].Text.MessageID != "chatcmpl-1" || events[2].Action.ParentMessage != "chatcmpl-1" {
		t.Errorf("message ids = %q / %q, want chatcmpl-1", events[0].Text.MessageID, events[2].Action.ParentMessage)
	}

	if body["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", body["model"])
	}
	if body["max_tokens"] != float64(128) {
		t.Errorf("max_tokens = %v", body["max_tokens"])
	}
	tools, _ := body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v", body["tools"])
	}
	choice, _ := body["tool_choice"].(map[string]any)
	if fn, _ := choice["function"].(map[string]any); fn["name"] != "get_weather" {
		t.Errorf("tool_choice = %v", body["tool_choice"])
	}
}

func TestOpenAIAdapterErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  models.ErrorKind
		retryable bool
	}{
		{"rate limit", 429, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`, models.ErrorKindRateLimit, true},
		{"quota", 429, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`, models.ErrorKindQuota, false},
		{"auth", 401, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`, models.ErrorKindAuth, false},
		{"server", 500, `{"error":{"message":"The server had an error","type":"server_error","code":null}}`, models.ErrorKindServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := errorServer(t, tt.status, tt.body)
			adapter, err := NewOpenAIAdapter(Config{APIKey: "k", BaseURL: server.URL + "/v1"})
			if err != nil {
				t.Fatal(err)
			}
			events := collect(t, adapter, &copilot.AdapterRequest{
				Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
			})
			if len(events) != 1 || !events[0].IsFatal() {
				t.Fatalf("events = %v, want one fatal error", shape(events))
			}
			if events[0].Error.Kind != tt.wantKind || events[0].Error.Retryable != tt.retryable {
				t.Errorf("error = %+v, want kind %s retryable %v", events[0].Error, tt.wantKind, tt.retryable)
			}
			if events[0].Error.Provider != "openai" {
				t.Errorf("provider = %q", events[0].Error.Provider)
			}
		})
	}
}

func TestConvertToOpenAIMessages(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "Be brief."},
		{Role: models.RoleUser, Content: "log 4"},
		{Role: models.RoleAssistant, ActionExecutions: []models.ActionExecution{{ID: "c1", Name: "log"}}},
		{Role: models.RoleTool, Content: "ok", ActionResult: &models.ActionResult{ActionCallID: "c1", ActionName: "log", Result: "ok"}},
		{Role: models.RoleTool, Content: "stray"},
	}

	got := convertToOpenAIMessages(messages)
	if len(got) != 5 {
		t.Fatalf("messages = %d, want 5", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("first role = %q", got[0].Role)
	}
	if len(got[2].ToolCalls) != 1 || got[2].ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("assistant tool calls = %+v", got[2].ToolCalls)
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", got[3])
	}
	if got[4].Role != openai.ChatMessageRoleUser || !strings.Contains(got[4].Content, "stray") {
		t.Errorf("unlinked tool message = %+v", got[4])
	}
}

func TestNewOpenAIAdapterRequiresKeyOrURL(t *testing.T) {
	if _, err := NewOpenAIAdapter(Config{}); err == nil {
		t.Fatal("expected error without API key or base URL")
	}
	adapter, err := NewOpenAIAdapter(Config{BaseURL: "http://localhost:11434/v1", Name: "local"})
	if err != nil {
		t.Fatal(err)
	}
	if adapter.Name() != "local" {
		t.Errorf("Name() = %q", adapter.Name())
	}
}
