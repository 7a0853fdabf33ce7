package guardrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// PublicAPIKeyHeader carries the caller's public API key to the guardrails
// service.
const PublicAPIKeyHeader = "X-CopilotCloud-Public-API-Key"

// HTTPConfig configures an HTTPChecker.
type HTTPConfig struct {
	URL           string
	ValidTopics   []string
	InvalidTopics []string
	Headers       map[string]string
	Timeout       time.Duration
	Client        *http.Client
}

// HTTPChecker asks a remote guardrails service to validate the latest user
// message.
//
//	POST <url>  {"input", "validTopics", "invalidTopics", "messages"}
//	         -> {"status": "allowed" | "denied", "reason": "..."}
type HTTPChecker struct {
	url           string
	validTopics   []string
	invalidTopics []string
	headers       map[string]string
	client        *http.Client
}

// NewHTTPChecker creates a checker for the given service URL.
func NewHTTPChecker(cfg HTTPConfig) (*HTTPChecker, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("guardrails url is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPChecker{
		url:           url,
		validTopics:   cfg.ValidTopics,
		invalidTopics: cfg.InvalidTopics,
		headers:       cfg.Headers,
		client:        client,
	}, nil
}

func (c *HTTPChecker) Name() string { return "http" }

type validateRequest struct {
	Input         string           `json:"input"`
	ValidTopics   []string         `json:"validTopics"`
	InvalidTopics []string         `json:"invalidTopics"`
	Messages      []models.Message `json:"messages"`
}

type validateResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Check implements copilot.Guardrail. Service failures are returned as
// errors, which end the request with UnknownError.
func (c *HTTPChecker) Check(ctx context.Context, req *models.RuntimeRequest) (*copilot.GuardrailVerdict, error) {
	input, ok := LastUserMessage(req.Messages)
	if !ok {
		return &copilot.GuardrailVerdict{Allowed: true, Checker: c.Name()}, nil
	}

	var history []models.Message
	for _, msg := range req.Messages {
		if msg.Role == models.RoleUser || msg.Role == models.RoleAssistant {
			history = append(history, msg)
		}
	}
	payload, err := json.Marshal(validateRequest{
		Input:         input,
		ValidTopics:   nonNil(c.validTopics),
		InvalidTopics: nonNil(c.invalidTopics),
		Messages:      history,
	})
	if err != nil {
		return nil, fmt.Errorf("encode guardrails request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build guardrails request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.PublicAPIKey != "" {
		httpReq.Header.Set(PublicAPIKeyHeader, req.PublicAPIKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("guardrails request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read guardrails response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("guardrails service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result validateResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode guardrails response: %w", err)
	}
	switch result.Status {
	case "allowed":
		return &copilot.GuardrailVerdict{Allowed: true, Checker: c.Name()}, nil
	case "denied":
		reason := result.Reason
		if reason == "" {
			reason = "denied by guardrails service"
		}
		return &copilot.GuardrailVerdict{Allowed: false, Reason: reason, Checker: c.Name()}, nil
	default:
		return nil, fmt.Errorf("guardrails service returned unknown status %q", result.Status)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
