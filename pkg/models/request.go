package models

import "encoding/json"

// ForwardedParameters are model settings passed through to the adapter.
type ForwardedParameters struct {
	Model                  string   `json:"model,omitempty"`
	MaxTokens              int      `json:"maxTokens,omitempty"`
	Stop                   []string `json:"stop,omitempty"`
	Temperature            *float64 `json:"temperature,omitempty"`
	ToolChoice             string   `json:"toolChoice,omitempty"`
	ToolChoiceFunctionName string   `json:"toolChoiceFunctionName,omitempty"`
}

// RuntimeRequest is one chat turn as seen by the runtime core.
type RuntimeRequest struct {
	ThreadID     string                     `json:"threadId,omitempty"`
	RunID        string                     `json:"runId,omitempty"`
	Messages     []Message                  `json:"messages"`
	Actions      []ActionSpec               `json:"actions,omitempty"`
	AgentSession *AgentSession              `json:"agentSession,omitempty"`
	Forwarded    ForwardedParameters        `json:"forwardedParameters,omitempty"`
	Extensions   map[string]json.RawMessage `json:"extensions,omitempty"`
	PublicAPIKey string                     `json:"-"`

	// Provider selects a configured model adapter; empty uses the default.
	Provider string `json:"provider,omitempty"`
}

// TerminalStatus is the single status that ends every response stream.
type TerminalStatus string

const (
	StatusSuccess                     TerminalStatus = "Success"
	StatusGuardrailsValidationFailure TerminalStatus = "GuardrailsValidationFailure"
	StatusMessageStreamInterrupted    TerminalStatus = "MessageStreamInterrupted"
	StatusUnknownError                TerminalStatus = "UnknownError"
)
