package models

import (
	"encoding/json"
	"time"
)

// StreamEventType tags the payload carried by a StreamEvent.
type StreamEventType string

const (
	EventTextDelta       StreamEventType = "text.delta"
	EventActionCallStart StreamEventType = "action.start"
	EventActionCallArgs  StreamEventType = "action.args"
	EventActionCallEnd   StreamEventType = "action.end"
	EventAgentState      StreamEventType = "agent.state"
	EventMeta            StreamEventType = "meta"
	EventError           StreamEventType = "error"
)

// StreamEvent is the normalized unit every adapter produces. Exactly one
// payload pointer is set, matching Type.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	Time time.Time       `json:"time,omitempty"`

	Text       *TextPayload       `json:"text,omitempty"`
	Action     *ActionPayload     `json:"action,omitempty"`
	AgentState *AgentStatePayload `json:"agentState,omitempty"`
	Meta       *MetaPayload       `json:"meta,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
}

type TextPayload struct {
	MessageID string `json:"messageId,omitempty"`
	Delta     string `json:"delta"`
}

// ActionPayload is shared by the three action-call events. Name is set on
// start, Delta on args.
type ActionPayload struct {
	CallID        string `json:"callId"`
	Name          string `json:"name,omitempty"`
	Delta         string `json:"delta,omitempty"`
	ParentMessage string `json:"parentMessageId,omitempty"`
}

type AgentStatePayload struct {
	ThreadID  string          `json:"threadId"`
	AgentName string          `json:"agentName,omitempty"`
	NodeName  string          `json:"nodeName,omitempty"`
	RunID     string          `json:"runId,omitempty"`
	Active    bool            `json:"active"`
	State     json.RawMessage `json:"state,omitempty"`
}

// MetaKind names lifecycle notifications carried by meta events.
type MetaKind string

const (
	MetaRunStarted          MetaKind = "run.started"
	MetaRunFinished         MetaKind = "run.finished"
	MetaNodeEntered         MetaKind = "node.entered"
	MetaActionResult        MetaKind = "action.result"
	MetaFollowUpStarted     MetaKind = "followup.started"
	MetaIterationsExhausted MetaKind = "iterations.exhausted"
)

type MetaPayload struct {
	Kind      MetaKind       `json:"kind"`
	RunID     string         `json:"runId,omitempty"`
	ThreadID  string         `json:"threadId,omitempty"`
	NodeName  string         `json:"nodeName,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Result    *ActionResult  `json:"result,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ErrorKind classifies adapter failures so the runtime can tell retryable
// provider trouble from fatal misconfiguration.
type ErrorKind string

const (
	ErrorKindRateLimit        ErrorKind = "rate_limit"
	ErrorKindQuota            ErrorKind = "quota"
	ErrorKindAuth             ErrorKind = "auth"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindNetwork          ErrorKind = "network"
	ErrorKindServerError      ErrorKind = "server_error"
	ErrorKindInvalidRequest   ErrorKind = "invalid_request"
	ErrorKindModelUnavailable ErrorKind = "model_unavailable"
	ErrorKindContentFilter    ErrorKind = "content_filter"
	ErrorKindUnknown          ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindRateLimit, ErrorKindTimeout, ErrorKindNetwork, ErrorKindServerError, ErrorKindModelUnavailable:
		return true
	}
	return false
}

type ErrorPayload struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	// Fatal errors end the request. Adapters set it for every provider
	// failure; non-fatal errors are informational.
	Fatal bool `json:"fatal"`
}

func NewTextDelta(messageID, delta string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Time: time.Now(), Text: &TextPayload{MessageID: messageID, Delta: delta}}
}

func NewActionCallStart(callID, name, parentMessage string) StreamEvent {
	return StreamEvent{Type: EventActionCallStart, Time: time.Now(), Action: &ActionPayload{CallID: callID, Name: name, ParentMessage: parentMessage}}
}

func NewActionCallArgs(callID, delta string) StreamEvent {
	return StreamEvent{Type: EventActionCallArgs, Time: time.Now(), Action: &ActionPayload{CallID: callID, Delta: delta}}
}

func NewActionCallEnd(callID string) StreamEvent {
	return StreamEvent{Type: EventActionCallEnd, Time: time.Now(), Action: &ActionPayload{CallID: callID}}
}

func NewAgentStateDelta(payload AgentStatePayload) StreamEvent {
	return StreamEvent{Type: EventAgentState, Time: time.Now(), AgentState: &payload}
}

func NewMetaEvent(payload MetaPayload) StreamEvent {
	return StreamEvent{Type: EventMeta, Time: time.Now(), Meta: &payload}
}

// NewErrorEvent builds a fatal error event of the given kind.
func NewErrorEvent(kind ErrorKind, provider, message string) StreamEvent {
	return StreamEvent{Type: EventError, Time: time.Now(), Error: &ErrorPayload{
		Kind:      kind,
		Message:   message,
		Provider:  provider,
		Retryable: kind.Retryable(),
		Fatal:     true,
	}}
}

// IsFatal reports whether the event is an error that ends the request.
func (e StreamEvent) IsFatal() bool {
	return e.Type == EventError && e.Error != nil && e.Error.Fatal
}

// CallID returns the action call id for action events, or "".
func (e StreamEvent) CallID() string {
	if e.Action == nil {
		return ""
	}
	return e.Action.CallID
}
