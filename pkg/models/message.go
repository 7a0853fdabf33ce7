package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message in the conversation history.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is one immutable entry of the conversation history.
// Assistant messages may carry the action calls the model made; tool
// messages carry the result of exactly one call.
type Message struct {
	ID               string            `json:"id"`
	Role             Role              `json:"role"`
	Content          string            `json:"content,omitempty"`
	Name             string            `json:"name,omitempty"`
	ActionExecutions []ActionExecution `json:"actionExecutions,omitempty"`
	ActionResult     *ActionResult     `json:"actionResult,omitempty"`
	CreatedAt        time.Time         `json:"createdAt,omitempty"`
}

// ActionExecution records an action call made by the assistant.
type ActionExecution struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParameterType is the declared type of an action parameter.
type ParameterType string

const (
	ParamString       ParameterType = "string"
	ParamNumber       ParameterType = "number"
	ParamBoolean      ParameterType = "boolean"
	ParamObject       ParameterType = "object"
	ParamStringArray  ParameterType = "string[]"
	ParamNumberArray  ParameterType = "number[]"
	ParamBooleanArray ParameterType = "boolean[]"
	ParamObjectArray  ParameterType = "object[]"
)

// ActionParameter describes one argument of an action. Attributes hold the
// nested fields for object and object[] types.
type ActionParameter struct {
	Name        string            `json:"name" yaml:"name"`
	Type        ParameterType     `json:"type,omitempty" yaml:"type,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool              `json:"required,omitempty" yaml:"required,omitempty"`
	Enum        []string          `json:"enum,omitempty" yaml:"enum,omitempty"`
	Attributes  []ActionParameter `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// ExecutionSite says who runs an action: the browser or this process.
type ExecutionSite string

const (
	SiteFrontend ExecutionSite = "frontend"
	SiteBackend  ExecutionSite = "backend"
)

// ActionSpec is the declaration of a callable action.
type ActionSpec struct {
	Name          string            `json:"name" yaml:"name"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters    []ActionParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	ExecutionSite ExecutionSite     `json:"executionSite,omitempty" yaml:"execution_site,omitempty"`

	// Source names where the action was declared (request, handlers,
	// remote:<url>, mcp:<server>, agent:<name>). Used in error messages.
	Source string `json:"-" yaml:"-"`
}

// ActionCall is a call emitted by the model. ArgumentsJSON grows while the
// call streams and is frozen once Complete is set.
type ActionCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments"`
	Complete      bool   `json:"complete"`
	ParentMessage string `json:"parentMessageId,omitempty"`
}

// ActionResult is the outcome of executing one action call.
// Exactly one of Result or Error is meaningful.
type ActionResult struct {
	ActionCallID string `json:"actionCallId"`
	ActionName   string `json:"actionName"`
	Result       any    `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Failed reports whether the execution produced an error payload.
func (r ActionResult) Failed() bool {
	return r.Error != ""
}

// Content renders the result the way it is shown to the model.
func (r ActionResult) Content() string {
	if r.Error != "" {
		return "Error: " + r.Error
	}
	switch v := r.Result.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.RawMessage:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// AgentSession identifies a stateful remote agent thread. State is opaque to
// the runtime.
type AgentSession struct {
	ThreadID  string          `json:"threadId"`
	AgentName string          `json:"agentName"`
	NodeName  string          `json:"nodeName,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
}

// AgentInfo describes an agent exposed by an agent backend.
type AgentInfo struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// AgentState is what an agent backend returns for a thread.
type AgentState struct {
	ThreadID     string          `json:"threadId"`
	ThreadExists bool            `json:"threadExists"`
	State        json.RawMessage `json:"state,omitempty"`
	Messages     []Message       `json:"messages,omitempty"`
}
