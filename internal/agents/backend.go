// Package agents connects stateful agent frameworks to the runtime.
//
// A Backend hosts one or more named agents. The runtime never talks to a
// backend directly: each agent is wrapped in an Adapter, which satisfies
// copilot.ModelAdapter and translates the backend's lifecycle events
// (node transitions, state snapshots) into stream events. Thread state is
// loaded before an agent runs and the last snapshot is saved afterwards
// through a StateStore.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// ErrAgentNotFound is returned when a backend does not host the agent.
var ErrAgentNotFound = errors.New("agent not found")

// Backend hosts agents. Backends are shared across requests and must be
// safe for concurrent use. As an actions.Source a backend contributes the
// actions its agents expose to every request registry.
type Backend interface {
	actions.Source

	// ListAgents returns the agents served by this backend.
	ListAgents(ctx context.Context) ([]models.AgentInfo, error)

	// LoadAgentState returns the backend's view of a thread. A thread the
	// backend has never seen yields ThreadExists false and no error.
	LoadAgentState(ctx context.Context, threadID, agentName string) (*models.AgentState, error)

	// ExecuteAgent runs one agent turn, handing every event to emit in
	// order. It stops early when emit returns false. The returned error
	// reports transport or protocol failures; agent-level failures arrive
	// as EventError.
	ExecuteAgent(ctx context.Context, req *ExecuteRequest, emit func(Event) bool) error
}

// ExecuteRequest is the input of one agent turn.
type ExecuteRequest struct {
	ThreadID  string              `json:"threadId"`
	RunID     string              `json:"runId,omitempty"`
	AgentName string              `json:"name"`
	NodeName  string              `json:"nodeName,omitempty"`
	State     json.RawMessage     `json:"state,omitempty"`
	Messages  []models.Message    `json:"messages"`
	Actions   []models.ActionSpec `json:"actions,omitempty"`
	Config    json.RawMessage     `json:"config,omitempty"`
}

// EventType tags an agent event.
type EventType string

const (
	EventText        EventType = "text"
	EventActionStart EventType = "action_start"
	EventActionArgs  EventType = "action_args"
	EventActionEnd   EventType = "action_end"
	EventNodeEntered EventType = "node_entered"
	EventState       EventType = "state"
	EventError       EventType = "error"
)

// Event is one line of an agent's output. Remote backends send them as
// newline-delimited JSON.
type Event struct {
	Type      EventType       `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Content   string          `json:"content,omitempty"`
	CallID    string          `json:"actionCallId,omitempty"`
	Name      string          `json:"actionName,omitempty"`
	Arguments string          `json:"args,omitempty"`
	NodeName  string          `json:"nodeName,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Validate checks that the fields required by the event type are set.
func (e Event) Validate() error {
	switch e.Type {
	case EventText:
		return nil
	case EventActionStart:
		if e.CallID == "" || e.Name == "" {
			return fmt.Errorf("%s event requires actionCallId and actionName", e.Type)
		}
	case EventActionArgs, EventActionEnd:
		if e.CallID == "" {
			return fmt.Errorf("%s event requires actionCallId", e.Type)
		}
	case EventNodeEntered:
		if e.NodeName == "" {
			return fmt.Errorf("%s event requires nodeName", e.Type)
		}
	case EventState:
		if len(e.State) > 0 && !json.Valid(e.State) {
			return fmt.Errorf("%s event carries invalid JSON", e.Type)
		}
	case EventError:
		return nil
	default:
		return fmt.Errorf("unknown agent event type %q", e.Type)
	}
	return nil
}

// StatusError is returned by remote backends for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent backend returned status %d", e.Status)
	}
	return fmt.Sprintf("agent backend returned status %d: %s", e.Status, e.Body)
}
