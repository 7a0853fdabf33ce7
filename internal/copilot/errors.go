package copilot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

var (
	// ErrActionNotFound indicates the model referenced an undeclared action.
	ErrActionNotFound = errors.New("action not found")

	// ErrActionPanic indicates the action handler panicked.
	ErrActionPanic = errors.New("action panicked")

	// ErrCancelled is returned when the request was cancelled before or
	// while an action ran.
	ErrCancelled = errors.New("request cancelled")

	// ErrDuplicateCall is returned for an action call id that was already
	// dispatched.
	ErrDuplicateCall = errors.New("action call already dispatched")

	// ErrInvalidTransition is returned by the assembler for events that
	// are not allowed in its current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNoAdapter indicates no model adapter serves the request.
	ErrNoAdapter = errors.New("no model adapter configured")

	// ErrMaxIterations indicates the follow-up budget of a request ran out.
	ErrMaxIterations = errors.New("maximum iterations reached")
)

// ActionErrorType classifies action execution failures. Every type is
// recovered into a tool-result message; none of them ends the request.
type ActionErrorType string

const (
	ActionErrorNotFound     ActionErrorType = "not_found"
	ActionErrorInvalidInput ActionErrorType = "invalid_input"
	ActionErrorExecution    ActionErrorType = "execution"
	ActionErrorPanic        ActionErrorType = "panic"
	ActionErrorTimeout      ActionErrorType = "timeout"
	ActionErrorNetwork      ActionErrorType = "network"
	ActionErrorPermission   ActionErrorType = "permission"
)

// ActionError describes a failed action call.
type ActionError struct {
	Type       ActionErrorType
	ActionName string
	CallID     string
	Message    string
	Cause      error
}

func (e *ActionError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[action:%s]", e.Type))
	if e.ActionName != "" {
		parts = append(parts, e.ActionName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ActionError) Unwrap() error {
	return e.Cause
}

// NewActionError wraps a handler failure and classifies it.
func NewActionError(name, callID string, cause error) *ActionError {
	err := &ActionError{
		Type:       ActionErrorExecution,
		ActionName: name,
		CallID:     callID,
		Cause:      cause,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyActionError(cause)
	}
	return err
}

func classifyActionError(err error) ActionErrorType {
	if errors.Is(err, ErrActionNotFound) {
		return ActionErrorNotFound
	}
	if errors.Is(err, ErrActionPanic) {
		return ActionErrorPanic
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded"):
		return ActionErrorTimeout
	case strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "unreachable"):
		return ActionErrorNetwork
	case strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "unauthorized"):
		return ActionErrorPermission
	}
	return ActionErrorExecution
}

// GetActionError extracts an ActionError from err.
func GetActionError(err error) (*ActionError, bool) {
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr, true
	}
	return nil, false
}

// AdapterError is a provider failure normalized into an error kind.
type AdapterError struct {
	Kind      models.ErrorKind
	Provider  string
	Status    int
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

func (e *AdapterError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Provider))
	}
	parts = append(parts, string(e.Kind))
	if e.Status > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// Event converts the error into the fatal error event adapters emit.
func (e *AdapterError) Event() models.StreamEvent {
	ev := models.NewErrorEvent(e.Kind, e.Provider, e.Error())
	ev.Error.Code = e.Code
	ev.Error.Retryable = e.Retryable
	return ev
}

// EventError turns a fatal error event back into an error value.
func EventError(payload *models.ErrorPayload) error {
	if payload == nil {
		return nil
	}
	return &AdapterError{
		Kind:      payload.Kind,
		Provider:  payload.Provider,
		Code:      payload.Code,
		Message:   payload.Message,
		Retryable: payload.Retryable,
	}
}

// Phase names the pipeline stage a RunError happened in.
type Phase string

const (
	PhaseRegistry   Phase = "registry"
	PhaseGuardrails Phase = "guardrails"
	PhaseInvoke     Phase = "invoke"
	PhaseStream     Phase = "stream"
	PhaseDispatch   Phase = "dispatch"
	PhaseFollowUp   Phase = "follow_up"
)

// RunError wraps a failure with the phase and iteration it happened in.
type RunError struct {
	Phase     Phase
	Iteration int
	Cause     error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *RunError) Unwrap() error {
	return e.Cause
}
