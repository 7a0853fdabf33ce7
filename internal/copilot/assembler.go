package copilot

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// State is the lifecycle state of one request as seen by the assembler.
type State string

const (
	StateIdle          State = "idle"
	StateStreaming     State = "streaming"
	StateActionPending State = "action_pending"
	StateCompleted     State = "completed"
	StateCancelled     State = "cancelled"
	StateFailed        State = "failed"
	// StateRejected ends a request refused by guardrails before any model
	// call.
	StateRejected State = "rejected"
)

// Terminal reports whether no further events are accepted.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed, StateRejected:
		return true
	}
	return false
}

// Status maps a terminal state to the wire status.
func (s State) Status() models.TerminalStatus {
	switch s {
	case StateCompleted:
		return models.StatusSuccess
	case StateCancelled:
		return models.StatusMessageStreamInterrupted
	case StateRejected:
		return models.StatusGuardrailsValidationFailure
	default:
		return models.StatusUnknownError
	}
}

// Response is the assembled result of a request.
type Response struct {
	ThreadID    string                              `json:"threadId"`
	RunID       string                              `json:"runId"`
	Messages    []models.Message                    `json:"messages"`
	ActionCalls []models.ActionCall                 `json:"actionCalls,omitempty"`
	AgentStates map[string]models.AgentStatePayload `json:"agentStates,omitempty"`
	Status      models.TerminalStatus               `json:"status"`
	Error       *models.ErrorPayload                `json:"error,omitempty"`
	State       State                               `json:"-"`
}

// ToolMessages returns the tool-result messages of the response.
func (r *Response) ToolMessages() []models.Message {
	var out []models.Message
	for _, msg := range r.Messages {
		if msg.Role == models.RoleTool {
			out = append(out, msg)
		}
	}
	return out
}

type assembledCall struct {
	call    models.ActionCall
	args    strings.Builder
	msgIdx  int
	execIdx int
}

// Assembler folds the ordered event sequence of one request into a
// Response. It is not safe for concurrent use.
type Assembler struct {
	threadID string
	runID    string
	state    State

	messages []models.Message

	// text is the buffer of the assistant message at textIdx; -1 means no
	// message is open for text.
	text    strings.Builder
	textIdx int
	// callIdx is the assistant message new calls attach to, or -1.
	callIdx int

	calls       map[string]*assembledCall
	order       []string
	openCalls   int
	agentStates map[string]models.AgentStatePayload
	err         *models.ErrorPayload
}

// NewAssembler returns an assembler in the Idle state.
func NewAssembler(threadID, runID string) *Assembler {
	return &Assembler{
		threadID:    threadID,
		runID:       runID,
		state:       StateIdle,
		textIdx:     -1,
		callIdx:     -1,
		calls:       make(map[string]*assembledCall),
		agentStates: make(map[string]models.AgentStatePayload),
	}
}

// State returns the current state.
func (a *Assembler) State() State {
	return a.state
}

// Apply folds one event. Events after a terminal state, and action events
// that do not fit the calls seen so far, return ErrInvalidTransition.
func (a *Assembler) Apply(ev models.StreamEvent) error {
	if a.state.Terminal() {
		return fmt.Errorf("%w: %s event after %s", ErrInvalidTransition, ev.Type, a.state)
	}
	if a.state == StateIdle {
		a.state = StateStreaming
	}

	switch ev.Type {
	case models.EventTextDelta:
		if ev.Text == nil {
			return nil
		}
		a.appendText(ev.Text)
	case models.EventActionCallStart:
		return a.startCall(ev.Action)
	case models.EventActionCallArgs:
		ac, ok := a.calls[ev.CallID()]
		if !ok || ac.call.Complete {
			return fmt.Errorf("%w: arguments for unknown or finished call %q", ErrInvalidTransition, ev.CallID())
		}
		ac.args.WriteString(ev.Action.Delta)
	case models.EventActionCallEnd:
		return a.endCall(ev.CallID())
	case models.EventAgentState:
		if ev.AgentState == nil {
			return nil
		}
		// Whole snapshots replace each other; fields are never merged.
		a.agentStates[ev.AgentState.ThreadID] = *ev.AgentState
	case models.EventMeta:
		if ev.Meta == nil {
			return nil
		}
		switch ev.Meta.Kind {
		case models.MetaActionResult:
			if ev.Meta.Result != nil {
				a.appendResult(*ev.Meta.Result)
			}
		case models.MetaFollowUpStarted:
			a.closeText()
			a.callIdx = -1
		}
	case models.EventError:
		if ev.IsFatal() {
			return a.Fail(ev.Error)
		}
	}
	return nil
}

func (a *Assembler) appendText(p *models.TextPayload) {
	if a.textIdx >= 0 && p.MessageID != "" && a.messages[a.textIdx].ID != p.MessageID {
		a.closeText()
	}
	if a.textIdx < 0 {
		id := p.MessageID
		if id == "" {
			id = uuid.NewString()
		}
		a.messages = append(a.messages, models.Message{
			ID:        id,
			Role:      models.RoleAssistant,
			CreatedAt: time.Now(),
		})
		a.textIdx = len(a.messages) - 1
		a.callIdx = a.textIdx
	}
	a.text.WriteString(p.Delta)
}

// closeText freezes the open text message.
func (a *Assembler) closeText() {
	if a.textIdx < 0 {
		return
	}
	a.messages[a.textIdx].Content = a.text.String()
	a.text.Reset()
	a.textIdx = -1
}

func (a *Assembler) startCall(p *models.ActionPayload) error {
	if p == nil {
		return nil
	}
	if _, ok := a.calls[p.CallID]; ok {
		return fmt.Errorf("%w: call %q started twice", ErrInvalidTransition, p.CallID)
	}
	a.closeText()
	if a.callIdx < 0 {
		a.messages = append(a.messages, models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			CreatedAt: time.Now(),
		})
		a.callIdx = len(a.messages) - 1
	}

	msg := &a.messages[a.callIdx]
	msg.ActionExecutions = append(msg.ActionExecutions, models.ActionExecution{ID: p.CallID, Name: p.Name})
	parent := p.ParentMessage
	if parent == "" {
		parent = msg.ID
	}
	a.calls[p.CallID] = &assembledCall{
		call: models.ActionCall{
			ID:            p.CallID,
			Name:          p.Name,
			ParentMessage: parent,
		},
		msgIdx:  a.callIdx,
		execIdx: len(msg.ActionExecutions) - 1,
	}
	a.order = append(a.order, p.CallID)
	a.openCalls++
	a.state = StateActionPending
	return nil
}

func (a *Assembler) endCall(id string) error {
	ac, ok := a.calls[id]
	if !ok {
		return fmt.Errorf("%w: end for unknown call %q", ErrInvalidTransition, id)
	}
	if ac.call.Complete {
		return nil
	}
	ac.call.ArgumentsJSON = ac.args.String()
	ac.call.Complete = true
	a.messages[ac.msgIdx].ActionExecutions[ac.execIdx].Arguments = ac.call.ArgumentsJSON
	a.openCalls--
	if a.openCalls == 0 {
		a.state = StateStreaming
	}
	return nil
}

func (a *Assembler) appendResult(result models.ActionResult) {
	a.closeText()
	a.messages = append(a.messages, models.Message{
		ID:           uuid.NewString(),
		Role:         models.RoleTool,
		Content:      result.Content(),
		Name:         result.ActionName,
		ActionResult: &result,
		CreatedAt:    time.Now(),
	})
	a.callIdx = -1
}

func (a *Assembler) terminate(state State) error {
	if a.state.Terminal() {
		return fmt.Errorf("%w: %s after %s", ErrInvalidTransition, state, a.state)
	}
	a.closeText()
	a.state = state
	return nil
}

// Complete marks the request successful.
func (a *Assembler) Complete() error {
	return a.terminate(StateCompleted)
}

// Cancel marks the request interrupted by the consumer.
func (a *Assembler) Cancel() error {
	return a.terminate(StateCancelled)
}

// Fail marks the request failed with a fatal adapter error.
func (a *Assembler) Fail(payload *models.ErrorPayload) error {
	if err := a.terminate(StateFailed); err != nil {
		return err
	}
	a.err = payload
	return nil
}

// Reject marks the request refused by guardrails.
func (a *Assembler) Reject(reason string) error {
	if err := a.terminate(StateRejected); err != nil {
		return err
	}
	a.err = &models.ErrorPayload{Kind: models.ErrorKindContentFilter, Message: reason, Fatal: true}
	return nil
}

// Response returns a snapshot of what has been assembled so far.
func (a *Assembler) Response() *Response {
	msgs := make([]models.Message, len(a.messages))
	copy(msgs, a.messages)
	for i := range msgs {
		if len(msgs[i].ActionExecutions) > 0 {
			execs := make([]models.ActionExecution, len(msgs[i].ActionExecutions))
			copy(execs, msgs[i].ActionExecutions)
			msgs[i].ActionExecutions = execs
		}
	}
	if a.textIdx >= 0 {
		msgs[a.textIdx].Content = a.text.String()
	}

	calls := make([]models.ActionCall, 0, len(a.order))
	for _, id := range a.order {
		ac := a.calls[id]
		call := ac.call
		if !call.Complete {
			call.ArgumentsJSON = ac.args.String()
		}
		calls = append(calls, call)
	}

	states := make(map[string]models.AgentStatePayload, len(a.agentStates))
	for k, v := range a.agentStates {
		states[k] = v
	}

	resp := &Response{
		ThreadID:    a.threadID,
		RunID:       a.runID,
		Messages:    msgs,
		ActionCalls: calls,
		AgentStates: states,
		Error:       a.err,
		State:       a.state,
	}
	if a.state.Terminal() {
		resp.Status = a.state.Status()
	}
	return resp
}
