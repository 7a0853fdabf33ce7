package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/internal/observability"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

const adapterBuffer = 16

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	// Store persists the last state snapshot of every thread. Optional.
	Store  StateStore
	Logger *slog.Logger
}

// Adapter serves one agent of a Backend as a copilot.ModelAdapter.
//
// Before the agent runs, the thread state is taken from the store, then
// from the request's agent session, then from the backend itself. Agent
// events are translated as follows:
//   - node_entered becomes a node.entered meta event
//   - state becomes an AgentStateDelta for the thread
//   - action_end is held back until the turn ends, like every adapter
//
// When the turn completes, the last snapshot is saved and repeated once
// more with Active false.
type Adapter struct {
	backend Backend
	agent   string
	store   StateStore
	logger  *slog.Logger
}

// NewAdapter wraps agent hosted by backend.
func NewAdapter(backend Backend, agent string, opts AdapterOptions) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		backend: backend,
		agent:   agent,
		store:   opts.Store,
		logger:  logger.With("agent", agent),
	}
}

// Name returns "agent:<name>".
func (a *Adapter) Name() string { return "agent:" + a.agent }

// Agent returns the wrapped agent's name.
func (a *Adapter) Agent() string { return a.agent }

// Invoke runs one agent turn.
func (a *Adapter) Invoke(ctx context.Context, req *copilot.AdapterRequest) (copilot.EventStream, error) {
	threadID := req.ThreadID
	var session models.AgentSession
	if req.AgentSession != nil {
		session = *req.AgentSession
		if session.ThreadID != "" {
			threadID = session.ThreadID
		}
	}
	if threadID == "" {
		return nil, errors.New("agent request requires a thread id")
	}

	execReq := &ExecuteRequest{
		ThreadID:  threadID,
		RunID:     req.RunID,
		AgentName: a.agent,
		NodeName:  session.NodeName,
		Messages:  req.Messages,
		Actions:   req.Actions,
	}
	if raw, ok := req.Extensions["agentConfig"]; ok {
		execReq.Config = raw
	}

	return copilot.NewChanStream(ctx, adapterBuffer, func(ctx context.Context, emit copilot.EmitFunc) {
		ctx = observability.WithAgent(ctx, a.agent)
		if err := a.loadState(ctx, execReq, session.State); err != nil {
			a.fail(ctx, emit, err)
			return
		}

		turn := &agentTurn{
			adapter:   a,
			emit:      emit,
			threadID:  threadID,
			runID:     req.RunID,
			nodeName:  execReq.NodeName,
			state:     execReq.State,
			messageID: uuid.NewString(),
			seen:      make(map[string]bool),
		}
		if err := a.backend.ExecuteAgent(ctx, execReq, turn.handle); err != nil {
			a.fail(ctx, emit, err)
			return
		}
		if turn.stopped || ctx.Err() != nil {
			return
		}
		if !turn.flush() {
			return
		}
		a.persist(ctx, turn)
		emit(models.NewAgentStateDelta(models.AgentStatePayload{
			ThreadID:  threadID,
			AgentName: a.agent,
			NodeName:  turn.nodeName,
			RunID:     req.RunID,
			Active:    false,
			State:     turn.state,
		}))
	}), nil
}

// loadState fills execReq.State and NodeName from the first source that
// knows the thread.
func (a *Adapter) loadState(ctx context.Context, execReq *ExecuteRequest, sessionState json.RawMessage) error {
	if a.store != nil {
		record, err := a.store.Load(ctx, a.agent, execReq.ThreadID)
		switch {
		case err == nil:
			execReq.State = record.State
			if execReq.NodeName == "" {
				execReq.NodeName = record.NodeName
			}
			return nil
		case !errors.Is(err, ErrStateNotFound):
			return fmt.Errorf("load agent state: %w", err)
		}
	}

	if len(sessionState) > 0 {
		execReq.State = sessionState
		return nil
	}

	state, err := a.backend.LoadAgentState(ctx, execReq.ThreadID, a.agent)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.WarnContext(ctx, "could not load agent state, starting empty", "thread_id", execReq.ThreadID, "error", err)
		return nil
	}
	if state != nil && state.ThreadExists {
		execReq.State = state.State
	}
	return nil
}

func (a *Adapter) persist(ctx context.Context, turn *agentTurn) {
	if a.store == nil || turn.state == nil {
		return
	}
	err := a.store.Save(ctx, &StateRecord{
		AgentName: a.agent,
		ThreadID:  turn.threadID,
		NodeName:  turn.nodeName,
		State:     turn.state,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to save agent state", "thread_id", turn.threadID, "error", err)
	}
}

func (a *Adapter) fail(ctx context.Context, emit copilot.EmitFunc, err error) {
	if ctx.Err() != nil {
		return
	}
	wrapped, ok := copilot.GetAdapterError(err)
	if !ok {
		wrapped = copilot.NewAdapterError(a.Name(), err)
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			wrapped = wrapped.WithStatus(statusErr.Status)
		}
	}
	emit(wrapped.Event())
}

// agentTurn translates the events of one ExecuteAgent call.
type agentTurn struct {
	adapter   *Adapter
	emit      copilot.EmitFunc
	threadID  string
	runID     string
	nodeName  string
	state     json.RawMessage
	messageID string

	calls   []string
	seen    map[string]bool
	stopped bool
}

func (t *agentTurn) handle(ev Event) bool {
	if t.stopped {
		return false
	}
	if !t.translate(ev) {
		t.stopped = true
		return false
	}
	return true
}

func (t *agentTurn) translate(ev Event) bool {
	switch ev.Type {
	case EventText:
		if ev.MessageID != "" {
			t.messageID = ev.MessageID
		}
		if ev.Content == "" {
			return true
		}
		return t.emit(models.NewTextDelta(t.messageID, ev.Content))

	case EventActionStart:
		if ev.MessageID != "" {
			t.messageID = ev.MessageID
		}
		if !t.seen[ev.CallID] {
			t.calls = append(t.calls, ev.CallID)
			t.seen[ev.CallID] = true
		}
		if !t.emit(models.NewActionCallStart(ev.CallID, ev.Name, t.messageID)) {
			return false
		}
		if ev.Arguments != "" {
			return t.emit(models.NewActionCallArgs(ev.CallID, ev.Arguments))
		}
		return true

	case EventActionArgs:
		if ev.Arguments == "" {
			return true
		}
		return t.emit(models.NewActionCallArgs(ev.CallID, ev.Arguments))

	case EventActionEnd:
		// Held back until flush.
		return true

	case EventNodeEntered:
		t.nodeName = ev.NodeName
		return t.emit(models.NewMetaEvent(models.MetaPayload{
			Kind:     models.MetaNodeEntered,
			RunID:    t.runID,
			ThreadID: t.threadID,
			NodeName: ev.NodeName,
		}))

	case EventState:
		if ev.NodeName != "" {
			t.nodeName = ev.NodeName
		}
		t.state = ev.State
		return t.emit(models.NewAgentStateDelta(models.AgentStatePayload{
			ThreadID:  t.threadID,
			AgentName: t.adapter.agent,
			NodeName:  t.nodeName,
			RunID:     t.runID,
			Active:    true,
			State:     ev.State,
		}))

	case EventError:
		msg := ev.Error
		if msg == "" {
			msg = ev.Content
		}
		if msg == "" {
			msg = "agent failed"
		}
		err := copilot.NewAdapterError(t.adapter.Name(), errors.New(msg))
		if ev.Code != "" {
			err = err.WithCode(ev.Code)
		}
		t.emit(err.Event())
		return false
	}
	return true
}

// flush emits the held-back ActionCallEnd events in start order. Calls the
// agent never ended are ended too.
func (t *agentTurn) flush() bool {
	for _, id := range t.calls {
		if !t.emit(models.NewActionCallEnd(id)) {
			return false
		}
	}
	t.calls = nil
	return true
}
