package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// LocalAgent is an agent implemented in-process on top of a model adapter.
type LocalAgent struct {
	Name         string
	Description  string
	Instructions string
	Adapter      copilot.ModelAdapter

	// Actions are backend actions only this agent's model should see.
	// They are also contributed to the request registry so the runtime
	// can execute them.
	Actions []actions.Action
}

// LocalState is the thread state kept for local agents.
type LocalState struct {
	Turns       int       `json:"turns"`
	LastNode    string    `json:"lastNode,omitempty"`
	LastMessage string    `json:"lastMessage,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

const (
	nodeRespond = "respond"
	nodeActions = "act"
)

// LocalBackend hosts LocalAgents. Each turn enters the "respond" node,
// streams the model output and reports the updated LocalState. Turns that
// end in action calls enter "act" before the state is reported.
type LocalBackend struct {
	mu     sync.RWMutex
	agents map[string]LocalAgent
	store  StateStore
}

// NewLocalBackend creates a backend over the given agents. store is used by
// LoadAgentState and may be nil.
func NewLocalBackend(store StateStore, agents ...LocalAgent) (*LocalBackend, error) {
	b := &LocalBackend{agents: make(map[string]LocalAgent), store: store}
	for _, agent := range agents {
		if err := b.Register(agent); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Register adds an agent.
func (b *LocalBackend) Register(agent LocalAgent) error {
	if agent.Name == "" {
		return errors.New("local agent name is required")
	}
	if agent.Adapter == nil {
		return fmt.Errorf("local agent %s: adapter is required", agent.Name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.agents[agent.Name]; exists {
		return fmt.Errorf("local agent %s already registered", agent.Name)
	}
	b.agents[agent.Name] = agent
	return nil
}

// Name implements actions.Source.
func (b *LocalBackend) Name() string { return "agents:local" }

// Actions implements actions.Source.
func (b *LocalBackend) Actions(ctx context.Context) ([]actions.Action, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var list []actions.Action
	for _, name := range b.namesLocked() {
		for _, action := range b.agents[name].Actions {
			action.Spec.ExecutionSite = models.SiteBackend
			action.Spec.Source = "agent:" + name
			list = append(list, action)
		}
	}
	return list, nil
}

func (b *LocalBackend) ListAgents(ctx context.Context) ([]models.AgentInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]models.AgentInfo, 0, len(b.agents))
	for _, name := range b.namesLocked() {
		infos = append(infos, models.AgentInfo{Name: name, Description: b.agents[name].Description})
	}
	return infos, nil
}

func (b *LocalBackend) namesLocked() []string {
	names := make([]string, 0, len(b.agents))
	for name := range b.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *LocalBackend) agent(name string) (LocalAgent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	agent, ok := b.agents[name]
	if !ok {
		return LocalAgent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return agent, nil
}

// LoadAgentState reads the thread from the store.
func (b *LocalBackend) LoadAgentState(ctx context.Context, threadID, agentName string) (*models.AgentState, error) {
	if _, err := b.agent(agentName); err != nil {
		return nil, err
	}
	state := &models.AgentState{ThreadID: threadID}
	if b.store == nil {
		return state, nil
	}
	record, err := b.store.Load(ctx, agentName, threadID)
	if errors.Is(err, ErrStateNotFound) {
		return state, nil
	}
	if err != nil {
		return nil, err
	}
	state.ThreadExists = true
	state.State = record.State
	return state, nil
}

// ExecuteAgent runs one model turn for the agent.
func (b *LocalBackend) ExecuteAgent(ctx context.Context, req *ExecuteRequest, emit func(Event) bool) error {
	agent, err := b.agent(req.AgentName)
	if err != nil {
		return err
	}

	var state LocalState
	if len(req.State) > 0 && string(req.State) != "null" {
		if err := json.Unmarshal(req.State, &state); err != nil {
			return fmt.Errorf("local agent %s: decode state: %w", agent.Name, err)
		}
	}

	messages := req.Messages
	if agent.Instructions != "" {
		messages = append([]models.Message{{Role: models.RoleSystem, Content: agent.Instructions}}, messages...)
	}

	if !emit(Event{Type: EventNodeEntered, NodeName: nodeRespond}) {
		return nil
	}

	stream, err := agent.Adapter.Invoke(ctx, &copilot.AdapterRequest{
		ThreadID: req.ThreadID,
		RunID:    req.RunID,
		Messages: messages,
		Actions:  req.Actions,
	})
	if err != nil {
		return fmt.Errorf("local agent %s: %w", agent.Name, err)
	}
	defer stream.Close()

	var text []byte
	node := nodeRespond
	for {
		ev, err := stream.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		var out Event
		switch ev.Type {
		case models.EventTextDelta:
			text = append(text, ev.Text.Delta...)
			out = Event{Type: EventText, MessageID: ev.Text.MessageID, Content: ev.Text.Delta}
		case models.EventActionCallStart:
			if node != nodeActions {
				node = nodeActions
				if !emit(Event{Type: EventNodeEntered, NodeName: nodeActions}) {
					return nil
				}
			}
			out = Event{Type: EventActionStart, MessageID: ev.Action.ParentMessage, CallID: ev.Action.CallID, Name: ev.Action.Name}
		case models.EventActionCallArgs:
			out = Event{Type: EventActionArgs, CallID: ev.Action.CallID, Arguments: ev.Action.Delta}
		case models.EventActionCallEnd:
			out = Event{Type: EventActionEnd, CallID: ev.Action.CallID}
		case models.EventError:
			if ev.Error != nil && !ev.Error.Fatal {
				continue
			}
			// Provider failures keep their classification.
			return copilot.EventError(ev.Error)
		default:
			continue
		}
		if !emit(out) {
			return nil
		}
	}

	state.Turns++
	state.LastNode = node
	if len(text) > 0 {
		state.LastMessage = string(text)
	}
	state.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("local agent %s: encode state: %w", agent.Name, err)
	}
	emit(Event{Type: EventState, NodeName: node, State: raw})
	return nil
}
