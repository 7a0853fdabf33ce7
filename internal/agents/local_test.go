package agents

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// replayAdapter returns the same events on every invocation and keeps the
// last request.
type replayAdapter struct {
	events []models.StreamEvent
	last   *copilot.AdapterRequest
}

func (a *replayAdapter) Name() string { return "replay" }

func (a *replayAdapter) Invoke(_ context.Context, req *copilot.AdapterRequest) (copilot.EventStream, error) {
	a.last = req
	return copilot.NewSliceStream(a.events...), nil
}

func runLocal(t *testing.T, backend *LocalBackend, req *ExecuteRequest) []Event {
	t.Helper()
	var got []Event
	if err := backend.ExecuteAgent(context.Background(), req, func(ev Event) bool {
		got = append(got, ev)
		return true
	}); err != nil {
		t.Fatalf("ExecuteAgent() error = %v", err)
	}
	return got
}

func TestLocalBackendExecute(t *testing.T) {
	model := &replayAdapter{events: []models.StreamEvent{
		models.NewTextDelta("m1", "Looking "),
		models.NewTextDelta("m1", "it up"),
		models.NewActionCallStart("c1", "search", "m1"),
		models.NewActionCallArgs("c1", `{"q":"go"}`),
		models.NewActionCallEnd("c1"),
	}}
	backend, err := NewLocalBackend(nil, LocalAgent{Name: "researcher", Instructions: "Be thorough.", Adapter: model})
	if err != nil {
		t.Fatal(err)
	}

	got := runLocal(t, backend, &ExecuteRequest{
		ThreadID:  "t1",
		AgentName: "researcher",
		State:     json.RawMessage(`{"turns":2}`),
		Messages:  []models.Message{{Role: models.RoleUser, Content: "go?"}},
	})

	wantTypes := []EventType{EventNodeEntered, EventText, EventText, EventNodeEntered, EventActionStart, EventActionArgs, EventActionEnd, EventState}
	if len(got) != len(wantTypes) {
		t.Fatalf("events = %+v", got)
	}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Errorf("event %d = %s, want %s", i, got[i].Type, want)
		}
	}
	if got[0].NodeName != nodeRespond || got[3].NodeName != nodeActions {
		t.Errorf("nodes = %q, %q", got[0].NodeName, got[3].NodeName)
	}

	var state LocalState
	if err := json.Unmarshal(got[7].State, &state); err != nil {
		t.Fatal(err)
	}
	if state.Turns != 3 || state.LastNode != nodeActions || state.LastMessage != "Looking it up" {
		t.Errorf("state = %+v", state)
	}

	if len(model.last.Messages) != 2 || model.last.Messages[0].Role != models.RoleSystem {
		t.Errorf("model messages = %+v, want instructions first", model.last.Messages)
	}
}

func TestLocalBackendProviderError(t *testing.T) {
	failure := copilot.NewAdapterError("openai", errors.New("rate limited")).WithStatus(429).Event()
	backend, err := NewLocalBackend(nil, LocalAgent{Name: "a", Adapter: &replayAdapter{events: []models.StreamEvent{failure}}})
	if err != nil {
		t.Fatal(err)
	}

	err = backend.ExecuteAgent(context.Background(), &ExecuteRequest{ThreadID: "t", AgentName: "a"}, func(Event) bool { return true })
	adapterErr, ok := copilot.GetAdapterError(err)
	if !ok || adapterErr.Kind != models.ErrorKindRateLimit {
		t.Fatalf("error = %v, want a rate limit AdapterError", err)
	}
}

func TestLocalBackendRegistry(t *testing.T) {
	search := actions.Action{
		Spec:    models.ActionSpec{Name: "search"},
		Handler: func(context.Context, map[string]any) (any, error) { return "ok", nil },
	}
	backend, err := NewLocalBackend(nil,
		LocalAgent{Name: "b", Description: "second", Adapter: &replayAdapter{}},
		LocalAgent{Name: "a", Adapter: &replayAdapter{}, Actions: []actions.Action{search}},
	)
	if err != nil {
		t.Fatal(err)
	}

	infos, _ := backend.ListAgents(context.Background())
	if len(infos) != 2 || infos[0].Name != "a" || infos[1].Description != "second" {
		t.Errorf("agents = %+v", infos)
	}

	list, _ := backend.Actions(context.Background())
	if len(list) != 1 || list[0].Spec.Source != "agent:a" || !list[0].Backend() {
		t.Errorf("actions = %+v", list)
	}

	if err := backend.Register(LocalAgent{Name: "a", Adapter: &replayAdapter{}}); err == nil {
		t.Error("expected duplicate registration error")
	}
	if err := backend.Register(LocalAgent{Name: "c"}); err == nil {
		t.Error("expected error without adapter")
	}
	if _, err := backend.LoadAgentState(context.Background(), "t", "zzz"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("LoadAgentState(unknown) error = %v", err)
	}
}

func TestLocalBackendLoadAgentState(t *testing.T) {
	store := NewMemoryStore()
	backend, err := NewLocalBackend(store, LocalAgent{Name: "a", Adapter: &replayAdapter{}})
	if err != nil {
		t.Fatal(err)
	}

	state, err := backend.LoadAgentState(context.Background(), "t1", "a")
	if err != nil || state.ThreadExists {
		t.Fatalf("state = %+v err = %v, want unknown thread", state, err)
	}

	_ = store.Save(context.Background(), &StateRecord{AgentName: "a", ThreadID: "t1", State: json.RawMessage(`{"turns":1}`)})
	state, err = backend.LoadAgentState(context.Background(), "t1", "a")
	if err != nil || !state.ThreadExists || string(state.State) != `{"turns":1}` {
		t.Errorf("state = %+v err = %v", state, err)
	}
}

func TestMemoryStoreCopiesState(t *testing.T) {
	store := NewMemoryStore()
	raw := json.RawMessage(`{"a":1}`)
	if err := store.Save(context.Background(), &StateRecord{AgentName: "x", ThreadID: "t", State: raw}); err != nil {
		t.Fatal(err)
	}
	raw[2] = 'b'

	record, err := store.Load(context.Background(), "x", "t")
	if err != nil {
		t.Fatal(err)
	}
	if string(record.State) != `{"a":1}` || record.UpdatedAt.IsZero() {
		t.Errorf("record = %+v", record)
	}
	if err := store.Save(context.Background(), &StateRecord{AgentName: "x"}); err == nil {
		t.Error("expected error without thread id")
	}
	_ = store.Delete(context.Background(), "x", "t")
	if _, err := store.Load(context.Background(), "x", "t"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("Load() after Delete error = %v", err)
	}
}
