package copilot

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

func TestAssemblerArgumentChunksRoundTrip(t *testing.T) {
	original := `{"query":"weather in \"Zürich\"","days":[1,2,3],"nested":{"deep":{"ok":true}},"note":"äöü 🌤"}`
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		a := NewAssembler("t", "r")
		if err := a.Apply(models.NewActionCallStart("c1", "search", "")); err != nil {
			t.Fatalf("start: %v", err)
		}
		rest := original
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			if err := a.Apply(models.NewActionCallArgs("c1", rest[:n])); err != nil {
				t.Fatalf("args: %v", err)
			}
			rest = rest[n:]
		}
		if err := a.Apply(models.NewActionCallEnd("c1")); err != nil {
			t.Fatalf("end: %v", err)
		}

		calls := a.Response().ActionCalls
		if len(calls) != 1 || calls[0].ArgumentsJSON != original {
			t.Fatalf("trial %d: arguments = %q, want %q", trial, calls[0].ArgumentsJSON, original)
		}
	}
}

func TestAssemblerAgentStateIdempotent(t *testing.T) {
	snapshot := models.AgentStatePayload{ThreadID: "t1", AgentName: "planner", State: json.RawMessage(`{"plan":["a","b"]}`)}

	once := NewAssembler("t1", "r")
	twice := NewAssembler("t1", "r")
	if err := once.Apply(models.NewAgentStateDelta(snapshot)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := twice.Apply(models.NewAgentStateDelta(snapshot)); err != nil {
			t.Fatal(err)
		}
	}

	got1 := once.Response().AgentStates["t1"]
	got2 := twice.Response().AgentStates["t1"]
	if string(got1.State) != string(got2.State) || got1.AgentName != got2.AgentName {
		t.Errorf("replayed snapshot changed state: %+v vs %+v", got1, got2)
	}
}

func TestAssemblerAgentStateLastWriteWins(t *testing.T) {
	a := NewAssembler("t1", "r")
	apply := func(thread, state string) {
		t.Helper()
		ev := models.NewAgentStateDelta(models.AgentStatePayload{ThreadID: thread, State: json.RawMessage(state)})
		if err := a.Apply(ev); err != nil {
			t.Fatal(err)
		}
	}
	apply("t1", `{"a":1,"b":2}`)
	apply("t2", `{"other":true}`)
	apply("t1", `{"a":3}`)

	states := a.Response().AgentStates
	if string(states["t1"].State) != `{"a":3}` {
		t.Errorf("t1 state = %s, want the latest snapshot without merging", states["t1"].State)
	}
	if string(states["t2"].State) != `{"other":true}` {
		t.Errorf("t2 state = %s", states["t2"].State)
	}
}

func TestAssemblerStateMachine(t *testing.T) {
	a := NewAssembler("t", "r")
	if a.State() != StateIdle {
		t.Fatalf("initial state = %s", a.State())
	}

	steps := []struct {
		ev   models.StreamEvent
		want State
	}{
		{models.NewTextDelta("m1", "hi"), StateStreaming},
		{models.NewActionCallStart("c1", "log", ""), StateActionPending},
		{models.NewActionCallArgs("c1", "{}"), StateActionPending},
		{models.NewActionCallEnd("c1"), StateStreaming},
		{models.NewMetaEvent(models.MetaPayload{Kind: models.MetaActionResult, Result: &models.ActionResult{ActionCallID: "c1", Result: "ok"}}), StateStreaming},
	}
	for i, step := range steps {
		if err := a.Apply(step.ev); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if a.State() != step.want {
			t.Errorf("step %d: state = %s, want %s", i, a.State(), step.want)
		}
	}

	if err := a.Complete(); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := a.Complete(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Complete() error = %v, want ErrInvalidTransition", err)
	}
	if err := a.Cancel(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Cancel() after Complete error = %v", err)
	}
	if err := a.Apply(models.NewTextDelta("m2", "late")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Apply after Complete error = %v", err)
	}
	if got := a.Response().Status; got != models.StatusSuccess {
		t.Errorf("Status = %s", got)
	}
}

func TestAssemblerInvalidActionEvents(t *testing.T) {
	tests := []struct {
		name   string
		events []models.StreamEvent
	}{
		{"args without start", []models.StreamEvent{models.NewActionCallArgs("x", "{}")}},
		{"end without start", []models.StreamEvent{models.NewActionCallEnd("x")}},
		{"double start", []models.StreamEvent{
			models.NewActionCallStart("x", "a", ""),
			models.NewActionCallStart("x", "a", ""),
		}},
		{"args after end", []models.StreamEvent{
			models.NewActionCallStart("x", "a", ""),
			models.NewActionCallEnd("x"),
			models.NewActionCallArgs("x", "more"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembler("t", "r")
			var err error
			for _, ev := range tt.events {
				if err = a.Apply(ev); err != nil {
					break
				}
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestAssemblerDuplicateEndIgnored(t *testing.T) {
	a := NewAssembler("t", "r")
	for _, ev := range callEvents("c1", "log", `{"v":1}`) {
		if err := a.Apply(ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Apply(models.NewActionCallEnd("c1")); err != nil {
		t.Errorf("duplicate end error = %v, want nil", err)
	}
	if got := a.Response().ActionCalls[0].ArgumentsJSON; got != `{"v":1}` {
		t.Errorf("arguments = %q", got)
	}
}

func TestAssemblerMessageLayout(t *testing.T) {
	a := NewAssembler("t", "r")
	events := []models.StreamEvent{
		models.NewTextDelta("m1", "Let me "),
		models.NewTextDelta("m1", "check."),
	}
	events = append(events, callEvents("c1", "lookup", `{}`)...)
	events = append(events,
		models.NewMetaEvent(models.MetaPayload{Kind: models.MetaActionResult, Result: &models.ActionResult{ActionCallID: "c1", ActionName: "lookup", Result: map[string]any{"n": 1}}}),
		models.NewMetaEvent(models.MetaPayload{Kind: models.MetaFollowUpStarted}),
		models.NewTextDelta("m2", "Found one."),
	)
	for _, ev := range events {
		if err := a.Apply(ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Complete(); err != nil {
		t.Fatal(err)
	}

	msgs := a.Response().Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3: %+v", len(msgs), msgs)
	}
	if msgs[0].Content != "Let me check." || len(msgs[0].ActionExecutions) != 1 {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[0].ActionExecutions[0].Arguments != "{}" {
		t.Errorf("execution arguments = %q", msgs[0].ActionExecutions[0].Arguments)
	}
	if msgs[1].Role != models.RoleTool || msgs[1].Content != `{"n":1}` {
		t.Errorf("tool message = %+v", msgs[1])
	}
	if msgs[2].ID != "m2" || msgs[2].Content != "Found one." {
		t.Errorf("last message = %+v", msgs[2])
	}
	if calls := a.Response().ActionCalls; calls[0].ParentMessage != "m1" {
		t.Errorf("ParentMessage = %q, want m1", calls[0].ParentMessage)
	}
}

func TestAssemblerCallWithoutText(t *testing.T) {
	a := NewAssembler("t", "r")
	for _, ev := range callEvents("c1", "log", `{}`) {
		if err := a.Apply(ev); err != nil {
			t.Fatal(err)
		}
	}
	msgs := a.Response().Messages
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant || msgs[0].Content != "" {
		t.Fatalf("messages = %+v, want one empty assistant message carrying the call", msgs)
	}
}

func TestAssemblerTerminalStatuses(t *testing.T) {
	tests := []struct {
		name string
		end  func(a *Assembler) error
		want models.TerminalStatus
	}{
		{"complete", (*Assembler).Complete, models.StatusSuccess},
		{"cancel", (*Assembler).Cancel, models.StatusMessageStreamInterrupted},
		{"fail", func(a *Assembler) error {
			return a.Fail(&models.ErrorPayload{Kind: models.ErrorKindAuth, Message: "bad key", Fatal: true})
		}, models.StatusUnknownError},
		{"reject", func(a *Assembler) error { return a.Reject("blocked") }, models.StatusGuardrailsValidationFailure},
		{"fatal event", func(a *Assembler) error {
			return a.Apply(models.NewErrorEvent(models.ErrorKindQuota, "openai", "quota exceeded"))
		}, models.StatusUnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembler("t", "r")
			if err := tt.end(a); err != nil {
				t.Fatalf("terminate: %v", err)
			}
			if !a.State().Terminal() {
				t.Errorf("state %s is not terminal", a.State())
			}
			if got := a.Response().Status; got != tt.want {
				t.Errorf("Status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAssemblerNonFatalErrorIgnored(t *testing.T) {
	a := NewAssembler("t", "r")
	ev := models.NewErrorEvent(models.ErrorKindUnknown, "agent", "warning")
	ev.Error.Fatal = false
	if err := a.Apply(ev); err != nil {
		t.Fatal(err)
	}
	if a.State().Terminal() {
		t.Error("non-fatal error ended the request")
	}
}
