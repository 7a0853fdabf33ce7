package adapters

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

type recorder struct {
	events []models.StreamEvent
}

func (r *recorder) emit(ev models.StreamEvent) bool {
	r.events = append(r.events, ev)
	return true
}

// shape renders events compactly: "text:Hi", "start:id:name", "args:id:{}",
// "end:id", "error:kind".
func shape(events []models.StreamEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		switch ev.Type {
		case models.EventTextDelta:
			out = append(out, "text:"+ev.Text.Delta)
		case models.EventActionCallStart:
			out = append(out, "start:"+ev.Action.CallID+":"+ev.Action.Name)
		case models.EventActionCallArgs:
			out = append(out, "args:"+ev.Action.CallID+":"+ev.Action.Delta)
		case models.EventActionCallEnd:
			out = append(out, "end:"+ev.Action.CallID)
		case models.EventError:
			out = append(out, "error:"+string(ev.Error.Kind))
		default:
			out = append(out, string(ev.Type))
		}
	}
	return out
}

func assertShape(t *testing.T, events []models.StreamEvent, want ...string) {
	t.Helper()
	got := shape(events)
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events =\n  %s\nwant\n  %s", strings.Join(got, "\n  "), strings.Join(want, "\n  "))
	}
}

func TestTurnCallsBuffersUntilNamed(t *testing.T) {
	rec := &recorder{}
	calls := newTurnCalls("m1")

	calls.update("0", "", "", `{"a":`, rec.emit)
	calls.update("0", "c1", "", "", rec.emit)
	calls.update("0", "", "lookup", "", rec.emit)
	calls.update("0", "", "", `1}`, rec.emit)
	calls.update("1", "c2", "other", "{}", rec.emit)

	if !calls.pending() {
		t.Fatal("pending() = false before flush")
	}
	calls.flush(rec.emit)
	if calls.pending() {
		t.Error("pending() = true after flush")
	}

	assertShape(t, rec.events,
		"start:c1:lookup",
		`args:c1:{"a":`,
		"args:c1:1}",
		"start:c2:other",
		"args:c2:{}",
		"end:c1",
		"end:c2",
	)
	if rec.events[0].Action.ParentMessage != "m1" {
		t.Errorf("ParentMessage = %q, want m1", rec.events[0].Action.ParentMessage)
	}
}

func TestTurnCallsFlushFillsMissingIDs(t *testing.T) {
	rec := &recorder{}
	calls := newTurnCalls("m1")
	calls.update("0", "", "named", "{}", rec.emit)
	calls.update("1", "orphan", "", "{}", rec.emit)
	calls.flush(rec.emit)

	if len(rec.events) != 3 {
		t.Fatalf("events = %v, want start, args and end of the named call", shape(rec.events))
	}
	id := rec.events[0].Action.CallID
	if !strings.HasPrefix(id, "call_") || rec.events[2].Action.CallID != id {
		t.Errorf("generated id %q not used consistently", id)
	}
}

func TestSystemPrompt(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "Be brief."},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleSystem, Content: "  "},
		{Role: models.RoleSystem, Content: "Answer in French."},
	}
	if got := systemPrompt(messages); got != "Be brief.\n\nAnswer in French." {
		t.Errorf("systemPrompt() = %q", got)
	}
}

func TestEmptyAdapter(t *testing.T) {
	stream, err := EmptyAdapter{}.Invoke(context.Background(), &copilot.AdapterRequest{})
	if err != nil {
		t.Fatal(err)
	}
	events, err := copilot.Collect(context.Background(), stream)
	if err != nil || len(events) != 0 {
		t.Errorf("Collect() = %v, %v; want no events", events, err)
	}

	adapter, err := New("empty", Config{Name: "fallback"}, BedrockConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if adapter.Name() != "fallback" {
		t.Errorf("Name() = %q, want the configured name", adapter.Name())
	}
}

func TestNewUnknownType(t *testing.T) {
	if _, err := New("watson", Config{}, BedrockConfig{}); err == nil {
		t.Fatal("New() accepted an unknown type")
	}
	adapter, err := New("groq", Config{APIKey: "k", DefaultModel: "llama-3.3-70b"}, BedrockConfig{})
	if err != nil {
		t.Fatalf("New(groq) error = %v", err)
	}
	if adapter.Name() != "groq" {
		t.Errorf("Name() = %q, want groq", adapter.Name())
	}
	if _, err := New("openrouter", Config{APIKey: "k"}, BedrockConfig{}); err == nil {
		t.Error("compatible provider without a model accepted")
	}
}
