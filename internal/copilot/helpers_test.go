package copilot

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// scriptedAdapter replays one event list per invocation and records the
// requests it saw. Invocations past the script return an empty stream.
type scriptedAdapter struct {
	name  string
	turns [][]models.StreamEvent

	mu       sync.Mutex
	requests []*AdapterRequest
}

func newScriptedAdapter(turns ...[]models.StreamEvent) *scriptedAdapter {
	return &scriptedAdapter{name: "scripted", turns: turns}
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Invoke(_ context.Context, req *AdapterRequest) (EventStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	clone := *req
	clone.Messages = append([]models.Message(nil), req.Messages...)
	a.requests = append(a.requests, &clone)
	idx := len(a.requests) - 1
	if idx >= len(a.turns) {
		return NewSliceStream(), nil
	}
	return NewSliceStream(a.turns[idx]...), nil
}

func (a *scriptedAdapter) invocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func (a *scriptedAdapter) request(i int) *AdapterRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[i]
}

// failingStream returns err from Recv.
type failingStream struct {
	err error
}

func (s *failingStream) Recv(context.Context) (models.StreamEvent, error) {
	return models.StreamEvent{}, s.err
}

func (s *failingStream) Close() error { return nil }

var _ EventStream = (*failingStream)(nil)

// recordingSink keeps every emitted event.
type recordingSink struct {
	mu     sync.Mutex
	events []models.StreamEvent
}

func (s *recordingSink) Emit(_ context.Context, ev models.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []models.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StreamEvent(nil), s.events...)
}

// text concatenates the text deltas seen by the sink.
func (s *recordingSink) text() string {
	var out string
	for _, ev := range s.all() {
		if ev.Type == models.EventTextDelta {
			out += ev.Text.Delta
		}
	}
	return out
}

func (s *recordingSink) metaKinds() []models.MetaKind {
	var kinds []models.MetaKind
	for _, ev := range s.all() {
		if ev.Type == models.EventMeta {
			kinds = append(kinds, ev.Meta.Kind)
		}
	}
	return kinds
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{Logger: quietLogger()}
}

var valueParams = []models.ActionParameter{
	{Name: "value", Type: models.ParamNumber, Required: true},
}

// handlerSource builds a frozen handler table with one action.
func handlerSource(t *testing.T, name string, params []models.ActionParameter, handler actions.Handler) *actions.HandlerTable {
	t.Helper()
	table := actions.NewHandlerTable()
	if err := table.Register(models.ActionSpec{Name: name, Parameters: params}, handler); err != nil {
		t.Fatalf("Register(%s) error = %v", name, err)
	}
	table.Freeze()
	return table
}

// callEvents returns start, args and end events for one call.
func callEvents(id, name, args string) []models.StreamEvent {
	return []models.StreamEvent{
		models.NewActionCallStart(id, name, ""),
		models.NewActionCallArgs(id, args),
		models.NewActionCallEnd(id),
	}
}

func userRequest(content string) *models.RuntimeRequest {
	return &models.RuntimeRequest{
		Messages: []models.Message{{ID: "m0", Role: models.RoleUser, Content: content}},
	}
}

func countRole(msgs []models.Message, role models.Role) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

func containsKind(kinds []models.MetaKind, kind models.MetaKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
