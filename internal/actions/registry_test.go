package actions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

func okHandler(result any) Handler {
	return func(context.Context, map[string]any) (any, error) { return result, nil }
}

type staticSource struct {
	name    string
	actions []Action
	err     error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Actions(context.Context) ([]Action, error) { return s.actions, s.err }

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "log", wantErr: false},
		{name: "with dashes and underscores", input: "send_email-v2", wantErr: false},
		{name: "empty", input: "", wantErr: true},
		{name: "space", input: "send email", wantErr: true},
		{name: "dot", input: "ns.tool", wantErr: true},
		{name: "too long", input: strings.Repeat("a", MaxActionNameLength+1), wantErr: true},
		{name: "max length", input: strings.Repeat("a", MaxActionNameLength), wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidActionName) {
				t.Errorf("error should wrap ErrInvalidActionName, got %v", err)
			}
		})
	}
}

func TestRegistryAdd(t *testing.T) {
	r := NewRegistry("")

	if err := r.Add(models.ActionSpec{Name: "log"}, okHandler("ok")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	action, ok := r.Get("log")
	if !ok {
		t.Fatal("expected log to be registered")
	}
	if !action.Backend() {
		t.Error("action without site should default to backend")
	}

	if err := r.Add(models.ActionSpec{Name: "nohandler", ExecutionSite: models.SiteBackend}, nil); err == nil {
		t.Error("backend action without handler should be rejected")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get() found an unregistered action")
	}
}

func TestRegistryDuplicatePolicy(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		r := NewRegistry(DuplicateReject)
		if err := r.Add(models.ActionSpec{Name: "log", Source: "handlers"}, okHandler(1)); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		err := r.Add(models.ActionSpec{Name: "log", Source: "mcp:tools"}, okHandler(2))
		if !errors.Is(err, ErrDuplicateAction) {
			t.Fatalf("expected ErrDuplicateAction, got %v", err)
		}
		if !strings.Contains(err.Error(), "handlers") || !strings.Contains(err.Error(), "mcp:tools") {
			t.Errorf("error should name both sources: %v", err)
		}
	})

	t.Run("last wins", func(t *testing.T) {
		r := NewRegistry(DuplicateLastWins)
		_ = r.Add(models.ActionSpec{Name: "log", Description: "first"}, okHandler(1))
		if err := r.Add(models.ActionSpec{Name: "log", Description: "second"}, okHandler(2)); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if r.Len() != 1 {
			t.Fatalf("Len() = %d, want 1", r.Len())
		}
		action, _ := r.Get("log")
		if action.Spec.Description != "second" {
			t.Errorf("Description = %q, want second", action.Spec.Description)
		}
		got, _ := action.Handler(context.Background(), nil)
		if got != 2 {
			t.Errorf("handler result = %v, want 2", got)
		}
	})
}

func TestRegistryAddFrontendForcesSite(t *testing.T) {
	r := NewRegistry("")
	err := r.AddFrontend([]models.ActionSpec{{Name: "showToast", ExecutionSite: models.SiteBackend}})
	if err != nil {
		t.Fatalf("AddFrontend() error = %v", err)
	}
	action, _ := r.Get("showToast")
	if action.Backend() {
		t.Error("frontend-declared action must not run on the backend")
	}
	if action.Spec.Source != "request" {
		t.Errorf("Source = %q, want request", action.Spec.Source)
	}
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	frontend := []models.ActionSpec{{Name: "showToast"}}
	good := staticSource{name: "good", actions: []Action{{Spec: models.ActionSpec{Name: "log"}, Handler: okHandler("ok")}}}
	broken := staticSource{name: "broken", err: errors.New("connection refused")}

	r, err := Build(ctx, BuildOptions{}, frontend, good, broken, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	specs := r.Specs()
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if specs[0].Name != "showToast" || specs[1].Name != "log" {
		t.Errorf("specs out of order: %+v", specs)
	}
	if specs[1].Source != "good" {
		t.Errorf("Source = %q, want good", specs[1].Source)
	}

	clash := staticSource{name: "clash", actions: []Action{{Spec: models.ActionSpec{Name: "showToast"}, Handler: okHandler(nil)}}}
	if _, err := Build(ctx, BuildOptions{}, frontend, clash); !errors.Is(err, ErrDuplicateAction) {
		t.Errorf("expected duplicate error, got %v", err)
	}
}

func TestHandlerTable(t *testing.T) {
	table := NewHandlerTable()
	if err := table.Register(models.ActionSpec{Name: "log"}, okHandler("ok")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := table.Register(models.ActionSpec{Name: "log"}, okHandler("ok")); !errors.Is(err, ErrDuplicateAction) {
		t.Errorf("expected duplicate error, got %v", err)
	}
	if err := table.Register(models.ActionSpec{Name: "nil"}, nil); err == nil {
		t.Error("nil handler should be rejected")
	}

	table.Freeze()
	if err := table.Register(models.ActionSpec{Name: "late"}, okHandler(nil)); !errors.Is(err, ErrTableFrozen) {
		t.Errorf("expected ErrTableFrozen, got %v", err)
	}

	list, err := table.Actions(context.Background())
	if err != nil {
		t.Fatalf("Actions() error = %v", err)
	}
	if len(list) != 1 || list[0].Spec.ExecutionSite != models.SiteBackend || list[0].Spec.Source != "handlers" {
		t.Errorf("unexpected actions: %+v", list)
	}
}
