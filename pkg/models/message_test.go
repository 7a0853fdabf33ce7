package models

import (
	"encoding/json"
	"testing"
)

func TestActionResultContent(t *testing.T) {
	tests := []struct {
		name   string
		result ActionResult
		want   string
	}{
		{name: "string result", result: ActionResult{Result: "ok"}, want: "ok"},
		{name: "nil result", result: ActionResult{}, want: ""},
		{name: "raw json", result: ActionResult{Result: json.RawMessage(`{"a":1}`)}, want: `{"a":1}`},
		{name: "structured", result: ActionResult{Result: map[string]int{"value": 4}}, want: `{"value":4}`},
		{name: "error wins", result: ActionResult{Result: "ignored", Error: "boom"}, want: "Error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Content(); got != tt.want {
				t.Errorf("Content() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if Role("developer").Valid() {
		t.Error("unknown role reported valid")
	}
}

func TestErrorKindRetryable(t *testing.T) {
	retryable := map[ErrorKind]bool{
		ErrorKindRateLimit:        true,
		ErrorKindTimeout:          true,
		ErrorKindNetwork:          true,
		ErrorKindServerError:      true,
		ErrorKindModelUnavailable: true,
		ErrorKindQuota:            false,
		ErrorKindAuth:             false,
		ErrorKindInvalidRequest:   false,
		ErrorKindContentFilter:    false,
		ErrorKindUnknown:          false,
	}
	for kind, want := range retryable {
		if got := kind.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", kind, got, want)
		}
	}
}

func TestNewErrorEventIsFatal(t *testing.T) {
	ev := NewErrorEvent(ErrorKindRateLimit, "openai", "slow down")
	if !ev.IsFatal() {
		t.Fatal("adapter error events should be fatal")
	}
	if !ev.Error.Retryable {
		t.Error("rate limit error should be retryable")
	}
	if NewTextDelta("m1", "hi").IsFatal() {
		t.Error("text delta reported fatal")
	}
}
