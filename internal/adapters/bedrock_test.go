package adapters

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

func bedrockEvents(events ...types.ConverseStreamOutput) <-chan types.ConverseStreamOutput {
	ch := make(chan types.ConverseStreamOutput, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestBedrockProcessStream(t *testing.T) {
	adapter := newBedrockAdapter(nil, Config{})
	rec := &recorder{}

	events := bedrockEvents(
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &types.ContentBlockDeltaMemberText{Value: "Sure."},
		}},
		&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(1),
			Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{
				ToolUseId: aws.String("tooluse_1"),
				Name:      aws.String("get_weather"),
			}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`{"city":"Oslo"}`)}},
		}},
		&types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(1)}},
		&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonToolUse}},
	)
	adapter.processStream(context.Background(), events, func() error { return nil }, rec.emit)

	assertShape(t, rec.events,
		"text:Sure.",
		"start:tooluse_1:get_weather",
		`args:tooluse_1:{"city":"Oslo"}`,
		"end:tooluse_1",
	)
}

func TestBedrockProcessStreamError(t *testing.T) {
	adapter := newBedrockAdapter(nil, Config{})
	rec := &recorder{}

	streamErr := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Too many requests, please wait"}
	adapter.processStream(context.Background(), bedrockEvents(), func() error { return streamErr }, rec.emit)

	assertShape(t, rec.events, "error:rate_limit")
	if rec.events[0].Error.Code != "ThrottlingException" || !rec.events[0].Error.Retryable {
		t.Errorf("error = %+v", rec.events[0].Error)
	}
}

type stubConverse struct {
	input *bedrockruntime.ConverseStreamInput
	err   error
}

func (s *stubConverse) ConverseStream(_ context.Context, input *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	s.input = input
	return nil, s.err
}

func TestBedrockInvokeMapsRequest(t *testing.T) {
	stub := &stubConverse{err: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no access"}}
	adapter := newBedrockAdapter(stub, Config{DefaultModel: "anthropic.claude-3-haiku", MaxTokens: 256})

	temperature := 0.5
	stream, err := adapter.Invoke(context.Background(), &copilot.AdapterRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "sys"},
			{Role: models.RoleUser, Content: "hi"},
		},
		Actions:   []models.ActionSpec{weatherAction},
		Forwarded: models.ForwardedParameters{Temperature: &temperature, Stop: []string{"END"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	events, err := copilot.Collect(context.Background(), stream)
	if err != nil {
		t.Fatal(err)
	}
	assertShape(t, events, "error:auth")

	in := stub.input
	if aws.ToString(in.ModelId) != "anthropic.claude-3-haiku" {
		t.Errorf("ModelId = %q", aws.ToString(in.ModelId))
	}
	if len(in.System) != 1 || len(in.Messages) != 1 {
		t.Errorf("system = %d messages = %d, want 1 and 1", len(in.System), len(in.Messages))
	}
	if in.InferenceConfig == nil || aws.ToInt32(in.InferenceConfig.MaxTokens) != 256 || aws.ToFloat32(in.InferenceConfig.Temperature) != 0.5 {
		t.Errorf("InferenceConfig = %+v", in.InferenceConfig)
	}
	if in.ToolConfig == nil || len(in.ToolConfig.Tools) != 1 {
		t.Errorf("ToolConfig = %+v", in.ToolConfig)
	}
}

func TestConvertToBedrockMessages(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: "two"},
		{Role: models.RoleAssistant, ActionExecutions: []models.ActionExecution{{ID: "a", Name: "x"}, {ID: "b", Name: "x", Arguments: `{"k":1}`}}},
		{Role: models.RoleTool, Content: "1", ActionResult: &models.ActionResult{ActionCallID: "a", Result: "1"}},
		{Role: models.RoleTool, Content: "Error: no", ActionResult: &models.ActionResult{ActionCallID: "b", Error: "no"}},
		{Role: models.RoleUser, Content: "thanks"},
	}

	got := convertToBedrockMessages(messages)
	if len(got) != 4 {
		t.Fatalf("messages = %d, want 4", len(got))
	}
	if got[1].Role != types.ConversationRoleAssistant || len(got[1].Content) != 2 {
		t.Errorf("assistant = %+v", got[1])
	}
	if got[2].Role != types.ConversationRoleUser || len(got[2].Content) != 2 {
		t.Fatalf("tool results = %+v", got[2])
	}
	failed, ok := got[2].Content[1].(*types.ContentBlockMemberToolResult)
	if !ok || failed.Value.Status != types.ToolResultStatusError {
		t.Errorf("failed result = %+v", got[2].Content[1])
	}
}

func TestBedrockWrapErrorKeepsAdapterErrors(t *testing.T) {
	adapter := newBedrockAdapter(nil, Config{})
	original := copilot.NewAdapterError("bedrock", errors.New("x"))
	if adapter.wrapError(original) != original {
		t.Error("wrapError re-wrapped an AdapterError")
	}
	validation := adapter.wrapError(&smithy.GenericAPIError{Code: "ValidationException", Message: "bad"})
	if validation.Kind != models.ErrorKindInvalidRequest || validation.Message != "bad" {
		t.Errorf("wrapError(validation) = %+v", validation)
	}
}
