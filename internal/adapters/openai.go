package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/internal/toolconv"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// OpenAIAdapter streams chat completions from OpenAI or any endpoint that
// speaks the OpenAI chat completions protocol (Azure deployments, local
// gateways, Groq, Ollama).
//
// Message Mapping:
//   - System messages stay in the message list with role "system"
//   - Assistant action executions become tool calls on the assistant message
//   - Each tool message becomes one "tool" role message linked by ToolCallID
//
// Streaming:
// OpenAI streams tool calls incrementally, keyed by an index. The first
// fragment of a call carries its id and name; later fragments carry
// argument JSON. The adapter forwards fragments as they arrive and emits the
// ActionCallEnd events when the choice finishes, or when the stream ends
// without a finish reason.
//
// Thread Safety:
// OpenAIAdapter is safe for concurrent use. Each Invoke owns its stream.
type OpenAIAdapter struct {
	client *openai.Client
	config Config
	name   string
}

// NewOpenAIAdapter creates an adapter for the OpenAI chat completions API.
//
// An empty APIKey is accepted when BaseURL points at a gateway that does not
// authenticate; requests against api.openai.com then fail with an auth
// error event.
//
// Example:
//
//	adapter, err := NewOpenAIAdapter(Config{
//	    APIKey:       os.Getenv("OPENAI_API_KEY"),
//	    DefaultModel: "gpt-4o",
//	})
func NewOpenAIAdapter(cfg Config) (*OpenAIAdapter, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIAdapter{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
		name:   cfg.name("openai"),
	}, nil
}

// Name returns the adapter name used for routing.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Invoke starts a streaming chat completion. The HTTP request is sent from
// the stream's producer goroutine, so connection and API failures surface
// as the stream's error event.
func (a *OpenAIAdapter) Invoke(ctx context.Context, req *copilot.AdapterRequest) (copilot.EventStream, error) {
	chatReq, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}

	return streamWith(ctx, func(ctx context.Context, emit copilot.EmitFunc) {
		stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			emitError(ctx, emit, a.wrapError(err))
			return
		}
		defer stream.Close()
		a.processStream(ctx, stream, emit)
	}), nil
}

func (a *OpenAIAdapter) buildRequest(req *copilot.AdapterRequest) (openai.ChatCompletionRequest, error) {
	model := a.config.model(req.Forwarded)
	if model == "" {
		return openai.ChatCompletionRequest{}, errors.New("openai: no model configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertToOpenAIMessages(req.Messages),
		Stream:   true,
		Stop:     req.Forwarded.Stop,
	}
	if maxTokens := a.config.maxTokens(req.Forwarded); maxTokens > 0 {
		chatReq.MaxTokens = maxTokens
	}
	if req.Forwarded.Temperature != nil {
		chatReq.Temperature = float32(*req.Forwarded.Temperature)
	}
	if tools := toolconv.ToOpenAITools(req.Actions); len(tools) > 0 {
		chatReq.Tools = tools
		if choice := toolconv.ToOpenAIToolChoice(req.Forwarded); choice != nil {
			chatReq.ToolChoice = choice
		}
	}
	return chatReq, nil
}

// chatStream is the part of *openai.ChatCompletionStream the reader needs.
type chatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
}

// processStream converts OpenAI stream chunks into stream events until the
// stream ends or the consumer goes away.
func (a *OpenAIAdapter) processStream(ctx context.Context, stream chatStream, emit copilot.EmitFunc) {
	var messageID string
	calls := newTurnCalls("")

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				calls.flush(emit)
				return
			}
			emitError(ctx, emit, a.wrapError(err))
			return
		}

		if messageID == "" {
			messageID = response.ID
			if messageID == "" {
				messageID = uuid.NewString()
			}
			calls.messageID = messageID
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(models.NewTextDelta(messageID, choice.Delta.Content)) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if !calls.update(strconv.Itoa(index), tc.ID, tc.Function.Name, tc.Function.Arguments, emit) {
				return
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls ||
			choice.FinishReason == openai.FinishReasonFunctionCall ||
			choice.FinishReason == openai.FinishReasonStop {
			if !calls.flush(emit) {
				return
			}
		}
		if choice.FinishReason == openai.FinishReasonContentFilter {
			emitError(ctx, emit, copilot.NewAdapterError(a.name, errors.New("response stopped by content filter")).
				WithCode("content_filter"))
			return
		}
	}
}

// convertToOpenAIMessages converts conversation history to OpenAI messages.
// Tool messages without a structured result are sent as user text, since
// OpenAI rejects tool messages that answer no call.
func convertToOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ActionExecutions) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ActionExecutions))
				for i, exec := range msg.ActionExecutions {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   exec.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      exec.Name,
							Arguments: argumentsOrEmpty(exec.Arguments),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			if id := toolCallID(msg); id != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    msg.Content,
					ToolCallID: id,
				})
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

func argumentsOrEmpty(args string) string {
	if args == "" {
		return "{}"
	}
	return args
}

// wrapError normalizes go-openai errors. APIError carries the status and
// the provider's error code; RequestError only the HTTP status.
func (a *OpenAIAdapter) wrapError(err error) *copilot.AdapterError {
	if adapterErr, ok := copilot.GetAdapterError(err); ok {
		return adapterErr
	}

	wrapped := copilot.NewAdapterError(a.name, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped = wrapped.WithStatus(apiErr.HTTPStatusCode)
		if code := openAIErrorCode(apiErr.Code); code != "" {
			wrapped = wrapped.WithCode(code)
		} else if apiErr.Type != "" {
			wrapped = wrapped.WithCode(apiErr.Type)
		}
		if apiErr.Message != "" {
			wrapped = wrapped.WithMessage(apiErr.Message)
		}
		return wrapped
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return wrapped.WithStatus(reqErr.HTTPStatusCode)
	}

	return wrapped
}

// openAIErrorCode renders APIError.Code, which the API sends as either a
// string or a number.
func openAIErrorCode(code any) string {
	switch v := code.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
