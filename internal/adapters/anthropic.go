package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/internal/toolconv"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// defaultAnthropicMaxTokens is sent when neither the request nor the
// adapter config sets a limit. The Messages API requires one.
const defaultAnthropicMaxTokens = 4096

// AnthropicAdapter streams Claude responses from the Anthropic Messages API.
//
// Message Mapping:
//   - System messages are joined and sent in params.System
//   - Assistant action executions become tool_use content blocks
//   - Consecutive tool messages are merged into one user message of
//     tool_result blocks, since the API expects every result of a turn in
//     the message that follows it
//
// Streaming:
// Claude streams content blocks. A tool_use block opens with its id and
// name; input_json_delta events carry argument fragments. The adapter
// emits ActionCallEnd events for all tool_use blocks once message_stop
// arrives.
//
// Thread Safety:
// AnthropicAdapter is safe for concurrent use.
type AnthropicAdapter struct {
	client anthropic.Client
	config Config
	name   string
}

// NewAnthropicAdapter creates an adapter for the Anthropic Messages API.
//
// Errors:
//   - "anthropic: API key is required": When cfg.APIKey is empty
//
// Example:
//
//	adapter, err := NewAnthropicAdapter(Config{
//	    APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
//	    DefaultModel: "claude-sonnet-4-20250514",
//	})
func NewAnthropicAdapter(cfg Config) (*AnthropicAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		options = append(options, option.WithMaxRetries(cfg.MaxRetries))
	} else if cfg.MaxRetries < 0 {
		options = append(options, option.WithMaxRetries(0))
	}

	return &AnthropicAdapter{
		client: anthropic.NewClient(options...),
		config: cfg,
		name:   cfg.name("anthropic"),
	}, nil
}

// Name returns the adapter name used for routing.
func (a *AnthropicAdapter) Name() string {
	return a.name
}

// Invoke starts a streaming Messages API call.
func (a *AnthropicAdapter) Invoke(ctx context.Context, req *copilot.AdapterRequest) (copilot.EventStream, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	return streamWith(ctx, func(ctx context.Context, emit copilot.EmitFunc) {
		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()
		a.processStream(ctx, stream, emit)
	}), nil
}

func (a *AnthropicAdapter) buildParams(req *copilot.AdapterRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertToAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.config.model(req.Forwarded)),
		Messages:  messages,
		MaxTokens: int64(a.config.maxTokens(req.Forwarded)),
	}
	if system := systemPrompt(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Forwarded.Stop) > 0 {
		params.StopSequences = req.Forwarded.Stop
	}
	if req.Forwarded.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Forwarded.Temperature)
	}
	tools, err := toolconv.ToAnthropicTools(req.Actions)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: %w", err)
	}
	if len(tools) > 0 {
		params.Tools = tools
		if choice, ok := toolconv.ToAnthropicToolChoice(req.Forwarded); ok {
			params.ToolChoice = choice
		}
	}
	return params, nil
}

// processStream reads server-sent events until message_stop, an error
// event, or the end of the body.
func (a *AnthropicAdapter) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], emit copilot.EmitFunc) {
	var messageID string
	calls := newTurnCalls("")

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageID = event.AsMessageStart().Message.ID
			calls.messageID = messageID

		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type == "tool_use" {
				toolUse := start.ContentBlock.AsToolUse()
				if !calls.update(strconv.FormatInt(start.Index, 10), toolUse.ID, toolUse.Name, "", emit) {
					return
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				if delta.Delta.Text != "" && !emit(models.NewTextDelta(messageID, delta.Delta.Text)) {
					return
				}
			case "input_json_delta":
				if delta.Delta.PartialJSON != "" {
					if !calls.update(strconv.FormatInt(delta.Index, 10), "", "", delta.Delta.PartialJSON, emit) {
						return
					}
				}
			}

		case "message_stop":
			calls.flush(emit)
			return
		}
	}

	if err := stream.Err(); err != nil {
		emitError(ctx, emit, a.wrapError(err))
		return
	}
	calls.flush(emit)
}

// convertToAnthropicMessages converts conversation history to Messages API
// params. System messages are skipped; see systemPrompt.
func convertToAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var toolResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(toolResults) > 0 {
			result = append(result, anthropic.NewUserMessage(toolResults...))
			toolResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			if id := toolCallID(msg); id != "" {
				toolResults = append(toolResults, anthropic.NewToolResultBlock(id, msg.Content, toolFailed(msg)))
				continue
			}
			flushResults()
			if msg.Content != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}

		case models.RoleAssistant:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, exec := range msg.ActionExecutions {
				var input map[string]any
				if err := json.Unmarshal([]byte(argumentsOrEmpty(exec.Arguments)), &input); err != nil {
					return nil, copilot.NewAdapterError("anthropic", err).
						WithMessage("invalid arguments recorded for action call " + exec.ID)
				}
				content = append(content, anthropic.NewToolUseBlock(exec.ID, input, exec.Name))
			}
			if len(content) > 0 {
				result = append(result, anthropic.NewAssistantMessage(content...))
			}

		default:
			flushResults()
			if msg.Content != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}
	flushResults()

	return result, nil
}

// anthropicErrorPayload is the JSON body of an API error response.
type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// wrapError extracts the status and error type of *anthropic.Error. Mid
// stream errors (overloaded_error) arrive the same way.
func (a *AnthropicAdapter) wrapError(err error) *copilot.AdapterError {
	if adapterErr, ok := copilot.GetAdapterError(err); ok {
		return adapterErr
	}

	wrapped := copilot.NewAdapterError(a.name, err)

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return wrapped
	}

	wrapped = wrapped.WithStatus(apiErr.StatusCode)
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Type != "" {
				wrapped = wrapped.WithCode(payload.Error.Type)
			}
			if payload.Error.Message != "" {
				wrapped = wrapped.WithMessage(payload.Error.Message)
			}
		}
	}
	return wrapped
}
