package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/internal/toolconv"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// BedrockConfig configures the AWS Bedrock adapter.
type BedrockConfig struct {
	Name   string `yaml:"name" json:"name,omitempty"`
	Region string `yaml:"region" json:"region,omitempty"`

	// Static credentials. When empty, the default AWS credential chain is
	// used (environment, shared config, instance role).
	AccessKeyID     string `yaml:"access_key_id" json:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secretAccessKey,omitempty"`
	SessionToken    string `yaml:"session_token" json:"sessionToken,omitempty"`

	DefaultModel string `yaml:"default_model" json:"defaultModel,omitempty"`
	MaxTokens    int    `yaml:"max_tokens" json:"maxTokens,omitempty"`
}

// converseStreamer is the part of the Bedrock runtime client the adapter
// calls.
type converseStreamer interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockAdapter streams responses from models hosted on AWS Bedrock via
// the Converse API.
type BedrockAdapter struct {
	client converseStreamer
	config Config
	name   string
}

// NewBedrockAdapter loads AWS configuration and creates the adapter.
func NewBedrockAdapter(cfg BedrockConfig) (*BedrockAdapter, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}

	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return newBedrockAdapter(bedrockruntime.NewFromConfig(awsCfg), Config{
		Name:         cfg.Name,
		DefaultModel: cfg.DefaultModel,
		MaxTokens:    cfg.MaxTokens,
	}), nil
}

func newBedrockAdapter(client converseStreamer, cfg Config) *BedrockAdapter {
	return &BedrockAdapter{client: client, config: cfg, name: cfg.name("bedrock")}
}

// Name returns the adapter name used for routing.
func (a *BedrockAdapter) Name() string {
	return a.name
}

// Invoke starts a ConverseStream call.
func (a *BedrockAdapter) Invoke(ctx context.Context, req *copilot.AdapterRequest) (copilot.EventStream, error) {
	input := a.buildInput(req)

	return streamWith(ctx, func(ctx context.Context, emit copilot.EmitFunc) {
		output, err := a.client.ConverseStream(ctx, input)
		if err != nil {
			emitError(ctx, emit, a.wrapError(err))
			return
		}
		eventStream := output.GetStream()
		defer eventStream.Close()
		a.processStream(ctx, eventStream.Events(), eventStream.Err, emit)
	}), nil
}

func (a *BedrockAdapter) buildInput(req *copilot.AdapterRequest) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(a.config.model(req.Forwarded)),
		Messages: convertToBedrockMessages(req.Messages),
	}
	if system := systemPrompt(req.Messages); system != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}

	inference := &types.InferenceConfiguration{}
	hasInference := false
	if maxTokens := a.config.maxTokens(req.Forwarded); maxTokens > 0 {
		maxTokens = min(maxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		inference.MaxTokens = aws.Int32(int32(maxTokens))
		hasInference = true
	}
	if req.Forwarded.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Forwarded.Temperature))
		hasInference = true
	}
	if len(req.Forwarded.Stop) > 0 {
		inference.StopSequences = req.Forwarded.Stop
		hasInference = true
	}
	if hasInference {
		input.InferenceConfig = inference
	}

	input.ToolConfig = toolconv.ToBedrockTools(req.Actions, req.Forwarded)
	return input
}

// processStream reads Converse stream events until messageStop or until
// the event channel closes. errFn reports the stream error once the
// channel is closed.
func (a *BedrockAdapter) processStream(ctx context.Context, events <-chan types.ConverseStreamOutput, errFn func() error, emit copilot.EmitFunc) {
	messageID := uuid.NewString()
	calls := newTurnCalls(messageID)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				if err := errFn(); err != nil {
					emitError(ctx, emit, a.wrapError(err))
					return
				}
				calls.flush(emit)
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					key := blockKey(ev.Value.ContentBlockIndex)
					if !calls.update(key, aws.ToString(toolUse.Value.ToolUseId), aws.ToString(toolUse.Value.Name), "", emit) {
						return
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" && !emit(models.NewTextDelta(messageID, delta.Value)) {
						return
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if input := aws.ToString(delta.Value.Input); input != "" {
						if !calls.update(blockKey(ev.Value.ContentBlockIndex), "", "", input, emit) {
							return
						}
					}
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				calls.flush(emit)
				return
			}
		}
	}
}

func blockKey(index *int32) string {
	return strconv.Itoa(int(aws.ToInt32(index)))
}

// convertToBedrockMessages converts conversation history to Converse
// messages. Consecutive tool results share one user message.
func convertToBedrockMessages(messages []models.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))
	var toolResults []types.ContentBlock

	flushResults := func() {
		if len(toolResults) > 0 {
			result = append(result, types.Message{Role: types.ConversationRoleUser, Content: toolResults})
			toolResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			if id := toolCallID(msg); id != "" {
				block := types.ToolResultBlock{
					ToolUseId: aws.String(id),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				}
				if toolFailed(msg) {
					block.Status = types.ToolResultStatusError
				}
				toolResults = append(toolResults, &types.ContentBlockMemberToolResult{Value: block})
				continue
			}
			flushResults()
			if msg.Content != "" {
				result = append(result, types.Message{
					Role:    types.ConversationRoleUser,
					Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
				})
			}

		case models.RoleAssistant:
			flushResults()
			var content []types.ContentBlock
			if msg.Content != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, exec := range msg.ActionExecutions {
				var input any
				if err := json.Unmarshal([]byte(argumentsOrEmpty(exec.Arguments)), &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(exec.ID),
						Name:      aws.String(exec.Name),
						Input:     document.NewLazyDocument(input),
					},
				})
			}
			if len(content) > 0 {
				result = append(result, types.Message{Role: types.ConversationRoleAssistant, Content: content})
			}

		default:
			flushResults()
			if msg.Content != "" {
				result = append(result, types.Message{
					Role:    types.ConversationRoleUser,
					Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
				})
			}
		}
	}
	flushResults()

	return result
}

// httpStatusError is implemented by smithy transport response errors.
type httpStatusError interface {
	HTTPStatusCode() int
}

// wrapError classifies AWS errors by HTTP status and exception name
// (ThrottlingException, ValidationException, ...).
func (a *BedrockAdapter) wrapError(err error) *copilot.AdapterError {
	if adapterErr, ok := copilot.GetAdapterError(err); ok {
		return adapterErr
	}

	wrapped := copilot.NewAdapterError(a.name, err)

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		wrapped = wrapped.WithStatus(statusErr.HTTPStatusCode())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		wrapped = wrapped.WithCode(apiErr.ErrorCode())
		if msg := apiErr.ErrorMessage(); msg != "" {
			wrapped = wrapped.WithMessage(msg)
		}
	}
	return wrapped
}
