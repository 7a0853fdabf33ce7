package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/internal/toolconv"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// GoogleAdapter streams Gemini responses through the Google Gen AI SDK.
//
// Message Mapping:
//   - System messages become the SystemInstruction of the request
//   - Assistant messages use role "model"; action executions become
//     FunctionCall parts
//   - Tool messages become FunctionResponse parts of a user message
//
// Streaming:
// Gemini delivers each function call whole in a single part, without an
// id. The adapter assigns call ids, forwards start and arguments at once,
// and emits the ActionCallEnd events when the response iterator ends.
type GoogleAdapter struct {
	client *genai.Client
	config Config
	name   string
}

// NewGoogleAdapter creates an adapter for the Gemini API.
//
// Errors:
//   - "google: API key is required": When cfg.APIKey is empty
//   - "google: failed to create client": When SDK client creation fails
func NewGoogleAdapter(cfg Config) (*GoogleAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleAdapter{
		client: client,
		config: cfg,
		name:   cfg.name("google"),
	}, nil
}

// Name returns the adapter name used for routing.
func (a *GoogleAdapter) Name() string {
	return a.name
}

// Invoke starts a streaming GenerateContent call.
func (a *GoogleAdapter) Invoke(ctx context.Context, req *copilot.AdapterRequest) (copilot.EventStream, error) {
	model := a.config.model(req.Forwarded)
	contents := convertToGeminiContents(req.Messages)
	config := a.buildConfig(req)

	return streamWith(ctx, func(ctx context.Context, emit copilot.EmitFunc) {
		a.processStream(ctx, a.client.Models.GenerateContentStream(ctx, model, contents, config), emit)
	}), nil
}

// buildConfig maps forwarded parameters onto GenerateContentConfig.
func (a *GoogleAdapter) buildConfig(req *copilot.AdapterRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if system := systemPrompt(req.Messages); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if maxTokens := a.config.maxTokens(req.Forwarded); maxTokens > 0 {
		maxTokens = min(maxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Forwarded.Temperature != nil {
		temperature := float32(*req.Forwarded.Temperature)
		config.Temperature = &temperature
	}
	if len(req.Forwarded.Stop) > 0 {
		config.StopSequences = req.Forwarded.Stop
	}
	if tools := toolconv.ToGeminiTools(req.Actions); len(tools) > 0 {
		config.Tools = tools
		config.ToolConfig = toolconv.ToGeminiToolConfig(req.Forwarded)
	}

	return config
}

func (a *GoogleAdapter) processStream(ctx context.Context, responses iter.Seq2[*genai.GenerateContentResponse, error], emit copilot.EmitFunc) {
	messageID := uuid.NewString()
	calls := newTurnCalls(messageID)
	callIndex := 0

	for resp, err := range responses {
		if err != nil {
			emitError(ctx, emit, a.wrapError(err))
			return
		}
		if resp == nil {
			continue
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil {
				continue
			}
			if candidate.FinishReason == genai.FinishReasonSafety {
				emitError(ctx, emit, copilot.NewAdapterError(a.name, errors.New("response blocked by safety settings")).
					WithCode("safety"))
				return
			}
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" && !part.Thought {
					if !emit(models.NewTextDelta(messageID, part.Text)) {
						return
					}
				}
				if part.FunctionCall != nil {
					id := part.FunctionCall.ID
					if id == "" {
						id = generateCallID()
					}
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil || part.FunctionCall.Args == nil {
						argsJSON = []byte("{}")
					}
					key := strconv.Itoa(callIndex)
					callIndex++
					if !calls.update(key, id, part.FunctionCall.Name, string(argsJSON), emit) {
						return
					}
				}
			}
		}
	}

	calls.flush(emit)
}

// convertToGeminiContents converts conversation history to Gemini contents.
// System messages are skipped; see systemPrompt.
func convertToGeminiContents(messages []models.Message) []*genai.Content {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}

		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, exec := range msg.ActionExecutions {
				var args map[string]any
				if err := json.Unmarshal([]byte(argumentsOrEmpty(exec.Arguments)), &args); err != nil {
					args = make(map[string]any)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: exec.ID, Name: exec.Name, Args: args},
				})
			}

		case models.RoleTool:
			if msg.ActionResult == nil {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
				break
			}
			name := msg.ActionResult.ActionName
			if name == "" {
				name = msg.Name
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ActionResult.ActionCallID,
					Name:     name,
					Response: functionResponse(msg),
				},
			})

		default:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result
}

// functionResponse shapes a tool message as the object Gemini expects.
// JSON object results pass through; anything else is wrapped.
func functionResponse(msg models.Message) map[string]any {
	if toolFailed(msg) {
		return map[string]any{"error": msg.ActionResult.Error}
	}
	var response map[string]any
	if err := json.Unmarshal([]byte(msg.Content), &response); err == nil && response != nil {
		return response
	}
	return map[string]any{"result": msg.Content}
}

// wrapError classifies Gemini errors. The SDK reports HTTP failures as
// messages carrying the status code and gRPC status name.
func (a *GoogleAdapter) wrapError(err error) *copilot.AdapterError {
	if adapterErr, ok := copilot.GetAdapterError(err); ok {
		return adapterErr
	}

	wrapped := copilot.NewAdapterError(a.name, err)
	errMsg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errMsg, "401") || strings.Contains(errMsg, "unauthenticated"):
		wrapped = wrapped.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403") || strings.Contains(errMsg, "permission_denied"):
		wrapped = wrapped.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "404") || strings.Contains(errMsg, "not_found"):
		wrapped = wrapped.WithStatus(http.StatusNotFound)
	case strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource_exhausted"):
		wrapped = wrapped.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "400") || strings.Contains(errMsg, "invalid_argument"):
		wrapped = wrapped.WithStatus(http.StatusBadRequest)
	case strings.Contains(errMsg, "503") || strings.Contains(errMsg, "unavailable"):
		wrapped = wrapped.WithStatus(http.StatusServiceUnavailable)
	case strings.Contains(errMsg, "500"):
		wrapped = wrapped.WithStatus(http.StatusInternalServerError)
	}

	return wrapped
}
