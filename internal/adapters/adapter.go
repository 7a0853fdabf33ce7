// Package adapters implements copilot.ModelAdapter for the supported LLM
// providers.
//
// Every adapter follows the same contract:
//   - Invoke only fails when the request cannot be built. Provider failures,
//     including rejected API keys and rate limits, arrive on the stream as a
//     single fatal error event.
//   - Text deltas are forwarded as soon as the provider produces them.
//   - Action call starts and argument fragments are forwarded as they
//     arrive. The matching ActionCallEnd events are held back until the
//     provider ends the model turn, so a consumer never dispatches a call
//     while the model may still revise the turn.
package adapters

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// streamBuffer is the channel depth between a provider reader and the
// multiplexer.
const streamBuffer = 16

// Config holds the settings shared by the hosted LLM adapters.
type Config struct {
	// Name overrides the adapter name used for routing. Defaults to the
	// provider identifier.
	Name string `yaml:"name" json:"name,omitempty"`

	APIKey  string `yaml:"api_key" json:"apiKey,omitempty"`
	BaseURL string `yaml:"base_url" json:"baseUrl,omitempty"`

	// DefaultModel is used when the request does not forward a model.
	DefaultModel string `yaml:"default_model" json:"defaultModel,omitempty"`

	// MaxTokens is used when the request does not forward a limit.
	MaxTokens int `yaml:"max_tokens" json:"maxTokens,omitempty"`

	// MaxRetries bounds the SDK's own transport retries. Zero keeps the SDK
	// default.
	MaxRetries int `yaml:"max_retries" json:"maxRetries,omitempty"`
}

func (c Config) name(fallback string) string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return fallback
}

func (c Config) model(fp models.ForwardedParameters) string {
	if fp.Model != "" {
		return fp.Model
	}
	return c.DefaultModel
}

func (c Config) maxTokens(fp models.ForwardedParameters) int {
	if fp.MaxTokens > 0 {
		return fp.MaxTokens
	}
	return c.MaxTokens
}

// systemPrompt joins all system messages. Providers that take the system
// prompt out of band use it; the messages themselves are then skipped.
func systemPrompt(messages []models.Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == models.RoleSystem && strings.TrimSpace(msg.Content) != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// toolCallID returns the call a tool message answers, or "" when the
// message carries no structured result.
func toolCallID(msg models.Message) string {
	if msg.ActionResult == nil {
		return ""
	}
	return msg.ActionResult.ActionCallID
}

// toolFailed reports whether a tool message carries a failed result.
func toolFailed(msg models.Message) bool {
	return msg.ActionResult != nil && msg.ActionResult.Failed()
}

// turnCall is one action call being streamed by the provider.
type turnCall struct {
	id       string
	name     string
	started  bool
	buffered strings.Builder
}

// turnCalls tracks the action calls of one model turn. Providers key calls
// by their own stream position (OpenAI tool index, Anthropic content block
// index). Start is emitted once both id and name are known; argument
// fragments received earlier are buffered. End events are emitted by
// flush, at the end of the turn.
type turnCalls struct {
	messageID string
	byKey     map[string]*turnCall
	order     []*turnCall
}

func newTurnCalls(messageID string) *turnCalls {
	return &turnCalls{messageID: messageID, byKey: make(map[string]*turnCall)}
}

func (t *turnCalls) update(key, id, name, delta string, emit copilot.EmitFunc) bool {
	c := t.byKey[key]
	if c == nil {
		c = &turnCall{}
		t.byKey[key] = c
		t.order = append(t.order, c)
	}
	if c.id == "" {
		c.id = id
	}
	if c.name == "" {
		c.name = name
	}
	if !c.started && c.id != "" && c.name != "" {
		if !t.start(c, emit) {
			return false
		}
	}
	if delta == "" {
		return true
	}
	if !c.started {
		c.buffered.WriteString(delta)
		return true
	}
	return emit(models.NewActionCallArgs(c.id, delta))
}

func (t *turnCalls) start(c *turnCall, emit copilot.EmitFunc) bool {
	c.started = true
	if !emit(models.NewActionCallStart(c.id, c.name, t.messageID)) {
		return false
	}
	if c.buffered.Len() > 0 {
		delta := c.buffered.String()
		c.buffered.Reset()
		return emit(models.NewActionCallArgs(c.id, delta))
	}
	return true
}

// flush ends every call of the turn in the order the calls appeared.
// Calls the provider never named are dropped; calls without an id get a
// generated one.
func (t *turnCalls) flush(emit copilot.EmitFunc) bool {
	defer func() {
		t.byKey = make(map[string]*turnCall)
		t.order = nil
	}()
	for _, c := range t.order {
		if !c.started {
			if c.name == "" {
				continue
			}
			if c.id == "" {
				c.id = generateCallID()
			}
			if !t.start(c, emit) {
				return false
			}
		}
		if !emit(models.NewActionCallEnd(c.id)) {
			return false
		}
	}
	return true
}

func (t *turnCalls) pending() bool {
	return len(t.order) > 0
}

func generateCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// streamWith runs produce on a ChanStream with the adapter buffer.
func streamWith(ctx context.Context, produce func(ctx context.Context, emit copilot.EmitFunc)) copilot.EventStream {
	return copilot.NewChanStream(ctx, streamBuffer, produce)
}

// emitError converts err into the fatal error event of an adapter. A
// cancelled context produces no event; the consumer already knows.
func emitError(ctx context.Context, emit copilot.EmitFunc, err *copilot.AdapterError) {
	if ctx.Err() != nil {
		return
	}
	emit(err.Event())
}
