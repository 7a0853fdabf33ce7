package adapters

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
)

// compatibleBaseURLs are the default endpoints of providers that speak the
// OpenAI chat completions protocol.
var compatibleBaseURLs = map[string]string{
	"groq":       "https://api.groq.com/openai/v1",
	"ollama":     "http://localhost:11434/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

// Types lists the adapter types New accepts.
func Types() []string {
	return []string{"anthropic", "bedrock", "empty", "google", "groq", "ollama", "openai", "openrouter"}
}

// New creates the adapter of the given type. Bedrock takes its AWS settings
// from bedrock; the shared fields of cfg fill in what it leaves empty.
func New(kind string, cfg Config, bedrock BedrockConfig) (copilot.ModelAdapter, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))

	switch kind {
	case "openai":
		return adapterOrNil(NewOpenAIAdapter(cfg))
	case "groq", "ollama", "openrouter":
		if cfg.BaseURL == "" {
			cfg.BaseURL = compatibleBaseURLs[kind]
		}
		if cfg.Name == "" {
			cfg.Name = kind
		}
		if kind == "ollama" && cfg.APIKey == "" {
			cfg.APIKey = "ollama"
		}
		if cfg.DefaultModel == "" {
			return nil, fmt.Errorf("%s: default_model is required", kind)
		}
		return adapterOrNil(NewOpenAIAdapter(cfg))
	case "anthropic":
		return adapterOrNil(NewAnthropicAdapter(cfg))
	case "google", "gemini":
		return adapterOrNil(NewGoogleAdapter(cfg))
	case "bedrock":
		if bedrock.Name == "" {
			bedrock.Name = cfg.Name
		}
		if bedrock.DefaultModel == "" {
			bedrock.DefaultModel = cfg.DefaultModel
		}
		if bedrock.MaxTokens == 0 {
			bedrock.MaxTokens = cfg.MaxTokens
		}
		return adapterOrNil(NewBedrockAdapter(bedrock))
	case "empty":
		return EmptyAdapter{name: cfg.Name}, nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q (want one of %s)", kind, strings.Join(Types(), ", "))
	}
}

// adapterOrNil keeps a failed constructor from yielding a non-nil
// interface holding a nil pointer.
func adapterOrNil[T copilot.ModelAdapter](adapter T, err error) (copilot.ModelAdapter, error) {
	if err != nil {
		return nil, err
	}
	return adapter, nil
}
