package toolconv

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// ToOpenAITools converts action declarations to OpenAI function tools.
func ToOpenAITools(specs []models.ActionSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schemaMap(spec),
			},
		}
	}
	return result
}

// ToOpenAIToolChoice maps forwarded tool choice settings. It returns nil
// when the provider default applies.
func ToOpenAIToolChoice(fp models.ForwardedParameters) any {
	switch fp.ToolChoice {
	case "":
		return nil
	case "function":
		if fp.ToolChoiceFunctionName == "" {
			return "required"
		}
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: fp.ToolChoiceFunctionName},
		}
	default:
		return fp.ToolChoice
	}
}
