package toolconv

import (
	"google.golang.org/genai"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// ToGeminiTools converts action declarations to one Gemini tool holding
// every function declaration.
func ToGeminiTools(specs []models.ActionSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  ToGeminiSchema(spec.Parameters),
		})
	}

	return []*genai.Tool{
		{
			FunctionDeclarations: declarations,
		},
	}
}

// ToGeminiToolConfig maps forwarded tool choice settings.
func ToGeminiToolConfig(fp models.ForwardedParameters) *genai.ToolConfig {
	var cfg *genai.FunctionCallingConfig
	switch fp.ToolChoice {
	case "none":
		cfg = &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeNone}
	case "required", "any":
		cfg = &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}
	case "function":
		cfg = &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}
		if fp.ToolChoiceFunctionName != "" {
			cfg.AllowedFunctionNames = []string{fp.ToolChoiceFunctionName}
		}
	default:
		return nil
	}
	return &genai.ToolConfig{FunctionCallingConfig: cfg}
}

// ToGeminiSchema builds Gemini's schema for an action's parameters
// directly, since Gemini accepts only a subset of JSON Schema.
func ToGeminiSchema(params []models.ActionParameter) *genai.Schema {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(params)),
	}
	for _, p := range params {
		schema.Properties[p.Name] = geminiParameter(p)
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}

func geminiParameter(p models.ActionParameter) *genai.Schema {
	var schema *genai.Schema
	switch p.Type {
	case models.ParamNumber:
		schema = &genai.Schema{Type: genai.TypeNumber}
	case models.ParamBoolean:
		schema = &genai.Schema{Type: genai.TypeBoolean}
	case models.ParamObject:
		schema = ToGeminiSchema(p.Attributes)
	case models.ParamStringArray:
		schema = &genai.Schema{Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}}
	case models.ParamNumberArray:
		schema = &genai.Schema{Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeNumber}}
	case models.ParamBooleanArray:
		schema = &genai.Schema{Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeBoolean}}
	case models.ParamObjectArray:
		schema = &genai.Schema{Type: genai.TypeArray, Items: ToGeminiSchema(p.Attributes)}
	default:
		schema = &genai.Schema{Type: genai.TypeString}
		if len(p.Enum) > 0 {
			schema.Enum = p.Enum
			schema.Format = "enum"
		}
	}
	schema.Description = p.Description
	return schema
}
