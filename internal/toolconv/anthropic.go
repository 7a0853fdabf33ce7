package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// ToAnthropicTools converts action declarations to Anthropic tool definitions.
func ToAnthropicTools(specs []models.ActionSpec) ([]anthropic.ToolUnionParam, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		param, err := ToAnthropicTool(spec)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

// ToAnthropicTool converts a single action declaration.
func ToAnthropicTool(spec models.ActionSpec) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(actions.SchemaJSON(spec.Parameters), &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", spec.Name, err)
	}

	toolParam := anthropic.ToolUnionParamOfTool(schema, spec.Name)
	if toolParam.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", spec.Name)
	}
	if spec.Description != "" {
		toolParam.OfTool.Description = anthropic.String(spec.Description)
	}
	return toolParam, nil
}

// ToAnthropicToolChoice maps forwarded tool choice settings.
func ToAnthropicToolChoice(fp models.ForwardedParameters) (anthropic.ToolChoiceUnionParam, bool) {
	switch fp.ToolChoice {
	case "required", "any":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}, true
	case "none":
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}, true
	case "function":
		if fp.ToolChoiceFunctionName != "" {
			return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: fp.ToolChoiceFunctionName}}, true
		}
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}, true
	}
	return anthropic.ToolChoiceUnionParam{}, false
}
