package toolconv

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// ToBedrockTools converts action declarations to a Bedrock tool
// configuration. It returns nil for no actions; Converse rejects an empty
// tool list.
func ToBedrockTools(specs []models.ActionSpec, fp models.ForwardedParameters) *types.ToolConfiguration {
	if len(specs) == 0 {
		return nil
	}
	bedrockTools := make([]types.Tool, len(specs))
	for i, spec := range specs {
		description := spec.Description
		if description == "" {
			description = spec.Name
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(spec.Name),
				Description: aws.String(description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaMap(spec))},
			},
		}
	}

	cfg := &types.ToolConfiguration{Tools: bedrockTools}
	switch fp.ToolChoice {
	case "required", "any":
		cfg.ToolChoice = &types.ToolChoiceMemberAny{Value: types.AnyToolChoice{}}
	case "function":
		if fp.ToolChoiceFunctionName != "" {
			cfg.ToolChoice = &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(fp.ToolChoiceFunctionName)}}
		} else {
			cfg.ToolChoice = &types.ToolChoiceMemberAny{Value: types.AnyToolChoice{}}
		}
	}
	return cfg
}
