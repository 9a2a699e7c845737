package toolconv

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/conduit/internal/agent"
)

// ToBedrockTools converts tool declarations to a Bedrock Converse tool
// configuration.
func ToBedrockTools(specs []agent.ToolSpec) (*types.ToolConfiguration, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]types.Tool, len(specs))
	for i, spec := range specs {
		schema, err := SchemaMap(spec)
		if err != nil {
			return nil, err
		}
		ts := types.ToolSpecification{
			Name:        aws.String(spec.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}
		if spec.Description != "" {
			ts.Description = aws.String(spec.Description)
		}
		tools[i] = &types.ToolMemberToolSpec{Value: ts}
	}
	return &types.ToolConfiguration{Tools: tools}, nil
}
