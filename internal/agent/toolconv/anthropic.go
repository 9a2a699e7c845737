package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/conduit/internal/agent"
)

// ToAnthropicTools converts tool declarations to Anthropic tool definitions.
func ToAnthropicTools(specs []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
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

// ToAnthropicTool converts a single tool declaration.
func ToAnthropicTool(spec agent.ToolSpec) (anthropic.ToolUnionParam, error) {
	schemaMap, err := SchemaMap(spec)
	if err != nil {
		return anthropic.ToolUnionParam{}, err
	}
	raw, err := json.Marshal(schemaMap)
	if err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", spec.Name, err)
	}
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(raw, &schema); err != nil {
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
