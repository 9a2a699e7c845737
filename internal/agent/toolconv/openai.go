// Package toolconv converts tool declarations into provider-native schemas.
package toolconv

import (
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/internal/agent"
)

// SchemaMap decodes a tool's parameter schema, defaulting to an empty object
// schema when none is declared.
func SchemaMap(spec agent.ToolSpec) (map[string]any, error) {
	if len(spec.Schema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	var schema map[string]any
	if err := json.Unmarshal(spec.Schema, &schema); err != nil {
		return nil, fmt.Errorf("invalid tool schema for %s: %w", spec.Name, err)
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	return schema, nil
}

// ToOpenAITools converts tool declarations to OpenAI function tools. The same
// shape is accepted by Azure OpenAI, OpenRouter and Ollama.
func ToOpenAITools(specs []agent.ToolSpec) ([]openai.Tool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	result := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		schema, err := SchemaMap(spec)
		if err != nil {
			return nil, err
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		}
	}
	return result, nil
}
