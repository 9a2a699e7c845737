package toolconv

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"google.golang.org/genai"

	"github.com/haasonsaas/conduit/internal/agent"
)

var calculatorSpec = agent.ToolSpec{
	Name:        "calculator",
	Description: "Adds two numbers",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"a": {"type": "number", "description": "first operand"},
			"b": {"type": "number"},
			"op": {"type": "string", "enum": ["add", "sub"]},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["a", "b"]
	}`),
}

func TestSchemaMap_Defaults(t *testing.T) {
	schema, err := SchemaMap(agent.ToolSpec{Name: "noop"})
	if err != nil {
		t.Fatalf("SchemaMap() error = %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("type = %v, want object", schema["type"])
	}

	if _, err := SchemaMap(agent.ToolSpec{Name: "bad", Schema: json.RawMessage(`{`)}); err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestToOpenAITools(t *testing.T) {
	tools, err := ToOpenAITools([]agent.ToolSpec{calculatorSpec})
	if err != nil {
		t.Fatalf("ToOpenAITools() error = %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("len = %d, want 1", len(tools))
	}
	fn := tools[0].Function
	if fn.Name != "calculator" || fn.Description != "Adds two numbers" {
		t.Errorf("function = %+v", fn)
	}
	params, ok := fn.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("parameters type = %T", fn.Parameters)
	}
	if _, ok := params["properties"].(map[string]any)["a"]; !ok {
		t.Error("missing property a")
	}
}

func TestToAnthropicTools(t *testing.T) {
	tools, err := ToAnthropicTools([]agent.ToolSpec{calculatorSpec})
	if err != nil {
		t.Fatalf("ToAnthropicTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].OfTool.Name != "calculator" {
		t.Errorf("name = %q", tools[0].OfTool.Name)
	}

	data, err := json.Marshal(tools[0])
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	schema, _ := decoded["input_schema"].(map[string]any)
	if schema["type"] != "object" {
		t.Errorf("input_schema = %v", decoded["input_schema"])
	}
}

func TestToGeminiTools(t *testing.T) {
	tools, err := ToGeminiTools([]agent.ToolSpec{calculatorSpec})
	if err != nil {
		t.Fatalf("ToGeminiTools() error = %v", err)
	}
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", tools)
	}
	params := tools[0].FunctionDeclarations[0].Parameters
	if params.Type != genai.TypeObject {
		t.Errorf("type = %v, want OBJECT", params.Type)
	}
	if params.Properties["op"].Enum[1] != "sub" {
		t.Errorf("enum = %v", params.Properties["op"].Enum)
	}
	if params.Properties["tags"].Items.Type != genai.TypeString {
		t.Errorf("items type = %v", params.Properties["tags"].Items.Type)
	}
	if len(params.Required) != 2 {
		t.Errorf("required = %v", params.Required)
	}
}

func TestToGeminiSchema_NullableUnion(t *testing.T) {
	s := ToGeminiSchema(map[string]any{"type": []any{"string", "null"}})
	if s.Type != genai.TypeString {
		t.Errorf("type = %v", s.Type)
	}
	if s.Nullable == nil || !*s.Nullable {
		t.Error("expected nullable")
	}
}

func TestToBedrockTools(t *testing.T) {
	cfg, err := ToBedrockTools([]agent.ToolSpec{calculatorSpec})
	if err != nil {
		t.Fatalf("ToBedrockTools() error = %v", err)
	}
	if len(cfg.Tools) != 1 {
		t.Fatalf("len = %d", len(cfg.Tools))
	}
	spec, ok := cfg.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("tool type = %T", cfg.Tools[0])
	}
	if *spec.Value.Name != "calculator" {
		t.Errorf("name = %q", *spec.Value.Name)
	}

	none, err := ToBedrockTools(nil)
	if err != nil || none != nil {
		t.Errorf("ToBedrockTools(nil) = %v, %v", none, err)
	}
}
