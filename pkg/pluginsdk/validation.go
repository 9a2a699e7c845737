package pluginsdk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// EmptyObjectSchema accepts any JSON object. It is used for tools that
// declare no parameters.
var EmptyObjectSchema = json.RawMessage(`{"type":"object"}`)

var schemaCache sync.Map

// CompileSchema compiles a JSON schema, caching the result by its text. An
// empty schema compiles to EmptyObjectSchema.
func CompileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		schema = EmptyObjectSchema
	}
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// NormalizeArguments returns args, or an empty object when args is empty or
// a JSON null.
func NormalizeArguments(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`)
	}
	return args
}

// ValidateArguments checks that args is a JSON object accepted by schema.
// Empty and null arguments are treated as {}.
func ValidateArguments(schema *jsonschema.Schema, args json.RawMessage) error {
	args = NormalizeArguments(args)
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		return fmt.Errorf("arguments must be a JSON object")
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid: %w", err)
	}
	return nil
}
