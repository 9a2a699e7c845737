package pluginsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	reflectschema "github.com/invopop/jsonschema"
)

// Handler runs one tool call. The returned value is encoded as the response
// payload: json.RawMessage is sent as is, anything else is marshaled.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs a declaration with its handler.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     Handler
}

// Definition returns the manifest entry for the tool.
func (t Tool) Definition() ToolDefinition {
	return ToolDefinition{Name: t.Name, Description: t.Description, Schema: t.Schema}
}

// ArgumentError reports arguments a handler could not accept. It maps to
// KindInvalidArguments.
type ArgumentError struct {
	Message string
}

func (e *ArgumentError) Error() string { return e.Message }

// InvalidArguments builds an ArgumentError.
func InvalidArguments(format string, args ...any) error {
	return &ArgumentError{Message: fmt.Sprintf(format, args...)}
}

// NewTool builds a Tool from a typed function. The parameter schema is
// reflected from In, and arguments are decoded into In before fn runs.
func NewTool[In, Out any](name, description string, fn func(ctx context.Context, in In) (Out, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Schema:      ReflectSchema[In](),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in In
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, InvalidArguments("decode arguments: %v", err)
				}
			}
			return fn(ctx, in)
		},
	}
}

// ReflectSchema returns the inline JSON schema of T.
func ReflectSchema[T any]() json.RawMessage {
	r := &reflectschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := r.Reflect(new(T))
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return EmptyObjectSchema
	}
	return data
}

// Call runs the tool for req and converts the outcome to a response. Handler
// panics are reported as execution failures.
func (t Tool) Call(ctx context.Context, req *ExecRequest) (resp *ExecResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = Failure(KindExecution, fmt.Sprintf("tool panicked: %v", r))
		}
	}()

	if t.Handler == nil {
		return Failure(KindExecution, "tool has no handler")
	}
	schema, err := CompileSchema(t.Schema)
	if err != nil {
		return Failure(KindExecution, "compile schema: "+err.Error())
	}
	args := NormalizeArguments(req.Arguments)
	if err := ValidateArguments(schema, args); err != nil {
		return Failure(KindInvalidArguments, err.Error())
	}

	out, err := t.Handler(ctx, args)
	if err != nil {
		var argErr *ArgumentError
		switch {
		case errors.As(err, &argErr):
			return Failure(KindInvalidArguments, argErr.Message)
		case errors.Is(err, context.DeadlineExceeded):
			return Failure(KindTimeout, err.Error())
		default:
			return Failure(KindExecution, err.Error())
		}
	}
	payload, err := EncodePayload(out)
	if err != nil {
		return Failure(KindExecution, err.Error())
	}
	return OK(payload)
}

// EncodePayload converts a handler result to a JSON payload.
func EncodePayload(out any) (json.RawMessage, error) {
	switch v := out.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("tool returned invalid JSON")
		}
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return data, nil
	}
}
