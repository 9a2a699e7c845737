package plugins

import (
	"context"
	"time"

	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

// BuiltinExecutor runs a tool in-process.
type BuiltinExecutor struct {
	Tool pluginsdk.Tool
}

func (b BuiltinExecutor) Execute(ctx context.Context, req *pluginsdk.ExecRequest) (*pluginsdk.ExecResponse, error) {
	return b.Tool.Call(ctx, req), nil
}

// BuiltinDescriptor registers an in-process tool.
func BuiltinDescriptor(tool pluginsdk.Tool, timeout time.Duration) Descriptor {
	return Descriptor{
		Name:        tool.Name,
		Description: tool.Description,
		Schema:      tool.Schema,
		Mode:        ModeBuiltin,
		Timeout:     timeout,
		Source:      "builtin",
		Executor:    BuiltinExecutor{Tool: tool},
	}
}
