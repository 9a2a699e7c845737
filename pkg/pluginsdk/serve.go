package pluginsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Toolbox is a set of tools served by one plugin.
type Toolbox struct {
	manifest Manifest
	tools    map[string]Tool
}

// NewToolbox builds a toolbox. Tools with duplicate names are an error.
func NewToolbox(id, version string, tools ...Tool) (*Toolbox, error) {
	tb := &Toolbox{
		manifest: Manifest{ID: id, Version: version},
		tools:    make(map[string]Tool, len(tools)),
	}
	for _, tool := range tools {
		if _, dup := tb.tools[tool.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", tool.Name)
		}
		tb.tools[tool.Name] = tool
		tb.manifest.Tools = append(tb.manifest.Tools, tool.Definition())
	}
	if err := tb.manifest.Validate(); err != nil {
		return nil, err
	}
	return tb, nil
}

// Manifest describes the toolbox.
func (tb *Toolbox) Manifest() Manifest {
	return tb.manifest
}

// Handle runs one request against the toolbox.
func (tb *Toolbox) Handle(ctx context.Context, req *ExecRequest) *ExecResponse {
	if req == nil || req.Tool == "" {
		return Failure(KindInvalidArguments, "request names no tool")
	}
	tool, ok := tb.tools[req.Tool]
	if !ok {
		return Failure(KindUnknownTool, "unknown tool: "+req.Tool)
	}
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	return tool.Call(ctx, req)
}

// Serve reads one ExecRequest from r, runs it and writes one ExecResponse to
// w. It is the body of an exec-mode plugin's main function. An error is
// returned only when the response could not be written.
func (tb *Toolbox) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var req ExecRequest
	var resp *ExecResponse
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		resp = Failure(KindInvalidArguments, "decode request: "+err.Error())
	} else {
		resp = tb.Handle(ctx, &req)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// HTTPHandler serves the toolbox for http-mode plugins. POST / runs one
// request; GET /manifest returns the manifest.
func (tb *Toolbox) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /manifest", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, tb.manifest)
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		var req ExecRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, Failure(KindInvalidArguments, "decode request: "+err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, tb.Handle(r.Context(), &req))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
