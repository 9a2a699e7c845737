package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

const defaultMaxResponseBytes = 4 << 20

// HTTPExecutor posts each call to a plugin gateway service.
type HTTPExecutor struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
	// MaxResponseBytes caps the response body.
	MaxResponseBytes int64
}

// Execute posts req to URL and decodes the protocol response. Non-2xx
// statuses are errors unless the body is a protocol error response.
func (h *HTTPExecutor) Execute(ctx context.Context, req *pluginsdk.ExecRequest) (*pluginsdk.ExecResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode plugin request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build plugin request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(pluginsdk.ProtocolHeader, pluginsdk.ProtocolVersion)
	for k, v := range h.Headers {
		httpReq.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call plugin endpoint: %w", err)
	}
	defer res.Body.Close()

	limit := h.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read plugin response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("plugin response exceeds %d bytes", limit)
	}

	resp, decodeErr := pluginsdk.DecodeResponse(data)
	if res.StatusCode >= http.StatusMultipleChoices {
		if decodeErr == nil && resp.Status == pluginsdk.StatusError {
			return resp, nil
		}
		return nil, fmt.Errorf("plugin endpoint returned %s: %s", res.Status, snippet(data))
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return resp, nil
}

func snippet(data []byte) string {
	text := strings.TrimSpace(string(data))
	if len(text) > 256 {
		text = text[:256] + "..."
	}
	return text
}
