package agent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/conduit/pkg/models"
)

func TestToolResultGuard_Truncation(t *testing.T) {
	g := ToolResultGuard{MaxBytes: 8}

	res := g.Apply(models.TextResult("c", "0123456789abc"))
	if !strings.HasPrefix(res.Content, "01234567") || !strings.Contains(res.Content, "[truncated]") {
		t.Errorf("content = %q", res.Content)
	}

	res = g.Apply(models.SuccessResult("c", json.RawMessage(`{"value":"long"}`)))
	if res.Payload != nil {
		t.Errorf("oversized payload kept: %s", res.Payload)
	}
	if !strings.HasPrefix(res.Content, `{"value"`) {
		t.Errorf("content = %q", res.Content)
	}

	small := g.Apply(models.SuccessResult("c", json.RawMessage(`{}`)))
	if string(small.Payload) != `{}` {
		t.Errorf("small payload changed: %s", small.Payload)
	}
}

func TestToolResultGuard_Denylist(t *testing.T) {
	g := ToolResultGuard{Denylist: []string{"secrets_*"}, RedactionText: "[hidden]"}

	res := models.SuccessResult("c", json.RawMessage(`{"token":"abc"}`))
	res.ToolName = "secrets_read"
	got := g.Apply(res)
	if got.Content != "[hidden]" || got.Payload != nil {
		t.Errorf("denied result = %+v", got)
	}

	res.ToolName = "calculator"
	if got := g.Apply(res); string(got.Payload) != `{"token":"abc"}` {
		t.Errorf("allowed result changed: %+v", got)
	}
}

func TestToolResultGuard_RedactPatterns(t *testing.T) {
	g := ToolResultGuard{RedactPatterns: []string{`sk-[A-Za-z0-9]+`, `(`}}
	if err := g.Compile(); err == nil {
		t.Error("Compile() accepted an invalid pattern")
	}

	got := g.Apply(models.TextResult("c", "key=sk-abc123 ok"))
	if got.Content != "key=[redacted] ok" {
		t.Errorf("content = %q", got.Content)
	}

	got = g.Apply(models.SuccessResult("c", json.RawMessage(`{"key":"sk-abc123"}`)))
	if got.Payload != nil || !strings.Contains(got.Content, "[redacted]") {
		t.Errorf("payload redaction = %+v", got)
	}

	clean := g.Apply(models.SuccessResult("c", json.RawMessage(`{"sum":4}`)))
	if string(clean.Payload) != `{"sum":4}` {
		t.Errorf("clean payload changed: %+v", clean)
	}
}
