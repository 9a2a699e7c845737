package agent

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ToolResultGuard controls how tool results are redacted and bounded before
// they enter conversation history.
type ToolResultGuard struct {
	// MaxBytes truncates Content and Payload beyond this size. Zero uses
	// DefaultToolResultMaxBytes.
	MaxBytes int

	// Denylist holds tool name globs whose output is never shown to the model.
	Denylist []string

	// RedactPatterns are regular expressions removed from result text.
	RedactPatterns []string

	// RedactionText replaces denied output and redacted matches.
	RedactionText string

	// TruncateSuffix marks truncated output.
	TruncateSuffix string

	compiled []*regexp.Regexp
}

// Compile caches the redaction patterns. Invalid patterns are skipped and
// reported together in the returned error.
func (g *ToolResultGuard) Compile() error {
	g.compiled = nil
	var errs []error
	for _, pattern := range g.RedactPatterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("redact pattern %q: %w", pattern, err))
			continue
		}
		g.compiled = append(g.compiled, re)
	}
	return errors.Join(errs...)
}

// Apply returns the guarded form of result.
func (g ToolResultGuard) Apply(result models.ToolResult) models.ToolResult {
	redaction := strings.TrimSpace(g.RedactionText)
	if redaction == "" {
		redaction = "[redacted]"
	}
	suffix := g.TruncateSuffix
	if suffix == "" {
		suffix = "\n...[truncated]"
	}
	limit := g.MaxBytes
	if limit <= 0 {
		limit = DefaultToolResultMaxBytes
	}

	if result.Success && matchesToolPattern(g.Denylist, result.ToolName) {
		result.Content = redaction
		result.Payload = nil
		return result
	}

	if len(g.compiled) > 0 {
		if result.Content != "" {
			for _, re := range g.compiled {
				result.Content = re.ReplaceAllString(result.Content, redaction)
			}
		}
		if len(result.Payload) > 0 {
			text := string(result.Payload)
			redacted := text
			for _, re := range g.compiled {
				redacted = re.ReplaceAllString(redacted, redaction)
			}
			if redacted != text {
				// The replacement may have broken the JSON, so keep it as text.
				result.Content = redacted
				result.Payload = nil
			}
		}
	}

	switch {
	case len(result.Payload) > limit:
		// A cut JSON document is no longer JSON; demote it to text.
		result.Content = string(result.Payload[:limit]) + suffix
		result.Payload = nil
	case len(result.Content) > limit:
		result.Content = result.Content[:limit] + suffix
	}
	return result
}

func matchesToolPattern(patterns []string, toolName string) bool {
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if pattern == toolName {
			return true
		}
		if ok, err := path.Match(pattern, toolName); err == nil && ok {
			return true
		}
	}
	return false
}
