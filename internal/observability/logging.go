package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stderr so that
	// streamed model output on stdout stays clean).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool

	// RedactPatterns are additional regular expressions whose matches are
	// replaced before a record is written.
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"

	// ConversationIDKey is the context key for conversation IDs.
	ConversationIDKey ContextKey = "conversation_id"
)

// Redacted replaces every secret found in a log record.
const Redacted = "[REDACTED]"

// DefaultRedactPatterns contains regex patterns for provider credentials and
// other common secrets.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey|x-api-key)["']?[\s:=]+["']?[a-zA-Z0-9_\-]{16,}["']?`,
	`(?i)bearer\s+[a-zA-Z0-9_\-\.=]{16,}`,
	`(?i)(secret|password|passwd|session_token)["']?[\s:=]+["']?[^\s"',]{8,}["']?`,

	// Anthropic and OpenAI API keys
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-(proj-)?[a-zA-Z0-9_-]{20,}`,

	// Google API keys
	`AIza[0-9A-Za-z_-]{35}`,

	// AWS access key IDs
	`\b(AKIA|ASIA)[0-9A-Z]{16}\b`,

	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

var sensitiveKeys = map[string]bool{
	"api_key":           true,
	"apikey":            true,
	"x_api_key":         true,
	"authorization":     true,
	"password":          true,
	"secret":            true,
	"secret_access_key": true,
	"session_token":     true,
	"token":             true,
	"private_key":       true,
}

// NewLogger creates a structured logger whose records are redacted and
// annotated with context correlation IDs.
//
// If config.Output is nil, logs are written to os.Stderr.
// If config.Level is empty or invalid, defaults to "info".
// If config.Format is empty, defaults to "json".
func NewLogger(config LogConfig) (*slog.Logger, error) {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string(nil), DefaultRedactPatterns...), config.RedactPatterns...) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", pattern, err)
		}
		redacts = append(redacts, re)
	}
	return slog.New(&RedactingHandler{next: handler, redacts: redacts}), nil
}

// RedactingHandler is a slog.Handler that scrubs secrets from messages and
// attributes before passing records to the wrapped handler.
type RedactingHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

// NewRedactingHandler wraps next with the default patterns plus extra.
// Invalid patterns are ignored.
func NewRedactingHandler(next slog.Handler, extra ...string) *RedactingHandler {
	h := &RedactingHandler{next: next}
	for _, pattern := range append(append([]string(nil), DefaultRedactPatterns...), extra...) {
		if re, err := regexp.Compile(pattern); err == nil {
			h.redacts = append(h.redacts, re)
		}
	}
	return h
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.redactString(r.Message), r.PC)
	if id := GetRequestID(ctx); id != "" {
		out.AddAttrs(slog.String(string(RequestIDKey), id))
	}
	if id := GetConversationID(ctx); id != "" {
		out.AddAttrs(slog.String(string(ConversationIDKey), id))
	}
	if id := GetTraceID(ctx); id != "" {
		out.AddAttrs(slog.String("trace_id", id))
	}
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(redacted), redacts: h.redacts}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

func (h *RedactingHandler) redactAttr(a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(v.String()))
	case slog.KindGroup:
		group := v.Group()
		redacted := make([]any, len(group))
		for i, g := range group {
			redacted[i] = h.redactAttr(g)
		}
		return slog.Group(a.Key, redacted...)
	case slog.KindAny:
		switch val := v.Any().(type) {
		case error:
			return slog.String(a.Key, h.redactString(val.Error()))
		case []byte:
			return slog.String(a.Key, h.redactString(string(val)))
		case map[string]string:
			m := make(map[string]any, len(val))
			for k, s := range val {
				m[k] = s
			}
			return slog.Any(a.Key, h.redactMap(m))
		case map[string]any:
			return slog.Any(a.Key, h.redactMap(val))
		case fmt.Stringer:
			return slog.String(a.Key, h.redactString(val.String()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func (h *RedactingHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, Redacted)
	}
	return s
}

func (h *RedactingHandler) redactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		switch {
		case isSensitiveKey(k):
			result[k] = Redacted
		default:
			if s, ok := v.(string); ok {
				result[k] = h.redactString(s)
			} else {
				result[k] = v
			}
		}
	}
	return result
}

func isSensitiveKey(key string) bool {
	return sensitiveKeys[strings.ToLower(strings.ReplaceAll(key, "-", "_"))]
}

// AddRequestID adds a request ID to the context.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// AddConversationID adds a conversation ID to the context.
func AddConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, conversationID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetConversationID retrieves the conversation ID from the context.
func GetConversationID(ctx context.Context) string {
	if id, ok := ctx.Value(ConversationIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
