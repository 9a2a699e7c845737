package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/ratelimit"
	"github.com/haasonsaas/conduit/pkg/models"
)

const maxDispatchBody = 8 << 20

// apiServer exposes the dispatcher over HTTP.
type apiServer struct {
	app     *app
	limiter *ratelimit.Limiter
}

// newAPIServer builds the HTTP handler for the serve command.
func newAPIServer(a *app) http.Handler {
	s := &apiServer{app: a, limiter: ratelimit.New(a.Config().Server.RateLimit)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleCancel)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active_sessions": a.dispatcher.Sessions().Active()})
	})
	if cfg := a.Config(); cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, a.metrics.Handler())
	}
	return s.instrument(mux)
}

// dispatchRequest is the body of POST /v1/dispatch.
type dispatchRequest struct {
	ConversationID string                  `json:"conversation_id"`
	Provider       string                  `json:"provider"`
	Model          string                  `json:"model"`
	Messages       models.Conversation     `json:"messages"`
	Tools          []string                `json:"tools"`
	Params         *agent.GenerationParams `json:"params"`
}

func (s *apiServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if ok, wait := s.limiter.Reserve(clientKey(r)); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusTooManyRequests, agent.NewError(agent.KindRateLimited, "too many dispatch requests").WithRetryAfter(wait))
		return
	}

	var req dispatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDispatchBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	provider, err := s.app.Provider(req.Provider, req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	ctx := observability.AddConversationID(r.Context(), req.ConversationID)
	stream, err := s.app.dispatcher.Dispatch(ctx, agent.DispatchRequest{
		ConversationID: req.ConversationID,
		Conversation:   req.Messages,
		EnabledTools:   req.Tools,
		Provider:       provider,
		Params:         req.Params,
	})
	if err != nil {
		writeError(w, dispatchStatus(err), err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Conversation-ID", req.ConversationID)
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for delta := range stream {
		data, err := json.Marshal(delta)
		if err != nil {
			s.app.logger.ErrorContext(ctx, "encode delta failed", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", delta.Type, data); err != nil {
			// The client is gone; the request context cancels the turn and
			// the stream drains on its own.
			continue
		}
		_ = rc.Flush()
	}
}

// dispatchStatus maps synchronous Dispatch failures onto HTTP statuses.
func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, agent.ErrEmptyConversation),
		errors.Is(err, agent.ErrNoProvider),
		errors.Is(err, agent.ErrUnknownProvider),
		agent.KindOf(err) == agent.KindUnknownTool:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.app.dispatcher.Cancel(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no active turn for conversation %s", id))
		return
	}
	s.app.logger.InfoContext(r.Context(), "turn cancelled", "conversation_id", id)
	w.WriteHeader(http.StatusNoContent)
}

type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Mode        string          `json:"mode"`
	Source      string          `json:"source,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

func (s *apiServer) handleTools(w http.ResponseWriter, r *http.Request) {
	snap := s.app.registry.Current()
	tools := make([]toolInfo, 0, snap.Len())
	for _, name := range snap.Names() {
		d, _ := snap.Descriptor(name)
		tools = append(tools, toolInfo{
			Name:        d.Name,
			Description: d.Description,
			Mode:        string(d.Mode),
			Source:      d.Source,
			Schema:      d.Schema,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// instrument adds request IDs, a server span, request metrics and an access
// log line to every request.
func (s *apiServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r.URL.Path)

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := observability.AddRequestID(r.Context(), requestID)
		ctx, span := s.app.tracer.TraceHTTPRequest(ctx, propagation.HeaderCarrier(r.Header), r.Method, route)
		defer span.End()

		w.Header().Set("X-Request-ID", requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		status := strconv.Itoa(rec.status)
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		s.app.metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start).Seconds())
		s.app.logger.DebugContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// clientKey identifies the caller for rate limiting. X-Client-ID wins over
// the remote address so callers behind one proxy can be told apart.
func clientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// routeLabel keeps metric label cardinality bounded.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/sessions/"):
		return "/v1/sessions/{id}"
	case path == "/v1/dispatch", path == "/v1/tools", path == "/healthz", path == "/metrics":
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach the underlying writer's Flush.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": err.Error()}
	if e, ok := agent.AsError(err); ok {
		body["kind"] = e.Kind
	}
	writeJSON(w, status, body)
}
