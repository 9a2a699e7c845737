// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the conduit runtime.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts credentials before
// they reach the output. Provider API keys, bearer tokens and JWTs are
// covered by DefaultRedactPatterns; configuration may add more. Records
// carry the request and conversation IDs stored in the context, plus the
// active trace ID.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.AddConversationID(ctx, "conv-1")
//	logger.InfoContext(ctx, "dispatch started", "provider", "openai")
//
// # Metrics
//
// Metrics satisfies both agent.Metrics and plugins.Metrics, so one value is
// handed to the dispatcher and the tool registry. Each Metrics owns a
// registry; Handler exposes it in the Prometheus text format.
//
//	metrics := observability.NewMetrics(nil)
//	dispatcher := agent.NewDispatcher(providers.DefaultRegistry(), tools, agent.WithMetrics(metrics))
//	mux.Handle("/metrics", metrics.Handler())
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to a no-op tracer otherwise. The dispatcher opens one span per
// turn and per provider round trip; the tool registry one per invocation.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{Endpoint: "localhost:4317"})
//	defer shutdown(context.Background())
//	dispatcher := agent.NewDispatcher(reg, tools, agent.WithTracer(tracer.Tracer()))
package observability
