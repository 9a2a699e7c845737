package agent_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/agent/providers"
	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/pkg/models"
)

type retryCounter struct {
	retries atomic.Int32
}

func (m *retryCounter) RecordRetry(string, string) { m.retries.Add(1) }

func (m *retryCounter) RecordLLMRequest(string, string, string, float64, int, int) {}

func (m *retryCounter) RecordError(string, string) {}

func (m *retryCounter) SessionStarted(string) {}

func (m *retryCounter) SessionEnded(string, float64) {}

func TestDispatch_RateLimitedRetriedOnceThenSurfaced(t *testing.T) {
	var hits atomic.Int32
	var stamps [2]atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n <= 2 {
			stamps[n-1].Store(time.Now().UnixNano())
		}
		w.Header().Set("Retry-After", "2")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	metrics := &retryCounter{}
	d := agent.NewDispatcher(providers.DefaultRegistry(), nil,
		agent.WithMetrics(metrics),
		agent.WithConfig(agent.DispatcherConfig{
			MaxRetries: 1,
			Backoff:    backoff.Policy{Initial: 10 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stream, err := d.Dispatch(ctx, agent.DispatchRequest{
		ConversationID: "rate-limited",
		Conversation:   models.Conversation{{Role: models.RoleUser, Content: "2+2?"}},
		Provider: agent.ProviderConfig{
			Kind:        agent.ProviderOpenAI,
			Model:       "gpt-test",
			BaseURL:     srv.URL,
			Credentials: agent.Credentials{APIKey: "sk-test"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	var terminals []*agent.StreamDelta
	var retryEvents []*models.RuntimeEvent
	for delta := range stream {
		if delta.IsTerminal() {
			terminals = append(terminals, delta)
		}
		if delta.Type == agent.DeltaEvent && delta.Event.Type == models.EventRetrying {
			retryEvents = append(retryEvents, delta.Event)
		}
	}

	if got := hits.Load(); got != 2 {
		t.Fatalf("requests = %d, want 2 (one retry)", got)
	}
	if len(terminals) != 1 {
		t.Fatalf("terminal deltas = %d, want 1", len(terminals))
	}
	e := terminals[0].Error
	if e == nil || e.Kind != agent.KindRateLimited || !e.Retryable {
		t.Fatalf("terminal = %+v, want retryable rate_limited error", terminals[0])
	}
	if e.RetryAfter != 2*time.Second || e.Status != http.StatusTooManyRequests {
		t.Errorf("retry after = %v, status = %d", e.RetryAfter, e.Status)
	}

	if len(retryEvents) != 1 || retryEvents[0].Meta["delay_ms"] != int64(2000) {
		t.Errorf("retry events = %+v", retryEvents)
	}
	if gap := time.Duration(stamps[1].Load() - stamps[0].Load()); gap < 2*time.Second {
		t.Errorf("retry gap = %v, want at least the 2s hint", gap)
	}
	if metrics.retries.Load() != 1 {
		t.Errorf("recorded retries = %d", metrics.retries.Load())
	}
	if d.Sessions().Active() != 0 {
		t.Error("session not released")
	}
}
