package backoff

import (
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt with no jitter",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:     1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "third attempt quadruples",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:     3,
			randomValue: 0.5,
			expected:    400 * time.Millisecond,
		},
		{
			name:        "jitter scales with random value",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.5},
			attempt:     1,
			randomValue: 1,
			expected:    150 * time.Millisecond,
		},
		{
			name:        "clamped to max",
			policy:      Policy{Initial: time.Second, Max: 3 * time.Second, Factor: 10},
			attempt:     4,
			randomValue: 0,
			expected:    3 * time.Second,
		},
		{
			name:        "zero attempt treated as first",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2},
			attempt:     0,
			randomValue: 0,
			expected:    100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDelay_PrefersHint(t *testing.T) {
	p := Policy{Initial: 10 * time.Millisecond, Max: 5 * time.Second, Factor: 2}

	if got := Delay(p, 1, 2*time.Second); got != 2*time.Second {
		t.Errorf("Delay() with hint = %v, want 2s", got)
	}
	if got := Delay(p, 1, time.Minute); got != 5*time.Second {
		t.Errorf("Delay() with oversized hint = %v, want clamp to 5s", got)
	}
	if got := Delay(Policy{Initial: 10 * time.Millisecond, Max: time.Second, Factor: 2}, 2, 0); got != 20*time.Millisecond {
		t.Errorf("Delay() without hint = %v, want 20ms", got)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Initial != 500*time.Millisecond || p.Max != 30*time.Second || p.Factor != 2 || p.Jitter != 0.1 {
		t.Errorf("DefaultPolicy() = %+v", p)
	}
}
