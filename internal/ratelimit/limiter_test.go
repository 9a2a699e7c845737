package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := New(Config{RequestsPerSecond: 2, Burst: 3}, WithClock(clock.Now))

	for i := range 3 {
		if !l.Allow("client") {
			t.Fatalf("request %d rejected inside burst", i)
		}
	}
	ok, wait := l.Reserve("client")
	if ok || wait != 500*time.Millisecond {
		t.Fatalf("Reserve() = %v, %v; want rejection with 500ms wait", ok, wait)
	}

	clock.Advance(500 * time.Millisecond)
	if !l.Allow("client") {
		t.Error("request rejected after refill")
	}
	if !l.Allow("other") {
		t.Error("keys are not independent")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := New(Config{})
	if l != nil {
		t.Fatal("New() returned a limiter for a disabled config")
	}
	for range 100 {
		if ok, wait := l.Reserve("x"); !ok || wait != 0 {
			t.Fatal("nil limiter rejected a request")
		}
	}
	if l.Len() != 0 {
		t.Error("nil limiter tracks keys")
	}
}

func TestLimiter_DefaultBurst(t *testing.T) {
	tests := []struct {
		rate float64
		want int
	}{
		{rate: 0.5, want: 1},
		{rate: 5, want: 5},
	}
	for _, tt := range tests {
		clock := &fakeClock{t: time.Unix(0, 0)}
		l := New(Config{RequestsPerSecond: tt.rate}, WithClock(clock.Now))
		allowed := 0
		for range 10 {
			if l.Allow("k") {
				allowed++
			}
		}
		if allowed != tt.want {
			t.Errorf("rate %v: burst = %d, want %d", tt.rate, allowed, tt.want)
		}
	}
}

func TestLimiter_PrunesIdleKeys(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := New(Config{RequestsPerSecond: 1, Burst: 1}, WithClock(clock.Now), WithMaxKeys(2))

	l.Allow("a")
	l.Allow("b")
	clock.Advance(2 * time.Second)
	l.Allow("c")
	if l.Len() != 1 {
		t.Errorf("Len() = %d after prune, want 1", l.Len())
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := New(Config{RequestsPerSecond: 1, Burst: 10}, WithClock(clock.Now))

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Errorf("allowed = %d, want 10", allowed)
	}
}
