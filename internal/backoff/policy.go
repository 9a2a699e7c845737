// Package backoff computes retry delays for provider round trips.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `yaml:"initial" json:"initial"`
	// Max caps every computed delay, including provider hints.
	Max time.Duration `yaml:"max" json:"max"`
	// Factor is the exponential factor applied to each attempt.
	Factor float64 `yaml:"factor" json:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) applied to the delay.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy returns the policy used for provider retries.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Compute calculates the delay for a given retry attempt (1-indexed).
func Compute(p Policy, attempt int) time.Duration {
	return ComputeWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with a caller-supplied random value in [0, 1).
// The formula is min(max, initial*factor^(attempt-1) * (1 + jitter*random)).
func ComputeWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	p = p.normalized()
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*randomValue
	if total > float64(p.Max) {
		total = float64(p.Max)
	}
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// Delay returns the wait before retry attempt. A positive provider hint
// (e.g. Retry-After) replaces the computed delay and is only clamped by Max.
func Delay(p Policy, attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		p = p.normalized()
		if hint > p.Max {
			return p.Max
		}
		return hint
	}
	return Compute(p, attempt)
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}
