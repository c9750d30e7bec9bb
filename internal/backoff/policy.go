// Package backoff provides the outbox delivery retry policy: a uniform-
// jitter exponential backoff used by C7 between failed delivery attempts.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// UniformJitterPolicy parameterizes ComputeUniformJitterBackoff: base
// duration and a multiplicative uniform jitter range, clamped to MaxMs
// before jitter is applied.
type UniformJitterPolicy struct {
	BaseMs    float64
	MaxMs     float64
	JitterLow float64
	JitterHigh float64
}

// OutboxRetryPolicy is the outbox delivery (C7) backoff policy:
// min(max_backoff=60s, base=500ms·2^(n-1))·uniform(0.8,1.2).
func OutboxRetryPolicy() UniformJitterPolicy {
	return UniformJitterPolicy{BaseMs: 500, MaxMs: 60000, JitterLow: 0.8, JitterHigh: 1.2}
}

// ComputeUniformJitterBackoff implements min(max, base*2^(n-1)) * uniform(low,high).
// attempt is 1-indexed (the attempt number that just failed).
func ComputeUniformJitterBackoff(policy UniformJitterPolicy, attempt int) time.Duration {
	return ComputeUniformJitterBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeUniformJitterBackoffWithRand is the deterministic variant for
// tests; randomValue must be in [0, 1).
func ComputeUniformJitterBackoffWithRand(policy UniformJitterPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.BaseMs * math.Pow(2, exp)
	clamped := math.Min(policy.MaxMs, base)
	jitter := policy.JitterLow + randomValue*(policy.JitterHigh-policy.JitterLow)
	return time.Duration(math.Round(clamped*jitter)) * time.Millisecond
}
