package errors

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DefaultJitterWidth is the upper bound of the uniform jitter added to every
// computed backoff delay.
const DefaultJitterWidth = 500 * time.Millisecond

var (
	jitterMu   sync.Mutex
	jitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// ComputedDelay returns the pre-jitter delay for attempt (0-indexed) under
// the given strategy: min(maxDelay, base * multiplier^attempt). Exposed
// separately so the monotonicity property can be tested without jitter.
func ComputedDelay(s RetryStrategy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := math.Pow(s.Multiplier, float64(attempt))
	delay := time.Duration(float64(s.BaseDelay) * mult)
	if delay > s.MaxDelay || delay < 0 {
		delay = s.MaxDelay
	}
	return delay
}

// BackoffDelay returns the wait before retry attempt (0-indexed) for a
// classified failure. The delay is the strategy's exponential schedule plus
// uniform jitter in [0, jitterWidth]; when the failure carries a server
// Retry-After hint, the result is max(hint, computed).
func BackoffDelay(c Classified, attempt int, jitterWidth time.Duration) time.Duration {
	strategy := c.RetryStrategy
	if strategy == nil {
		strategy = StrategyFor(c.Category)
	}
	if strategy == nil {
		return 0
	}

	delay := ComputedDelay(*strategy, attempt)
	if jitterWidth > 0 {
		jitterMu.Lock()
		delay += time.Duration(jitterRand.Float64() * float64(jitterWidth))
		jitterMu.Unlock()
	}

	if c.RetryAfter > delay {
		return c.RetryAfter
	}
	return delay
}

// ShouldRetry reports whether a failure with the given retry count should be
// attempted again.
func ShouldRetry(c Classified, retryCount int) bool {
	if !c.Retryable {
		return false
	}
	return retryCount < MaxRetries(c.Category)
}
