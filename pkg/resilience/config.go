package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy configures the decorators applied to calls against one dependency.
// They are applied in a fixed order: Retry, then Circuit Breaker, then Timeout, with
// the fallback consulted when the breaker rejects.
type Policy struct {
	// Timeout caps each attempt. Zero disables the cap.
	Timeout time.Duration

	// Retry configures how failed attempts are re-issued.
	Retry RetryConfig

	// CircuitBreaker configures the breaker shared by every call to the dependency.
	CircuitBreaker CircuitBreakerConfig

	// FallbackOnExhausted also consults the fallback when retries run out, not only
	// when the breaker rejects.
	FallbackOnExhausted bool
}

// RetryConfig configures capped exponential backoff. There is no jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first one. Default: 3
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt. Default: 1s
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts. Default when zero: 60s
	MaxBackoff time.Duration

	// Multiplier grows the backoff after every attempt. Values below 1 are treated as 1.
	Multiplier float64
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxRequests is the maximum number of probe calls allowed through
	// when the breaker is half-open. Default: 3
	MaxRequests uint32

	// Interval is the length of the rolling window of the closed state; counts are
	// cleared when it elapses. If Interval is 0, counts are never cleared.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open. Default: 10s
	Timeout time.Duration

	// MinimumCalls is the number of calls in the window before the failure ratio is
	// evaluated. Default: 5
	MinimumCalls uint32

	// FailureRatio trips the breaker once failures/requests reaches it. Default: 0.5
	FailureRatio float64

	// ReadyToTrip overrides MinimumCalls and FailureRatio when set.
	ReadyToTrip func(counts Counts) bool
}

// Counts holds the numbers of requests and their successes/failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultPolicy returns the policy used for backend reads.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:        2 * time.Second,
		Retry:          DefaultRetryConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
	}
}

// DefaultRetryConfig returns three attempts one second apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		Multiplier:     1,
	}
}

// DefaultCircuitBreakerConfig returns a breaker that trips at a 50% failure ratio
// over at least five calls and stays open for ten seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      10 * time.Second,
		MinimumCalls: 5,
		FailureRatio: 0.5,
	}
}

// shouldTrip applies ReadyToTrip, or the ratio rule when it is unset.
func (c CircuitBreakerConfig) shouldTrip(counts Counts) bool {
	if c.ReadyToTrip != nil {
		return c.ReadyToTrip(counts)
	}
	if counts.Requests < c.MinimumCalls || counts.Requests == 0 {
		return false
	}
	failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
	return failureRate >= c.FailureRatio
}

// BackOff returns the wait schedule between attempts.
func (c RetryConfig) BackOff() *backoff.ExponentialBackOff {
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	maxInterval := c.MaxBackoff
	if maxInterval <= 0 {
		maxInterval = backoff.DefaultMaxInterval
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         maxInterval,
	}
	b.Reset()
	return b
}

// WithTimeout returns a copy of the policy with the specified attempt timeout.
func (p Policy) WithTimeout(timeout time.Duration) Policy {
	p.Timeout = timeout
	return p
}

// WithMaxAttempts returns a copy of the policy with the specified attempt count.
func (p Policy) WithMaxAttempts(attempts int) Policy {
	p.Retry.MaxAttempts = attempts
	return p
}

// WithBackoff returns a copy of the policy with the specified initial and maximum backoff.
func (p Policy) WithBackoff(initial, max time.Duration) Policy {
	p.Retry.InitialBackoff = initial
	p.Retry.MaxBackoff = max
	return p
}

// WithCircuitBreakerTimeout returns a copy of the policy with the specified open-state duration.
func (p Policy) WithCircuitBreakerTimeout(timeout time.Duration) Policy {
	p.CircuitBreaker.Timeout = timeout
	return p
}

// WithFallbackOnExhausted returns a copy of the policy that falls back after retries run out.
func (p Policy) WithFallbackOnExhausted(enabled bool) Policy {
	p.FallbackOnExhausted = enabled
	return p
}
