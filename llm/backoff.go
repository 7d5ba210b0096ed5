package llm

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
	// DefaultBackoffFactor is the base of the exponential delay, in seconds.
	DefaultBackoffFactor = 2.0
	// JitterFraction bounds the random addition to each delay.
	JitterFraction = 0.1
)

// RetryPolicy decides how long to wait between attempts and how many
// attempts a single logical request may use.
type RetryPolicy struct {
	MaxRetries    int
	BackoffFactor float64
}

// DefaultRetryPolicy returns 3 retries with a factor of 2.0.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    DefaultMaxRetries,
		BackoffFactor: DefaultBackoffFactor,
	}
}

// MaxAttempts is the total number of provider calls one request may make.
func (p RetryPolicy) MaxAttempts() int {
	return p.MaxRetries + 1
}

// maxDelay is the largest wait Delay returns.
const maxDelay = time.Duration(math.MaxInt64)

// Delay returns the wait after the failed attempt with 0-based index attempt.
// r must lie in [0, 1); the result lies in [factor^attempt, factor^attempt * 1.1],
// saturating at maxDelay.
func (p RetryPolicy) Delay(attempt int, r float64) time.Duration {
	base := math.Pow(p.BackoffFactor, float64(attempt))
	nanos := (base + r*JitterFraction*base) * float64(time.Second)
	if math.IsNaN(nanos) || nanos >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(nanos)
}

// policyBackOff drives backoff.RetryNotify with a RetryPolicy. The attempt
// cap is applied by backoff.WithMaxRetries around it.
type policyBackOff struct {
	policy  RetryPolicy
	jitter  func() float64
	attempt int
}

var _ backoff.BackOff = (*policyBackOff)(nil)

func newPolicyBackOff(policy RetryPolicy, jitter func() float64) *policyBackOff {
	return &policyBackOff{policy: policy, jitter: jitter}
}

// NextBackOff implements backoff.BackOff.
func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt, b.jitter())
	b.attempt++
	return d
}

// Reset implements backoff.BackOff.
func (b *policyBackOff) Reset() {
	b.attempt = 0
}
