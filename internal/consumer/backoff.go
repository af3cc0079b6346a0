package consumer

import (
	"math/rand"
	"time"
)

// RetryPolicy governs transient-fault redelivery: exponential backoff with
// jitter, capped delay, bounded attempts.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy: base 1s, factor 2, cap 60s, 8 attempts before
// dead-lettering.
var DefaultRetryPolicy = RetryPolicy{
	Base:        time.Second,
	Factor:      2,
	Cap:         60 * time.Second,
	MaxAttempts: 8,
}

// Delay returns the backoff before the next delivery of a message that has
// failed `attempt` times (1-based). Jitter adds up to 25% so a batch of
// failures does not retry in lockstep; the jittered value never shrinks
// below the previous step's base, keeping the sequence strictly increasing
// until the cap.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Base)
	for i := 1; i < attempt; i++ {
		delay *= p.Factor
		if delay >= float64(p.Cap) {
			delay = float64(p.Cap)
			break
		}
	}
	jitter := rand.Float64() * 0.25 * delay
	total := time.Duration(delay + jitter)
	if total > p.Cap {
		total = p.Cap
	}
	return total
}

// Exhausted reports whether a message that has been delivered `attempt`
// times has used up its retry budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
