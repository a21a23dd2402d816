package limits

import "golang.org/x/time/rate"

// TokenBucket paces inbound messages for a single session.
//
// Refill is continuous at ratePerSec up to burst; each successful Allow
// consumes exactly one token. A non-positive rate disables pacing entirely.
// Each session owns its bucket, so no external locking is required beyond
// what rate.Limiter does internally.
type TokenBucket struct {
	unlimited bool
	limiter   *rate.Limiter
}

// NewTokenBucket builds a bucket with the given sustained rate and burst.
func NewTokenBucket(ratePerSec float64, burst int) *TokenBucket {
	if ratePerSec <= 0 {
		return &TokenBucket{unlimited: true}
	}
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether one more message may be processed now.
func (b *TokenBucket) Allow() bool {
	if b.unlimited {
		return true
	}
	return b.limiter.Allow()
}
