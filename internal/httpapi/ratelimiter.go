package httpapi

import (
	"time"

	"golang.org/x/time/rate"
)

// DumpLimiter gates the replay dump endpoint with a token bucket: up to
// burst dumps immediately, refilling at burst-per-window. A limiter built
// with a non-positive window or burst admits everything.
type DumpLimiter struct {
	bucket *rate.Limiter
	now    func() time.Time
}

// NewDumpLimiter sizes the bucket from the configured window and burst.
func NewDumpLimiter(window time.Duration, burst int, timeSource func() time.Time) *DumpLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	if window <= 0 || burst <= 0 {
		return &DumpLimiter{now: timeSource}
	}
	return &DumpLimiter{
		bucket: rate.NewLimiter(rate.Every(window/time.Duration(burst)), burst),
		now:    timeSource,
	}
}

// Allow reports whether the caller may proceed, consuming one token on success.
func (l *DumpLimiter) Allow() bool {
	if l == nil || l.bucket == nil {
		return true
	}
	return l.bucket.AllowN(l.now(), 1)
}

// Remaining reports how many dumps the bucket currently holds.
func (l *DumpLimiter) Remaining() int {
	if l == nil || l.bucket == nil {
		return 0
	}
	return int(l.bucket.TokensAt(l.now()))
}
