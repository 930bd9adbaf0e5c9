// Package ratelimit implements the token bucket that bounds outbound calls
// to external capture and scoring vendors.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sitelens/sitelens/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerSecond is the sustained refill rate R.
	RequestsPerSecond float64
	// Burst is the bucket capacity B.
	Burst int
}

// Limiter is a token bucket with lazy refill and single-file admission.
// Tokens accrue continuously up to Burst; grants are additionally spaced at
// least 1/R apart even while burst tokens remain, which smooths retry
// storms into an even request train. Safe for concurrent use.
type Limiter struct {
	mu          sync.Mutex
	rate        float64
	burst       float64
	tokens      float64
	lastRefill  time.Time
	lastGrant   time.Time
	minInterval time.Duration
	now         func() time.Time
}

// New creates a Limiter. RequestsPerSecond must be > 0; Burst defaults to 1.
func New(cfg Config) (*Limiter, error) {
	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests per second must be > 0")
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rate:        cfg.RequestsPerSecond,
		burst:       float64(burst),
		tokens:      float64(burst),
		minInterval: time.Duration(float64(time.Second) / cfg.RequestsPerSecond),
		now:         time.Now,
	}, nil
}

// WaitToken blocks until a token has been atomically reserved for the
// caller or the context ends. No two concurrent callers are granted the
// same token: admission happens under the lock, one waiter per
// available-token-and-spacing check.
func (l *Limiter) WaitToken(ctx context.Context) error {
	start := l.now()
	for {
		wait, granted := l.tryReserve()
		if granted {
			if d := l.now().Sub(start); d > time.Millisecond {
				metrics.ObserveRateLimitWait(d)
			}
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// tryReserve refills lazily and either consumes a token or reports how long
// the caller should sleep before re-checking.
func (l *Limiter) tryReserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refill(now)

	spacing := l.minInterval - now.Sub(l.lastGrant)
	if l.tokens >= 1 && spacing <= 0 {
		l.tokens--
		l.lastGrant = now
		return 0, true
	}

	wait := spacing
	if l.tokens < 1 {
		accrual := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		if accrual > wait {
			wait = accrual
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// refill applies tokens(t) = min(B, tokens(t0) + R*(t-t0)). Called under lock.
func (l *Limiter) refill(now time.Time) {
	if l.lastRefill.IsZero() {
		l.lastRefill = now
		return
	}
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.tokens += l.rate * elapsed.Seconds()
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now
}

// Tokens reports the currently accrued token count after a lazy refill.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.now())
	return l.tokens
}
