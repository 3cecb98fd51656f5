package infra

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff is a stateful exponential backoff with ±20% jitter, used for
// reconnect and restart loops
type Backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	current    time.Duration
	attempts   int
	mu         sync.Mutex
}

func NewBackoff(min, max time.Duration, mult float64) *Backoff {
	return &Backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: mult,
		current:    min,
	}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	wait := max(jitter(b.current), b.minDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)

	return wait
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// RetryDelay is the stateless form used for per-message retries:
// base * 2^(attempt-1), capped at maxDelay, then jittered by ±20%
func RetryDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	d = min(d, maxDelay)
	return max(jitter(d), 0)
}

func jitter(d time.Duration) time.Duration {
	jitterFactor := rand.Float64()*0.4 - 0.2
	return d + time.Duration(jitterFactor*float64(d))
}
