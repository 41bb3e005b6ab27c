package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/jensen/jensen/assistant/ports"
)

// TokenBucket limits exchanges per chat key. Each key starts with capacity
// tokens and regains one every refillRate.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int
	refillRate time.Duration
	now        func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Acquire takes a token for key. The returned release hands the token back
// and is meant for work that was rejected before it reached the engine.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}

	if n := int(now.Sub(b.lastRefill) / tb.refillRate); n > 0 {
		b.tokens = min(b.tokens+n, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(n) * tb.refillRate)
	}

	if b.tokens <= 0 {
		retry := b.lastRefill.Add(tb.refillRate).Sub(now)
		return nil, &RateLimitError{Key: key, RetryAfter: retry}
	}
	b.tokens--

	var once sync.Once
	return func() {
		once.Do(func() {
			tb.mu.Lock()
			defer tb.mu.Unlock()
			if b, ok := tb.buckets[key]; ok {
				b.tokens = min(b.tokens+1, tb.capacity)
			}
		})
	}, nil
}

// ErrRateLimitExceeded matches every RateLimitError under errors.Is.
var ErrRateLimitExceeded = &RateLimitError{}

type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Key == "" {
		return "rate limit exceeded"
	}
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Key, e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}

// NoOpRateLimiter admits everything.
type NoOpRateLimiter struct{}

func (NoOpRateLimiter) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

var (
	_ ports.RateLimiter = (*TokenBucket)(nil)
	_ ports.RateLimiter = NoOpRateLimiter{}
)
