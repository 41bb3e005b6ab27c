// Package ports declares the seams the assistant depends on besides the
// engine and the session store.
package ports

import (
	"context"
	"time"
)

// Tracer emits spans and events around an exchange.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error))
	Event(ctx context.Context, name string, attrs map[string]any)
}

// RateLimiter admits or rejects work for a key.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// ExchangeRecord describes one committed exchange.
type ExchangeRecord struct {
	ID         string
	ChatKey    string
	User       string
	Reply      string
	Template   string
	Overflowed bool // the first attempt overflowed and a shrunk history was used
	Streamed   bool
	Segments   int
	Duration   time.Duration
	CreatedAt  time.Time
}

// Journal is an append-only record of exchanges. It is never read back into a
// conversation.
type Journal interface {
	Record(ctx context.Context, rec ExchangeRecord) error
	Close() error
}
