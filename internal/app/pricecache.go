package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

type cachedQuote struct {
	quote     domain.Quote
	fetchedAt time.Time
}

// PriceCache shares one quote per symbol across the engines for a short TTL.
type PriceCache struct {
	fetch func(ctx context.Context, symbol string) (domain.Quote, error)
	ttl   time.Duration

	mu     sync.Mutex
	quotes map[string]cachedQuote
}

// NewPriceCache creates a cache around fetch. A zero ttl disables caching.
func NewPriceCache(ttl time.Duration, fetch func(ctx context.Context, symbol string) (domain.Quote, error)) *PriceCache {
	return &PriceCache{
		fetch:  fetch,
		ttl:    ttl,
		quotes: make(map[string]cachedQuote),
	}
}

// Get returns a fresh quote for symbol, fetching it when the cached one has expired.
// Any failure is reported as ports.ErrStaleOrMissingPrice.
func (c *PriceCache) Get(ctx context.Context, symbol string, now time.Time) (domain.Quote, error) {
	c.mu.Lock()
	cached, ok := c.quotes[symbol]
	c.mu.Unlock()
	if ok && c.ttl > 0 && now.Sub(cached.fetchedAt) < c.ttl {
		return cached.quote, nil
	}

	q, err := c.fetch(ctx, symbol)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%w: %s: %w", ports.ErrStaleOrMissingPrice, symbol, err)
	}
	if !q.Valid() {
		return domain.Quote{}, fmt.Errorf("%w: %s: bid %v ask %v", ports.ErrStaleOrMissingPrice, symbol, q.Bid, q.Ask)
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}

	c.mu.Lock()
	c.quotes[symbol] = cachedQuote{quote: q, fetchedAt: now}
	c.mu.Unlock()
	return q, nil
}

// Invalidate drops the cached quote for symbol.
func (c *PriceCache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.quotes, symbol)
}
