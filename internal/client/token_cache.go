package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vistabridge/vistabridge/internal/platform/token"
)

// ---------------------------------------------------------------------------
// TokenCache
// ---------------------------------------------------------------------------

// DefaultRefreshBuffer is how long before expiry a cached token stops being
// served, forcing a fresh fetch.
const DefaultRefreshBuffer = 30 * time.Second

// fetchFunc obtains a new token for an application key.
type fetchFunc func(ctx context.Context, key string) (string, error)

// TokenCache holds one bearer token per application key. Concurrent misses
// for the same key collapse into a single upstream fetch.
type TokenCache struct {
	fetch  fetchFunc
	buffer time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	tokens map[string]string
	flight singleflight.Group
}

// NewTokenCache creates a TokenCache. buffer <= 0 uses DefaultRefreshBuffer.
func NewTokenCache(fetch fetchFunc, buffer time.Duration) *TokenCache {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	return &TokenCache{
		fetch:  fetch,
		buffer: buffer,
		now:    time.Now,
		tokens: make(map[string]string),
	}
}

// Token returns a token for key with more than the refresh buffer of lifetime
// remaining, fetching a new one if the cached token is absent or too close to
// expiry.
func (c *TokenCache) Token(ctx context.Context, key string) (string, error) {
	if tok, ok := c.cached(key); ok {
		return tok, nil
	}
	result, err, _ := c.flight.Do(key, func() (any, error) {
		// Another caller may have stored a token while we waited on the flight.
		if tok, ok := c.cached(key); ok {
			return tok, nil
		}
		tok, err := c.fetch(ctx, key)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.tokens[key] = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Invalidate drops the cached token for key, forcing the next Token call to
// fetch. Used when the broker rejects a token mid-lifetime.
func (c *TokenCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.tokens, key)
	c.mu.Unlock()
}

func (c *TokenCache) cached(key string) (string, bool) {
	c.mu.RLock()
	tok, ok := c.tokens[key]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	exp, err := token.PeekExpiry(tok)
	if err != nil || c.now().Add(c.buffer).After(exp) {
		c.Invalidate(key)
		return "", false
	}
	return tok, true
}
