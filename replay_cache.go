package settlement

import (
	"context"
	"sync"
	"time"
)

// ReplayCache is an in-process ReplayStore. It caches purchase results by
// reference code and tracks in-flight purchases so a retried submission
// never reaches the chain twice.
type ReplayCache struct {
	mu       sync.Mutex
	results  map[string]*PurchaseResult
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewReplayCache creates a new replay cache with the specified TTL.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	return &ReplayCache{
		results:  make(map[string]*PurchaseResult),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
func (c *ReplayCache) CheckAndMark(_ context.Context, key string) (ReplayStatus, *PurchaseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return ReplayCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if _, exists := c.inFlight[key]; exists {
		return ReplayInFlight, nil, nil
	}

	c.inFlight[key] = make(chan struct{})
	return ReplayNotFound, nil, nil
}

// WaitForResult waits for an in-flight request to complete, respecting context cancellation.
func (c *ReplayCache) WaitForResult(ctx context.Context, key string) (*PurchaseResult, error) {
	c.mu.Lock()
	done, exists := c.inFlight[key]
	c.mu.Unlock()

	if exists {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.get(key), nil
}

func (c *ReplayCache) get(key string) *PurchaseResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// Complete caches the result and signals any waiting goroutines.
func (c *ReplayCache) Complete(_ context.Context, key string, result *PurchaseResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = result
	c.expiry[key] = time.Now().Add(c.ttl)

	if done, exists := c.inFlight[key]; exists {
		delete(c.inFlight, key)
		close(done)
	}

	c.cleanupExpiredLocked()
	return nil
}

// Fail removes the in-flight marker without caching a result,
// allowing the purchase to be retried.
func (c *ReplayCache) Fail(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if done, exists := c.inFlight[key]; exists {
		delete(c.inFlight, key)
		close(done)
	}
	return nil
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *ReplayCache) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
