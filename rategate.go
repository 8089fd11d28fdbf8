package apigate

import (
	"sync"
	"time"
)

// RateGate is admission control: it answers "may a new network call be made
// right now" before any request consumes a connection. A denied request
// fails fast with a RateLimited error and is never retried automatically.
type RateGate interface {
	CanMakeRequest() bool
	RecordRequest()
	GetResetTime() time.Time
	GetRemainingRequests() int
}

// TokenBucketGate is the default RateGate: a token bucket that refills one
// token per refill interval up to a maximum.
type TokenBucketGate struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewTokenBucketGate creates a gate holding maxTokens with one token
// restored every refillRate.
func NewTokenBucketGate(maxTokens int, refillRate time.Duration) *TokenBucketGate {
	return &TokenBucketGate{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// refill must be called with the mutex held.
func (g *TokenBucketGate) refill(now time.Time) {
	if g.refillRate <= 0 {
		return
	}
	elapsed := now.Sub(g.lastRefill)
	tokensToAdd := int(elapsed / g.refillRate)
	if tokensToAdd <= 0 {
		return
	}
	g.tokens += tokensToAdd
	if g.tokens > g.maxTokens {
		g.tokens = g.maxTokens
	}
	g.lastRefill = g.lastRefill.Add(time.Duration(tokensToAdd) * g.refillRate)
}

// CanMakeRequest reports whether a token is available without consuming it.
func (g *TokenBucketGate) CanMakeRequest() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refill(time.Now())
	return g.tokens > 0
}

// RecordRequest consumes one token. Callers check CanMakeRequest first; a
// call with an empty bucket is a no-op rather than a debt.
func (g *TokenBucketGate) RecordRequest() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refill(time.Now())
	if g.tokens > 0 {
		g.tokens--
	}
}

// GetResetTime returns when the next token becomes available.
func (g *TokenBucketGate) GetResetTime() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	g.refill(now)
	if g.tokens > 0 {
		return now
	}
	return g.lastRefill.Add(g.refillRate)
}

// GetRemainingRequests returns the number of tokens currently available.
func (g *TokenBucketGate) GetRemainingRequests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refill(time.Now())
	return g.tokens
}
