package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	return false
}

// HandshakeLimiter bounds handshake requests globally and per session id.
// A zero rate disables that limit.
type HandshakeLimiter struct {
	mu         sync.Mutex
	global     *TokenBucket
	perSession map[int32]*TokenBucket
	rate       int
	burstSize  int
	now        func() time.Time
}

func NewHandshakeLimiter(globalRate, perSessionRate, burstSize int) *HandshakeLimiter {
	return newHandshakeLimiter(globalRate, perSessionRate, burstSize, time.Now)
}

func newHandshakeLimiter(globalRate, perSessionRate, burstSize int, now func() time.Time) *HandshakeLimiter {
	hl := &HandshakeLimiter{
		perSession: make(map[int32]*TokenBucket),
		rate:       perSessionRate,
		burstSize:  burstSize,
		now:        now,
	}
	if globalRate > 0 {
		hl.global = newTokenBucket(globalRate, burstSize, now)
	}
	return hl
}

// Allow reports whether a handshake from session may be processed.
func (hl *HandshakeLimiter) Allow(session int32) bool {
	if hl == nil {
		return true
	}
	if hl.global != nil && !hl.global.Allow() {
		return false
	}
	if hl.rate <= 0 {
		return true
	}
	hl.mu.Lock()
	bucket, ok := hl.perSession[session]
	if !ok {
		bucket = newTokenBucket(hl.rate, hl.burstSize, hl.now)
		hl.perSession[session] = bucket
	}
	hl.mu.Unlock()
	return bucket.Allow()
}

// Forget drops the per-session buckets of sessions not in keep.
func (hl *HandshakeLimiter) Forget(keep map[int32]bool) {
	if hl == nil {
		return
	}
	hl.mu.Lock()
	defer hl.mu.Unlock()
	for session := range hl.perSession {
		if !keep[session] {
			delete(hl.perSession, session)
		}
	}
}

func (hl *HandshakeLimiter) tracked() int {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	return len(hl.perSession)
}
