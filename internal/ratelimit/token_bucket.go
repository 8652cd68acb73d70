// Package ratelimit throttles inbound signaling traffic per connection.
package ratelimit

import "time"

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanoTokens per token; a rate of N tokens/sec then adds N nanoTokens per
// elapsed nanosecond, keeping refill arithmetic in integers.
const nanoTokensPerToken = int64(time.Second)

// TokenBucket admits bursts up to its capacity and refills at a fixed
// tokens/sec rate. It is owned by one connection reader and is not safe for
// concurrent use.
type TokenBucket struct {
	clock Clock

	capacity int64 // nanoTokens
	rate     int64 // tokens/sec

	available int64 // nanoTokens
	last      time.Time
}

// NewTokenBucket returns a full bucket. A nil clock uses wall time.
func NewTokenBucket(clock Clock, capacityTokens, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacityTokens = max(capacityTokens, 0)
	capacity := capacityTokens * nanoTokensPerToken
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      max(perSecond, 0),
		available: capacity,
		last:      clock.Now(),
	}
}

// NewMessageLimiter allows perSecond messages per second with a one second
// burst.
func NewMessageLimiter(clock Clock, perSecond int) *TokenBucket {
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow consumes n tokens when available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	b.refill()
	cost := n * nanoTokensPerToken
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate == 0 {
		return
	}

	missing := b.capacity - b.available
	if missing <= 0 {
		return
	}
	// Clamp before multiplying so long idle periods cannot overflow.
	if elapsed >= missing/b.rate {
		b.available = b.capacity
		return
	}
	b.available = min(b.available+elapsed*b.rate, b.capacity)
}
