package ratelimit

import (
	"math"
	"time"
)

// State is the persisted part of a token bucket. Capacity and refill rate are
// derived from the Policy, so stores only carry the two moving values.
type State struct {
	Tokens     float64
	LastRefill time.Time
}

// Bucket is a continuously refilling token bucket.
type Bucket struct {
	Capacity     float64
	RefillPerSec float64
	State
}

// NewBucket returns a full bucket for p, last refilled at now.
func NewBucket(p Policy, now time.Time) Bucket {
	return Bucket{
		Capacity:     p.capacity(),
		RefillPerSec: p.refillPerSec(),
		State:        State{Tokens: p.capacity(), LastRefill: now},
	}
}

// Refill adds elapsed*rate tokens, capped at capacity. A clock that moved
// backwards refills nothing.
func (b *Bucket) Refill(now time.Time) {
	elapsed := now.Sub(b.LastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.Tokens = math.Min(b.Capacity, b.Tokens+elapsed*b.RefillPerSec)
	if b.Tokens < 0 {
		b.Tokens = 0
	}
	b.LastRefill = now
}

// Take refills the bucket and consumes cost tokens if available.
// The refill is kept even when the request is rejected.
func (b *Bucket) Take(cost float64, now time.Time) bool {
	b.Refill(now)
	if b.Tokens >= cost {
		b.Tokens -= cost
		return true
	}
	return false
}

// RetryAfter estimates how long until cost tokens are available again.
func (b *Bucket) RetryAfter(cost float64) time.Duration {
	deficit := cost - b.Tokens
	if deficit <= 0 {
		return 0
	}
	if b.RefillPerSec <= 0 || cost > b.Capacity {
		return time.Duration(math.MaxInt64)
	}
	sec := deficit / b.RefillPerSec
	return time.Duration(math.Ceil(sec * float64(time.Second)))
}

// Remaining is the whole number of tokens left, never negative.
func (b *Bucket) Remaining() int {
	if b.Tokens <= 0 {
		return 0
	}
	return int(b.Tokens)
}
