package priocq

import (
    "sync"
    "time"
)

// TokenBucket is a simple token bucket for shaping. A non-positive rate
// disables shaping.
type TokenBucket struct {
    mu       sync.Mutex
    capacity int64
    tokens   int64
    rate     int64 // tokens per second
    last     time.Time
    now      func() time.Time
}

func NewTokenBucket(ratePerSec, capacity int64) *TokenBucket {
    return NewTokenBucketClock(ratePerSec, capacity, time.Now)
}

// NewTokenBucketClock is NewTokenBucket with an explicit time source.
func NewTokenBucketClock(ratePerSec, capacity int64, now func() time.Time) *TokenBucket {
    if capacity <= 0 { capacity = ratePerSec }
    return &TokenBucket{capacity: capacity, tokens: capacity, rate: ratePerSec, last: now(), now: now}
}

func (b *TokenBucket) Unlimited() bool { return b == nil || b.rate <= 0 }

// Allow tries to consume n tokens; if not enough, returns duration to wait.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
    if b.Unlimited() { return true, 0 }
    b.mu.Lock(); defer b.mu.Unlock()
    now := b.now()
    // Refill
    dt := now.Sub(b.last)
    if dt > 0 {
        add := (b.rate * dt.Nanoseconds()) / int64(time.Second)
        if add > 0 {
            b.tokens += add
            if b.tokens > b.capacity { b.tokens = b.capacity }
            b.last = now
        }
    }
    // a frame larger than the bucket would never pass otherwise
    if n > b.capacity { n = b.capacity }
    if b.tokens >= n {
        b.tokens -= n
        return true, 0
    }
    need := n - b.tokens
    // time to accumulate need
    nanos := (need * int64(time.Second)) / b.rate
    return false, time.Duration(nanos)
}
