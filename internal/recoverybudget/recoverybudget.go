// Package recoverybudget rate-limits Recovery Escalator attempts.
//
// Adapted from the token bucket in octoreflex's internal/budget: same
// capacity/refill/atomic-consume shape, re-costed per recovery level
// instead of per isolation state. Escalation levels 2-4 are rarer and
// more disruptive than a plain restart, so they cost more tokens; level
// 5 (alert-human) costs one token and is never withheld. A service
// flapping hard enough to empty the bucket has further attempts deferred
// (the Escalator reports "budget exhausted") until the bucket refills,
// instead of thrashing restarts forever.
package recoverybudget

import (
	"sync"
	"sync/atomic"
	"time"
)

// CostModel gives the token cost of running each recovery level.
// Indices 1..5 map to spec.md §4.3's five levels; index 0 is unused.
var CostModel = map[int]int{
	1: 1,
	2: 3,
	3: 5,
	4: 15,
	5: 1, // alerting a human should never itself be budget-gated away
}

// Bucket is a thread-safe token bucket gating recovery attempts.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
	once sync.Once
}

// New creates a Bucket with the given capacity, full at construction,
// refilling to capacity every refillPeriod. Call Close to stop the
// refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("recoverybudget.New: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("recoverybudget.New: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to withdraw cost tokens, returning true on success.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// ConsumeForLevel consumes the standard cost for recovery level.
// Levels outside 1..5, and level 5 (alert-human), are never withheld —
// an unbudgeted level must never silently fail to run.
func (b *Bucket) ConsumeForLevel(level int) bool {
	cost, ok := CostModel[level]
	if !ok || level == 5 {
		return true
	}
	return b.Consume(cost)
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the bucket's maximum token count.
func (b *Bucket) Capacity() int { return b.capacity }

// ConsumedTotal returns the lifetime count of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 { return b.consumedTotal.Load() }

// RefillCount returns the number of completed refill cycles.
func (b *Bucket) RefillCount() uint64 { return b.refillCount.Load() }

// Close stops the refill goroutine. Safe to call more than once.
func (b *Bucket) Close() {
	b.once.Do(func() { close(b.stop) })
}
