package llm

import (
	"sync"
	"time"
)

// tokenRecord stores a single token usage entry with its timestamp.
type tokenRecord struct {
	timestamp time.Time
	tokens    int32
}

// TokenTracker tracks upstream token usage within a sliding window and enforces a budget.
type TokenTracker struct {
	mu       sync.Mutex
	records  []tokenRecord
	window   time.Duration
	limit    int32
	timeFunc func() time.Time // for testing
}

// NewTokenTracker creates a new TokenTracker with the given window duration and token limit.
// A limit of 0 disables tracking (unlimited).
func NewTokenTracker(window time.Duration, limit int32) *TokenTracker {
	return &TokenTracker{
		records:  make([]tokenRecord, 0),
		window:   window,
		limit:    limit,
		timeFunc: time.Now,
	}
}

// prune removes records outside the sliding window. Must be called with mu held.
func (t *TokenTracker) prune() {
	cutoff := t.timeFunc().Add(-t.window)
	i := 0
	for i < len(t.records) && t.records[i].timestamp.Before(cutoff) {
		i++
	}
	t.records = t.records[i:]
}

// total sums the records in the window. Must be called with mu held.
func (t *TokenTracker) total() int32 {
	t.prune()
	var total int32
	for _, r := range t.records {
		total += r.tokens
	}
	return total
}

// CurrentUsage returns the total token usage within the current sliding window.
func (t *TokenTracker) CurrentUsage() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.total()
}

// Exhausted reports whether a call that may spend up to tokens would exceed the budget.
// Always false when the limit is disabled.
func (t *TokenTracker) Exhausted(tokens int32) bool {
	if t.limit <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.total()+tokens > t.limit
}

// Record adds a token usage entry at the current time.
func (t *TokenTracker) Record(tokens int32) {
	if tokens <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, tokenRecord{
		timestamp: t.timeFunc(),
		tokens:    tokens,
	})
}
