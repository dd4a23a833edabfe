package binance

import (
	"sync"
	"time"
)

// RateTracker spaces upstream REST calls per symbol and maintains an
// exponential backoff that doubles on failure and resets on success.
// The snapshot fetcher never retries on its own; callers consult the
// tracker before each attempt.
type RateTracker struct {
	mu       sync.Mutex
	records  map[string]*rateRecord
	interval time.Duration // minimum spacing between calls for one symbol
	min      time.Duration // backoff floor
	max      time.Duration // backoff ceiling
}

type rateRecord struct {
	lastRequest time.Time
	backoff     time.Duration
}

// NewRateTracker creates a tracker with the given spacing and backoff bounds.
func NewRateTracker(interval, minBackoff, maxBackoff time.Duration) *RateTracker {
	return &RateTracker{
		records:  make(map[string]*rateRecord),
		interval: interval,
		min:      minBackoff,
		max:      maxBackoff,
	}
}

// ShouldThrottle reports whether a call for symbol should be suppressed at
// now. The effective window is the larger of the fixed interval and the
// symbol's current backoff.
func (t *RateTracker) ShouldThrottle(symbol string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[symbol]
	if !ok {
		return false
	}

	window := t.interval
	if rec.backoff > window {
		window = rec.backoff
	}
	return now.Sub(rec.lastRequest) < window
}

// OnSuccess records a completed upstream call and resets the backoff.
func (t *RateTracker) OnSuccess(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(symbol)
	rec.lastRequest = time.Now()
	rec.backoff = t.min
}

// OnRateLimited doubles the backoff, capped at the ceiling.
func (t *RateTracker) OnRateLimited(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(symbol)
	rec.lastRequest = time.Now()
	rec.backoff *= 2
	if rec.backoff > t.max {
		rec.backoff = t.max
	}
}

// OnError is classified the same as a rate limit: back off harder.
func (t *RateTracker) OnError(symbol string) {
	t.OnRateLimited(symbol)
}

// Backoff returns the current backoff for symbol.
func (t *RateTracker) Backoff(symbol string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record(symbol).backoff
}

// record returns the symbol's record, creating it at the backoff floor.
// Caller must hold t.mu.
func (t *RateTracker) record(symbol string) *rateRecord {
	rec, ok := t.records[symbol]
	if !ok {
		rec = &rateRecord{backoff: t.min}
		t.records[symbol] = rec
	}
	return rec
}
