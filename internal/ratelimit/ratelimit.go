package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window in-memory request limiter. Counters are keyed by
// (endpoint class, client key) and bucketed by the current window; crossing a
// window boundary resets the count.
//
// The limiter is process-local and best-effort: it exists for coarse abuse
// mitigation, not strict quotas. A nil *Limiter admits everything, so callers
// that fail to construct one degrade to fail-open without branching.
type Limiter struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*bucket
	calls   uint64
}

type bucket struct {
	count    int
	windowID int64
	seenAt   time.Time
}

const (
	// cleanupSampleMask selects roughly 1 in 64 calls for amortized cleanup.
	cleanupSampleMask = 63

	// cleanupScanLimit bounds how many buckets one sampled cleanup inspects,
	// so no single Allow call pays for a full sweep.
	cleanupScanLimit = 32
)

// New returns an empty limiter.
func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock returns a limiter using the given time source, for tests.
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{now: now, buckets: make(map[string]*bucket)}
}

// Allow reports whether a request from clientKey against the given endpoint
// class is admitted under limit requests per window. The first limit calls in
// a window return true, subsequent calls false until the window rolls over.
//
// Allow fails open: a nil receiver or a non-positive limit/window admits the
// request rather than blocking traffic on a misconfiguration.
func (l *Limiter) Allow(clientKey, class string, limit int, window time.Duration) bool {
	if l == nil || limit <= 0 || window <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowID := now.UnixNano() / int64(window)
	key := class + "|" + clientKey

	l.calls++
	if l.calls&cleanupSampleMask == 0 {
		l.evictStaleLocked(now, window)
	}

	b, ok := l.buckets[key]
	if !ok || b.windowID != windowID {
		l.buckets[key] = &bucket{count: 1, windowID: windowID, seenAt: now}
		return true
	}

	b.seenAt = now
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

// RetryAfter returns the duration until the current window ends, suitable for
// a Retry-After response header.
func (l *Limiter) RetryAfter(window time.Duration) time.Duration {
	if l == nil || window <= 0 {
		return 0
	}
	now := l.now()
	elapsed := time.Duration(now.UnixNano() % int64(window))
	return window - elapsed
}

// evictStaleLocked removes up to cleanupScanLimit buckets not seen within two
// windows. Go map iteration order varies per iteration, so repeated sampled
// scans cover the whole map over time without a dedicated sweeper.
func (l *Limiter) evictStaleLocked(now time.Time, window time.Duration) {
	horizon := 2 * window
	scanned := 0
	for key, b := range l.buckets {
		if scanned++; scanned > cleanupScanLimit {
			return
		}
		if now.Sub(b.seenAt) > horizon {
			delete(l.buckets, key)
		}
	}
}
