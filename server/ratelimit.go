package server

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const failureCounterKey = "failed-opens"

// openRateLimiter tracks, for one tunnel, how many `open` messages have
// resulted in a non-success result-code within a trailing window. Once the
// threshold is crossed, further opens on that tunnel are refused without
// dialing. A fresh instance is created per accepted tunnel.
type openRateLimiter struct {
	mu     sync.Mutex
	counts *cache.Cache
	max    int
}

func newOpenRateLimiter(max int, window time.Duration) *openRateLimiter {
	if max <= 0 {
		max = 50
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &openRateLimiter{
		counts: cache.New(window, window*2),
		max:    max,
	}
}

// Allowed reports whether another open attempt may be dialed on this
// tunnel right now.
func (l *openRateLimiter) Allowed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	count, found := l.counts.Get(failureCounterKey)
	return !found || count.(int) < l.max
}

// RecordFailure notes that an open attempt on this tunnel resulted in a
// non-success result-code.
func (l *openRateLimiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, found := l.counts.Get(failureCounterKey); found {
		l.counts.IncrementInt(failureCounterKey, 1)
		return
	}
	l.counts.SetDefault(failureCounterKey, 1)
}
