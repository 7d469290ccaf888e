package webhook

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter is a per-client sliding window limiter.
type RateLimiter struct {
	limit int
	clock func() time.Time

	mu     sync.Mutex
	hits   map[string][]time.Time
	stop   chan struct{}
	closed bool
}

// NewRateLimiter creates a limiter allowing perMinute requests per client.
// A background goroutine prunes idle clients until Stop is called.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := newRateLimiter(perMinute, time.Now)
	go rl.prune(5 * time.Minute)
	return rl
}

func newRateLimiter(perMinute int, clock func() time.Time) *RateLimiter {
	return &RateLimiter{
		limit: perMinute,
		clock: clock,
		hits:  make(map[string][]time.Time),
		stop:  make(chan struct{}),
	}
}

// Allow records a request from client and reports whether it is within the limit.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	recent := trim(rl.hits[client], now)
	if len(recent) >= rl.limit {
		rl.hits[client] = recent
		return false
	}
	rl.hits[client] = append(recent, now)
	return true
}

// RetryAfter returns how long client must wait before its oldest request
// leaves the window.
func (rl *RateLimiter) RetryAfter(client string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.hits[client]
	if len(recent) == 0 {
		return 0
	}
	wait := rateWindow - rl.clock().Sub(recent[0])
	if wait < 0 {
		return 0
	}
	return wait
}

// Stop ends the pruning goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !rl.closed {
		rl.closed = true
		close(rl.stop)
	}
}

func (rl *RateLimiter) prune(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	for client, hits := range rl.hits {
		if recent := trim(hits, now); len(recent) == 0 {
			delete(rl.hits, client)
		} else {
			rl.hits[client] = recent
		}
	}
}

// trim drops timestamps that fell out of the window. hits is in order.
func trim(hits []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= rateWindow {
		i++
	}
	return hits[i:]
}
