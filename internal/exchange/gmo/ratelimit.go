package gmo

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Rate limit bounds. The exchange tolerates 20 requests/second per
// method class; sustained ERR-5003 responses walk the limit down.
const (
	rateLimitCeiling = 20
	rateLimitFloor   = 5
	rateLimitStep    = 5
	throttleStreak   = 3

	postJitterMax = 100 * time.Millisecond
	getJitterMax  = 50 * time.Millisecond
)

// Limiter spaces requests per HTTP method and adapts the shared
// requests-per-second limit to exchange throttling. All state is
// guarded by one mutex; every Client call goes through Wait.
type Limiter struct {
	mu                sync.Mutex
	limit             int
	consecutiveErrors int
	lastRequest       map[string]time.Time

	clk clock.Clock
	rnd *rand.Rand
}

// NewLimiter returns a Limiter starting at the ceiling.
func NewLimiter(clk clock.Clock) *Limiter {
	return &Limiter{
		limit:       rateLimitCeiling,
		lastRequest: map[string]time.Time{},
		clk:         clk,
		rnd:         rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// Wait blocks until at least 1/limit seconds have passed since the last
// request of the same method, plus a small random jitter so bursts of
// calls do not line up on exact intervals.
func (l *Limiter) Wait(method string) {
	wait := l.reserve(method, l.clk.Now())
	if wait <= 0 {
		return
	}
	jitterMax := getJitterMax
	if method == "POST" {
		jitterMax = postJitterMax
	}
	l.mu.Lock()
	jitter := time.Duration(l.rnd.Int63n(int64(jitterMax)))
	l.mu.Unlock()
	l.clk.Sleep(wait + jitter)
}

// reserve records now as the request instant for method and returns how
// long the caller must still wait to honor the current limit.
func (l *Limiter) reserve(method string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	interval := time.Second / time.Duration(l.limit)
	last, ok := l.lastRequest[method]
	l.lastRequest[method] = now
	if !ok {
		return 0
	}
	wait := interval - now.Sub(last)
	if wait > 0 {
		// The slot starts after the wait elapses.
		l.lastRequest[method] = now.Add(wait)
	}
	return wait
}

// OnThrottle records one exchange throttling response. Three in a row
// drop the limit by one step, never below the floor. The streak stays
// counted after a step-down; successes must drain it before the limit
// recovers.
func (l *Limiter) OnThrottle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutiveErrors++
	if l.consecutiveErrors%throttleStreak == 0 {
		if l.limit-rateLimitStep >= rateLimitFloor {
			l.limit -= rateLimitStep
		} else {
			l.limit = rateLimitFloor
		}
	}
}

// OnSuccess records one throttle-free call. The error streak drains
// first; only once it is empty does the limit recover, one unit per
// call, up to the ceiling.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consecutiveErrors > 0 {
		l.consecutiveErrors--
		return
	}
	if l.limit < rateLimitCeiling {
		l.limit++
	}
}

// Limit returns the current requests-per-second limit.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}
