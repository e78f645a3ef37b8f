package budget

import (
	"sort"
	"sync"
	"time"

	"github.com/teranos/scry/errors"
)

// Limiter caps LLM call frequency over a sliding one-minute window. The
// worker pool consults it before every snippet-cleanup call so a burst of
// queued content jobs cannot hammer the provider.
type Limiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	calls []time.Time // append-ordered, pruned on every check

	clock func() time.Time
}

// NewLimiter returns a limiter allowing at most limit calls per minute.
func NewLimiter(limit int) *Limiter {
	return NewLimiterWithClock(limit, time.Now)
}

// NewLimiterWithClock injects the clock so window expiry is testable
// without sleeping.
func NewLimiterWithClock(limit int, clock func() time.Time) *Limiter {
	return &Limiter{
		limit:  limit,
		window: time.Minute,
		calls:  make([]time.Time, 0, limit),
		clock:  clock,
	}
}

// Allow records one call if capacity remains in the window, or returns an
// error carrying the window state for the caller to log.
func (l *Limiter) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.prune(now)

	if len(l.calls) >= l.limit {
		err := errors.Newf("llm call rate exceeded: %d calls in the last minute (limit %d)",
			len(l.calls), l.limit)
		err = errors.WithDetailf(err, "Calls in window: %d", len(l.calls))
		err = errors.WithDetailf(err, "Limit per minute: %d", l.limit)
		return err
	}

	l.calls = append(l.calls, now)
	return nil
}

// prune drops timestamps that have slid out of the window. Calls are
// append-ordered, so the survivors start at the first in-window index.
// Must be called with the lock held.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	keep := sort.Search(len(l.calls), func(i int) bool {
		return l.calls[i].After(cutoff)
	})
	l.calls = l.calls[keep:]
}

// Reset clears the call history, e.g. when the operator raises the limit.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = l.calls[:0]
}

// Stats reports the window occupancy for daemon status broadcasts.
func (l *Limiter) Stats() (callsInWindow int, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.clock())
	callsInWindow = len(l.calls)
	remaining = l.limit - callsInWindow
	if remaining < 0 {
		remaining = 0
	}
	return callsInWindow, remaining
}
