package platform

import (
	"sync"
	"time"
)

// AttemptLimiter counts authentication attempts per client identity over a
// sliding window. Stale attempts are pruned lazily on each check; there is no
// background sweep.
type AttemptLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	attempts map[string][]time.Time
	now      func() time.Time
}

func NewAttemptLimiter(limit int, window time.Duration) *AttemptLimiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &AttemptLimiter{
		limit:    limit,
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether identity may attempt authentication now, and records
// the attempt if so. Rejected attempts are not recorded.
func (l *AttemptLimiter) Allow(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.attempts[identity][:0]
	for _, t := range l.attempts[identity] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.attempts[identity] = kept
		return false
	}
	l.attempts[identity] = append(kept, now)
	return true
}
