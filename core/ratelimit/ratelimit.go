// Package ratelimit enforces a minimum interval between events from one user.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const trackedUsers = 10_000

// Limiter remembers when each user was last let through.
type Limiter struct {
	interval time.Duration
	exclude  map[string]struct{}

	mu   sync.Mutex
	seen *expirable.LRU[string, time.Time]
	now  func() time.Time
}

// New returns a limiter; interval <= 0 disables limiting. Event kinds listed
// in exclude always pass.
func New(interval time.Duration, exclude []string) *Limiter {
	l := &Limiter{
		interval: interval,
		exclude:  make(map[string]struct{}, len(exclude)),
		now:      time.Now,
	}
	for _, kind := range exclude {
		l.exclude[kind] = struct{}{}
	}
	if interval > 0 {
		l.seen = expirable.NewLRU[string, time.Time](trackedUsers, nil, interval)
	}
	return l
}

// Allow reports whether an event of kind from userID may be processed.
func (l *Limiter) Allow(userID, kind string) bool {
	if l == nil || l.interval <= 0 || userID == "" {
		return true
	}
	if _, skip := l.exclude[kind]; skip {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.seen.Get(userID); ok && now.Sub(last) < l.interval {
		return false
	}
	l.seen.Add(userID, now)
	return true
}
