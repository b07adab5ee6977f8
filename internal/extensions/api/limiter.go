package api

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/apex-build/sheetext-host/internal/extensions"
)

// limiterSet lazily creates and caches one rate.Limiter per extension,
// grounded on the teacher's per-key rate limiter map in
// internal/middleware (limiters map[string]*RateLimiter) before that
// package was dropped; the limiter-per-key shape survives here scoped to
// network.fetch instead of HTTP request paths.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[extensions.ExtensionID]*rate.Limiter
}

func newLimiterSet() limiterSet {
	return limiterSet{limiters: map[extensions.ExtensionID]*rate.Limiter{}}
}

func (s *limiterSet) get(id extensions.ExtensionID, r rate.Limit, burst int) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[id]
	if !ok {
		l = rate.NewLimiter(r, burst)
		s.limiters[id] = l
	}
	return l
}
