package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	cleanupEvery = 3 * time.Minute
	staleAfter   = 5 * time.Minute
)

// Limiter is a per-client token bucket limiter keyed by IP address. Stale
// buckets are dropped by a background sweep.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows rps requests per second with the given burst per IP.
func NewLimiter(rps float64, burst int) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go l.sweep()
	return l
}

// Allow reports whether a request from ip is within its budget, creating
// the bucket on first sight.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

func (l *Limiter) sweep() {
	for {
		time.Sleep(cleanupEvery)

		l.mu.Lock()
		for ip, b := range l.buckets {
			if time.Since(b.lastSeen) >= staleAfter {
				delete(l.buckets, ip)
			}
		}
		l.mu.Unlock()
	}
}
