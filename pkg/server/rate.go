package server

import (
	"sync"
	"time"
)

// RateGuard is a per-IP token bucket. Each IP gets a bucket of capacity
// tokens refilling at refillPerSec; a request consumes one token or is
// denied without consuming. Refill happens lazily on check, so idle IPs
// cost nothing until the periodic stale-entry cleanup drops them.
type RateGuard struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	capacity     float64
	refillPerSec float64

	now func() time.Time // injectable clock for tests
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateGuard creates a token-bucket guard with the given capacity and
// refill rate per second
func NewRateGuard(capacity, refillPerSec float64) *RateGuard {
	return &RateGuard{
		buckets:      make(map[string]*bucket),
		capacity:     capacity,
		refillPerSec: refillPerSec,
		now:          time.Now,
	}
}

// Allow consumes one token for the IP if available. Empty IPs are denied:
// ambiguous state fails closed.
func (g *RateGuard) Allow(ip string) bool {
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	b, ok := g.buckets[ip]
	if !ok {
		b = &bucket{tokens: g.capacity, lastSeen: now}
		g.buckets[ip] = b
	} else {
		elapsed := now.Sub(b.lastSeen).Seconds()
		if elapsed > 0 {
			b.tokens = min(g.capacity, b.tokens+elapsed*g.refillPerSec)
		}
		b.lastSeen = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Cleanup drops buckets idle longer than maxIdle and returns the number
// removed. Callers run this periodically to bound memory.
func (g *RateGuard) Cleanup(maxIdle time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-maxIdle)
	removed := 0
	for ip, b := range g.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(g.buckets, ip)
			removed++
		}
	}
	return removed
}
