// Package ratelimit holds the per-tenant token buckets behind the API's 429
// responses. The memory store serves single-node deployments; the redis store
// shares buckets across replicas.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy defines one bucket: sustained requests per minute plus a burst
// allowance.
type Policy struct {
	RPM   int
	Burst int
}

// DefaultPolicy is applied to tenants without an override.
var DefaultPolicy = Policy{RPM: 600, Burst: 60}

func (p Policy) ratePerSec() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// RetryAfter is the wait suggested to a limited caller: the time one token
// takes to refill, never less than a second.
func (p Policy) RetryAfter() time.Duration {
	secs := math.Ceil(1 / p.ratePerSec())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Store answers whether the caller behind key may spend cost tokens. Stores
// fail open on backend errors; the caller decides whether to block traffic.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy, cost int) (Decision, error)
}

// staleAfter controls when an idle bucket is dropped from the memory store.
const staleAfter = 3 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryStore keeps one token bucket per key. Idle buckets are swept on
// access, so the map stays bounded by the active caller set.
type MemoryStore struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		buckets:   make(map[string]*bucket),
		lastSweep: now(),
		now:       now,
	}
}

func (s *MemoryStore) Allow(ctx context.Context, key string, policy Policy, cost int) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	if at.Sub(s.lastSweep) > staleAfter {
		for k, b := range s.buckets {
			if at.Sub(b.lastSeen) > staleAfter {
				delete(s.buckets, k)
			}
		}
		s.lastSweep = at
	}

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(policy.ratePerSec()), policy.burst())}
		s.buckets[key] = b
	}
	b.lastSeen = at

	if !b.limiter.AllowN(at, cost) {
		return Decision{RetryAfter: policy.RetryAfter()}, nil
	}
	return Decision{Allowed: true}, nil
}
