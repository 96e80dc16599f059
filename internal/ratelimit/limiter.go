// Package ratelimit gates outbound commands with token buckets.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter allows a number of commands per period, either globally or per key.
// Keyed buckets are created on first use and dropped with Forget.
type RateLimiter struct {
	global *rate.Limiter
	limit  rate.Limit
	burst  int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	allowed atomic.Int64
	denied  atomic.Int64
}

// New creates a RateLimiter with the specified number of commands allowed per period.
func New(requests int, period time.Duration) *RateLimiter {
	limit := rate.Limit(float64(requests) / period.Seconds())
	return &RateLimiter{
		global:  rate.NewLimiter(limit, requests),
		limit:   limit,
		burst:   requests,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow returns true if the global bucket permits a command immediately.
func (r *RateLimiter) Allow() bool {
	return r.record(r.global.Allow())
}

// AllowKey returns true if the bucket for key permits a command immediately.
func (r *RateLimiter) AllowKey(key string) bool {
	r.mu.Lock()
	limiter, ok := r.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.buckets[key] = limiter
	}
	r.mu.Unlock()
	return r.record(limiter.Allow())
}

// Forget drops the bucket for key.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	delete(r.buckets, key)
	r.mu.Unlock()
}

func (r *RateLimiter) record(ok bool) bool {
	if ok {
		r.allowed.Add(1)
	} else {
		r.denied.Add(1)
	}
	return ok
}

// Metrics returns a snapshot of the current rate limiter statistics.
func (r *RateLimiter) Metrics() MetricsSnapshot {
	r.mu.Lock()
	buckets := len(r.buckets)
	r.mu.Unlock()
	return MetricsSnapshot{
		Allowed: r.allowed.Load(),
		Denied:  r.denied.Load(),
		Buckets: buckets,
	}
}

// MetricsSnapshot is a point-in-time capture of rate limiter statistics.
type MetricsSnapshot struct {
	Allowed int64
	Denied  int64
	// Buckets is the number of keyed buckets in use.
	Buckets int
}
