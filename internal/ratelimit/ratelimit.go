// Package ratelimit implements a sliding-window admission check keyed
// by client IP. State lives in sharded maps so concurrent requests for
// different clients rarely contend on the same lock.
package ratelimit

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

const shardCount = 32

// Decision is the outcome of one admission check, with everything the
// engine needs to emit the X-RateLimit-* headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero unless denied
}

type shard struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// Limiter tracks request timestamps per client within a trailing window.
type Limiter struct {
	max    int
	window time.Duration
	clock  func() time.Time
	shards [shardCount]*shard
}

// New creates a limiter allowing max requests per window.
func New(max int, window time.Duration) *Limiter {
	l := &Limiter{max: max, window: window, clock: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string][]time.Time)}
	}
	return l
}

// SetClock overrides the time source. Test hook.
func (l *Limiter) SetClock(clock func() time.Time) { l.clock = clock }

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// Allow records a request for the client and decides whether it may
// proceed. A denied request is not recorded, so a client that keeps
// hammering becomes admissible again once the window drains.
func (l *Limiter) Allow(clientIP string) Decision {
	now := l.clock()
	cutoff := now.Add(-l.window)

	s := l.shardFor(clientIP)
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := pruneBefore(s.entries[clientIP], cutoff)

	if len(recent) >= l.max {
		s.entries[clientIP] = recent
		oldest := recent[0]
		retry := l.window - now.Sub(oldest)
		return Decision{
			Allowed:    false,
			Limit:      l.max,
			Remaining:  0,
			RetryAfter: ceilSeconds(retry),
		}
	}

	recent = append(recent, now)
	s.entries[clientIP] = recent
	return Decision{
		Allowed:   true,
		Limit:     l.max,
		Remaining: l.max - len(recent),
	}
}

// Run evicts idle clients until ctx is cancelled. Intended to be
// launched once as a background goroutine.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.clock().Add(-l.window)
	for _, s := range l.shards {
		s.mu.Lock()
		for key, times := range s.entries {
			recent := pruneBefore(times, cutoff)
			if len(recent) == 0 {
				delete(s.entries, key)
			} else {
				s.entries[key] = recent
			}
		}
		s.mu.Unlock()
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0:0], times[i:]...)
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
