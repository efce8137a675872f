// Package ratelimit gates high-volume collector event streams with a
// token bucket per (session, stream), dropping and counting whatever
// exceeds the configured rate rather than blocking the collector
// (spec.md §4.5, network observer and console observer each own one).
package ratelimit

import (
	"sync"
	"sync/atomic"

	"github.com/dev-console/browserfairy/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter wraps rate.Limiter with a non-blocking Allow and a running
// drop count, readable through Dropped and Registry.TotalDropped and
// counted in metrics.RecordsDropped. overview.json does not include
// it: the overview's drop counts are writer queue drops only.
type Limiter struct {
	limiter *rate.Limiter
	dropped atomic.Int64
}

// New creates a Limiter admitting tokensPerSecond events/s with a
// burst equal to the same rate, so a quiet stream can absorb one
// full second's worth of events in a single instant without dropping.
func New(tokensPerSecond float64) *Limiter {
	burst := int(tokensPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(tokensPerSecond), burst)}
}

// Allow reports whether the caller may emit one event now. A false
// return means the event must be dropped; Allow increments the drop
// counter itself so callers don't have to remember to.
func (l *Limiter) Allow() bool {
	if l.limiter.Allow() {
		return true
	}
	l.dropped.Add(1)
	metrics.RecordsDropped.WithLabelValues("ratelimit").Inc()
	return false
}

// Dropped returns the total number of events this limiter has refused.
func (l *Limiter) Dropped() int64 { return l.dropped.Load() }

// Registry hands out one Limiter per (sessionTag, stream) pair. Every
// Get passes a rate; only the first Get for a pair uses it, and later
// Gets for that pair return the existing Limiter unchanged.
type Registry struct {
	mu           sync.Mutex
	limiters     map[string]*Limiter
	removedTotal atomic.Int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Get returns the Limiter for (sessionTag, stream), creating one at
// tokensPerSecond if this is the first request for that pair.
func (reg *Registry) Get(sessionTag, stream string, tokensPerSecond float64) *Limiter {
	key := sessionTag + "\x00" + stream
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if l, ok := reg.limiters[key]; ok {
		return l
	}
	l := New(tokensPerSecond)
	reg.limiters[key] = l
	return l
}

// Remove drops every Limiter associated with sessionTag, called when
// a session's target is torn down (spec.md §4.11).
func (reg *Registry) Remove(sessionTag string) {
	prefix := sessionTag + "\x00"
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for key, l := range reg.limiters {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			reg.removedTotal.Add(l.Dropped())
			delete(reg.limiters, key)
		}
	}
}

// TotalDropped sums the drop counters of every limiter ever created,
// including ones already Removed. The engine does not write this total
// to overview.json.
func (reg *Registry) TotalDropped() int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	total := reg.removedTotal.Load()
	for _, l := range reg.limiters {
		total += l.Dropped()
	}
	return total
}
