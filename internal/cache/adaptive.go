package cache

import (
	"sync/atomic"
	"time"
)

// AdaptiveTTL picks a TTL inside [Min, Max] from the observed hit rate:
// a hot key earns a longer TTL, a cold one is re-read sooner.
type AdaptiveTTL struct {
	Min time.Duration
	Max time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

func NewAdaptiveTTL(min, max time.Duration) *AdaptiveTTL {
	if max < min {
		max = min
	}
	return &AdaptiveTTL{Min: min, Max: max}
}

func (a *AdaptiveTTL) Observe(hit bool) {
	if hit {
		a.hits.Add(1)
		return
	}
	a.misses.Add(1)
}

func (a *AdaptiveTTL) TTL() time.Duration {
	h := a.hits.Load()
	m := a.misses.Load()
	total := h + m
	if total == 0 {
		return a.Min
	}
	rate := float64(h) / float64(total)
	return a.Min + time.Duration(rate*float64(a.Max-a.Min))
}
