package engine

import (
	"sync"
	"time"
)

const (
	// governorSamples is how many recent round trips the governor
	// averages over.
	governorSamples = 10

	// slowRTT and crawlRTT are the average round-trip thresholds at
	// which the completion budget shrinks to 70% and 50%.
	slowRTT  = 3 * time.Second
	crawlRTT = 4500 * time.Millisecond
)

// Governor tracks recent model round trips and shrinks the effective
// completion budget when the model is running slow, trading reply length
// for responsiveness. It is safe for concurrent use.
type Governor struct {
	mu   sync.Mutex
	buf  []time.Duration
	next int
	full bool
}

// NewGovernor creates a governor averaging over up to capacity samples.
// Zero or negative selects the default.
func NewGovernor(capacity int) *Governor {
	if capacity <= 0 {
		capacity = governorSamples
	}
	return &Governor{buf: make([]time.Duration, capacity)}
}

// Observe records one completed round trip.
func (g *Governor) Observe(rtt time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.buf[g.next] = rtt
	g.next++
	if g.next == len(g.buf) {
		g.next = 0
		g.full = true
	}
}

// AverageRTT returns the mean of the recorded samples, or zero when none
// have been recorded yet.
func (g *Governor) AverageRTT() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.next
	if g.full {
		n = len(g.buf)
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += g.buf[i]
	}
	return total / time.Duration(n)
}

// MaxTokens returns the effective completion cap for the next request:
// 70% of base once the average round trip exceeds 3 s, 50% beyond 4.5 s.
// A base of zero (provider default) passes through untouched.
func (g *Governor) MaxTokens(base int) int {
	if base <= 0 {
		return base
	}
	avg := g.AverageRTT()
	switch {
	case avg > crawlRTT:
		return base * 50 / 100
	case avg > slowRTT:
		return base * 70 / 100
	default:
		return base
	}
}
