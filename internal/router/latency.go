package router

import (
	"sort"
	"sync"
)

// ewmaAlpha weights recent observations. Higher reacts faster to upstream
// slowdowns at the cost of noise.
const ewmaAlpha = 0.3

// latencyTracker keeps an exponentially weighted moving average of call
// duration per provider for the latency strategy.
type latencyTracker struct {
	mu   sync.Mutex
	avgs map[string]float64
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{avgs: make(map[string]float64)}
}

func (t *latencyTracker) observe(provider string, seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.avgs[provider]; ok {
		t.avgs[provider] = ewmaAlpha*seconds + (1-ewmaAlpha)*prev
	} else {
		t.avgs[provider] = seconds
	}
}

// order sorts providers by observed average latency, fastest first.
// Providers with no observations yet sort ahead so they get sampled.
func (t *latencyTracker) order(names []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(names))
	copy(out, names)
	sort.SliceStable(out, func(i, j int) bool {
		ai, iok := t.avgs[out[i]]
		aj, jok := t.avgs[out[j]]
		if !iok && !jok {
			return false
		}
		if !iok {
			return true
		}
		if !jok {
			return false
		}
		return ai < aj
	})
	return out
}
