// ratelimit.go implements the fixed-window rate limiter gating telemetry
// reports. One counter per caller identity; a background task wholesale-clears
// the counter map once per window unit. The window is coarse (whole unit, not
// sliding), which is fine for abuse deterrence but not for precise quota
// accounting.
package stats

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitError is returned when an identity exceeds its per-window quota.
// The message states the quota and the singular unit name, as updater clients
// display it verbatim.
type RateLimitError struct {
	Max      int
	UnitName string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: at most %d requests per %s allowed", e.Max, e.UnitName)
}

// RateLimiter counts calls per identity within a fixed window.
type RateLimiter struct {
	max      int
	unitName string

	mu     sync.Mutex
	counts map[string]int
	stopCh chan struct{}
}

// NewRateLimiter creates a limiter allowing max calls per identity per unit
// and starts its window-reset task. unitName is the singular unit name used
// in error messages ("second", "minute", "hour").
func NewRateLimiter(max int, unit time.Duration, unitName string) *RateLimiter {
	rl := &RateLimiter{
		max:      max,
		unitName: unitName,
		counts:   make(map[string]int),
		stopCh:   make(chan struct{}),
	}

	go rl.resetLoop(unit)

	return rl
}

// resetLoop clears every counter once per window unit.
func (rl *RateLimiter) resetLoop(unit time.Duration) {
	ticker := time.NewTicker(unit)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Reset()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the window-reset task.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// Test counts one call for id. The first max calls within a window succeed;
// every further call returns a *RateLimitError until the window rolls over.
func (rl *RateLimiter) Test(id string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.counts[id] >= rl.max {
		return &RateLimitError{Max: rl.max, UnitName: rl.unitName}
	}
	rl.counts[id]++
	return nil
}

// Block pins id at the quota immediately, suppressing it for the rest of the
// current window. Used after a policy violation such as a disallowed value.
func (rl *RateLimiter) Block(id string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.counts[id] = rl.max
}

// Reset clears all counters, starting a fresh window for every identity.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.counts = make(map[string]int)
}
