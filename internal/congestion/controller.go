// Package congestion implements an AIMD (additive increase / multiplicative
// decrease) admission controller that caps how many downloads the manager
// runs concurrently against a single host, reacting to each finished
// download's failure or success the way TCP congestion windows react to loss.
package congestion

import (
	"sync"
)

const (
	minWindow           = 1
	maxWindow           = 8
	additiveIncrease    = 1
	multiplicativeDecay = 0.5
)

// Controller tracks one congestion window per host.
type Controller struct {
	mu      sync.Mutex
	windows map[string]float64
	enabled bool
}

// New returns a Controller with every host starting at the minimum window,
// AIMD windowing enabled.
func New() *Controller {
	return &Controller{windows: make(map[string]float64), enabled: true}
}

// SetEnabled toggles AIMD windowing. Disabled, Admit ignores the per-host
// window entirely (the manager's own max-concurrent-downloads gate becomes
// the only admission control), and OnSuccess/OnFailure stop adjusting it.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// Admit reports whether host has spare capacity for one more concurrent
// download, given inFlight currently running against it.
func (c *Controller) Admit(host string, inFlight int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return true
	}
	return float64(inFlight) < c.windowLocked(host)
}

// OnSuccess grows host's window additively, up to maxWindow.
func (c *Controller) OnSuccess(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	w := c.windowLocked(host) + additiveIncrease
	if w > maxWindow {
		w = maxWindow
	}
	c.windows[host] = w
}

// OnFailure shrinks host's window multiplicatively, down to minWindow.
func (c *Controller) OnFailure(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	w := c.windowLocked(host) * multiplicativeDecay
	if w < minWindow {
		w = minWindow
	}
	c.windows[host] = w
}

// Window reports the current window size for host (rounded down), for
// observability.
func (c *Controller) Window(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.windowLocked(host))
}

func (c *Controller) windowLocked(host string) float64 {
	w, ok := c.windows[host]
	if !ok {
		w = minWindow
		c.windows[host] = w
	}
	return w
}
