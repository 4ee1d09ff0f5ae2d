package barcode

import "time"

// pruneAt is the number of remembered keys that triggers eviction of
// expired entries.
const pruneAt = 256

// Cooldown remembers when each barcode was last accepted and answers whether
// a repeat falls inside the window. It is not safe for concurrent use; owners
// guard it with their own lock.
type Cooldown struct {
	window time.Duration
	last   map[string]time.Time
}

// NewCooldown creates a Cooldown with the given window. A zero window
// disables suppression.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window, last: make(map[string]time.Time)}
}

// Window returns the configured window
func (c *Cooldown) Window() time.Duration {
	return c.window
}

// SetWindow replaces the window, keeping remembered keys.
func (c *Cooldown) SetWindow(window time.Duration) {
	c.window = window
}

// Active reports whether key was recorded less than one window before now.
func (c *Cooldown) Active(key string, now time.Time) bool {
	if c.window <= 0 {
		return false
	}
	last, ok := c.last[key]
	if !ok {
		return false
	}
	return now.Sub(last) < c.window
}

// Record remembers key as seen at now.
func (c *Cooldown) Record(key string, now time.Time) {
	c.last[key] = now
	if len(c.last) >= pruneAt {
		c.prune(now)
	}
}

// Allow records key and returns true unless it is still cooling down.
func (c *Cooldown) Allow(key string, now time.Time) bool {
	if c.Active(key, now) {
		return false
	}
	c.Record(key, now)
	return true
}

// Forget drops key so the next occurrence is accepted.
func (c *Cooldown) Forget(key string) {
	delete(c.last, key)
}

// Reset forgets every key
func (c *Cooldown) Reset() {
	c.last = make(map[string]time.Time)
}

// Len returns the number of remembered keys
func (c *Cooldown) Len() int {
	return len(c.last)
}

func (c *Cooldown) prune(now time.Time) {
	for k, t := range c.last {
		if now.Sub(t) >= c.window {
			delete(c.last, k)
		}
	}
}
