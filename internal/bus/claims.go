package bus

import "sync"

// Claims makes sure a chat message is admitted at most once when it can reach
// the queue both live and through backlog replay.
//
// Only messages older than the cutoff are tracked. Replay never goes past the
// cutoff, so anything newer is live traffic and needs no bookkeeping; this
// keeps the set bounded by the backlog size.
type Claims struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	cutoff string
}

// NewClaims returns an empty claim set with no cutoff.
func NewClaims() *Claims {
	return &Claims{seen: make(map[string]struct{})}
}

// Cutoff fixes the boundary between backlog and live traffic. The first
// call wins and every call returns the boundary in effect.
func (c *Claims) Cutoff(candidate string) string {
	if c == nil {
		return candidate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cutoff == "" {
		c.cutoff = candidate
		for id := range c.seen {
			if !IDLess(id, c.cutoff) {
				delete(c.seen, id)
			}
		}
	}
	return c.cutoff
}

// Claim reports whether the caller is the first to admit messageID.
// A nil *Claims admits everything.
func (c *Claims) Claim(messageID string) bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cutoff != "" && !IDLess(messageID, c.cutoff) {
		return true
	}
	if _, dup := c.seen[messageID]; dup {
		return false
	}
	c.seen[messageID] = struct{}{}
	return true
}

// Len returns the number of tracked messages.
func (c *Claims) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// IDLess orders numeric message IDs (Discord snowflakes) by value, which is
// also creation order.
func IDLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
