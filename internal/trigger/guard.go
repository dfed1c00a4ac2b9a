package trigger

import (
	"sync"
	"time"
)

// Guard is the in-process dedup tier: a bounded key -> suppress-until map
// plus the last user seen at session start.
type Guard struct {
	mu       sync.Mutex
	until    map[string]time.Time
	ttl      time.Duration
	max      int
	lastUser string
	now      func() time.Time
}

func NewGuard(ttl time.Duration, maxEntries int) *Guard {
	g := &Guard{until: map[string]time.Time{}, now: time.Now}
	g.Apply(ttl, maxEntries)
	return g
}

func (g *Guard) Apply(ttl time.Duration, maxEntries int) {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	g.mu.Lock()
	g.ttl, g.max = ttl, maxEntries
	g.mu.Unlock()
}

// Allow reports whether key is not suppressed and, if so, suppresses it for
// the guard TTL.
func (g *Guard) Allow(key string) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if until, ok := g.until[key]; ok && now.Before(until) {
		return false
	}
	g.until[key] = now.Add(g.ttl)
	g.pruneLocked(now)
	return true
}

// Seen reports whether key is currently suppressed, without changing it.
func (g *Guard) Seen(key string) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.until[key]
	return ok && now.Before(until)
}

// Forget drops key so the next Allow succeeds.
func (g *Guard) Forget(key string) {
	g.mu.Lock()
	delete(g.until, key)
	g.mu.Unlock()
}

// SwapLastUser records userID as the most recent session-start user and
// returns the previous one.
func (g *Guard) SwapLastUser(userID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.lastUser
	g.lastUser = userID
	return prev
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.until)
}

func (g *Guard) pruneLocked(now time.Time) {
	for k, until := range g.until {
		if !now.Before(until) {
			delete(g.until, k)
		}
	}
	for len(g.until) > g.max {
		var (
			oldest string
			minT   time.Time
		)
		for k, t := range g.until {
			if oldest == "" || t.Before(minT) {
				oldest, minT = k, t
			}
		}
		delete(g.until, oldest)
	}
}
