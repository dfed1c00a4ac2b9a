package trigger

import (
	"testing"
	"time"
)

func TestGuardAllowAndExpire(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGuard(time.Minute, 10)
	g.now = func() time.Time { return now }

	if !g.Allow("k") {
		t.Fatalf("first Allow should pass")
	}
	if g.Allow("k") {
		t.Fatalf("second Allow within ttl should be suppressed")
	}
	now = now.Add(2 * time.Minute)
	if !g.Allow("k") {
		t.Fatalf("Allow after ttl should pass")
	}
}

func TestGuardCapsEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGuard(time.Hour, 3)
	g.now = func() time.Time { return now }

	for _, k := range []string{"a", "b", "c", "d"} {
		now = now.Add(time.Second)
		g.Allow(k)
	}
	if n := g.Len(); n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}
	if g.Seen("a") {
		t.Fatalf("oldest entry should be evicted")
	}
}
