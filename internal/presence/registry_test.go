package presence

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type nopSink struct{ id int }

func (*nopSink) Send([]byte) error { return nil }

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	return NewRegistry(WithClock(clk.Now)), clk
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry()

	first := r.Register("u1", "s1", false, nil)
	assert.True(t, first.Accepted)
	assert.True(t, first.Created)

	second := r.Register("u1", "s1", true, nil)
	assert.False(t, second.Created)
	assert.Equal(t, Stats{TotalClients: 1, PWAClients: 1, RegularClients: 0, ActiveClients: 1}, second.Stats)
	require.Len(t, r.DetailsForUser("u1"), 1)
}

func TestConcurrentRegisterDoesNotDoubleCount(t *testing.T) {
	r, _ := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("u1", "shared", false, nil)
		}()
		go func(i int) {
			defer wg.Done()
			r.Register(fmt.Sprintf("u%d", i%5), fmt.Sprintf("s%d", i), i%2 == 0, nil)
		}(i)
	}
	wg.Wait()

	st := r.Stats()
	assert.Equal(t, 51, st.TotalClients)
	assert.Equal(t, st.TotalClients, st.PWAClients+st.RegularClients)
}

func TestTouchUnknownSession(t *testing.T) {
	r, _ := newTestRegistry()
	assert.False(t, r.Touch("nope"))

	r.Register("u1", "s1", false, nil)
	assert.True(t, r.Touch("s1"))
}

func TestUnregisterIsNoopWhenAbsent(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register("u1", "s1", false, nil)
	r.Unregister("s1")
	r.Unregister("s1")
	assert.Equal(t, 0, r.Stats().TotalClients)
	assert.Empty(t, r.DetailsForUser("u1"))
	assert.Empty(t, r.Users())
}

func TestStatsActiveWindow(t *testing.T) {
	r, clk := newTestRegistry()
	r.Register("u1", "s1", true, nil)
	r.Register("u2", "s2", false, nil)

	clk.Advance(45 * time.Second)
	r.Touch("s2")
	clk.Advance(30 * time.Second)

	st := r.Stats()
	assert.Equal(t, Stats{TotalClients: 2, PWAClients: 1, RegularClients: 1, ActiveClients: 1}, st)

	// Stale entries are reported, not evicted.
	clk.Advance(10 * time.Minute)
	assert.Equal(t, 2, r.Stats().TotalClients)
	assert.Equal(t, 0, r.Stats().ActiveClients)

	r.SetActiveWindow(time.Hour)
	assert.Equal(t, 2, r.Stats().ActiveClients)
}

func TestReRegisterMovesSessionToNewUser(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register("u1", "s1", false, nil)
	r.Register("u2", "s1", false, nil)

	assert.Empty(t, r.DetailsForUser("u1"))
	require.Len(t, r.DetailsForUser("u2"), 1)
	assert.Equal(t, []string{"u2"}, r.Users())
}

func TestUnregisterSinkKeepsNewerConnection(t *testing.T) {
	r, _ := newTestRegistry()
	oldSink, newSink := &nopSink{id: 1}, &nopSink{id: 2}

	r.Register("u1", "s1", false, oldSink)
	r.Register("u1", "s1", false, newSink)

	r.UnregisterSink("s1", oldSink)
	sessions := r.DetailsForUser("u1")
	require.Len(t, sessions, 1)
	assert.Same(t, newSink, sessions[0].Sink())

	r.UnregisterSink("s1", newSink)
	assert.Empty(t, r.DetailsForUser("u1"))
}

type closingSink struct{ closed atomic.Bool }

func (*closingSink) Send([]byte) error { return nil }
func (s *closingSink) Close()          { s.closed.Store(true) }

func TestRegisterOwnedRefusesOtherUser(t *testing.T) {
	r, _ := newTestRegistry()
	victim := &closingSink{}
	_, err := r.RegisterOwned("u1", "s1", false, victim)
	require.NoError(t, err)

	res, err := r.RegisterOwned("u2", "s1", true, &closingSink{})
	assert.ErrorIs(t, err, ErrSessionOwned)
	assert.False(t, res.Accepted)
	assert.Equal(t, 1, res.Stats.TotalClients)

	sessions := r.DetailsForUser("u1")
	require.Len(t, sessions, 1)
	assert.Same(t, victim, sessions[0].Sink())
	assert.False(t, victim.closed.Load())
	assert.Empty(t, r.DetailsForUser("u2"))

	res, err = r.RegisterOwned("u1", "s1", true, victim)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Created)
}

func TestDroppedSinksAreClosed(t *testing.T) {
	r, _ := newTestRegistry()
	first, second := &closingSink{}, &closingSink{}

	r.Register("u1", "s1", false, first)
	r.Register("u1", "s1", false, second)
	assert.True(t, first.closed.Load(), "replaced connection ends")
	assert.False(t, second.closed.Load())

	r.Unregister("s1")
	assert.True(t, second.closed.Load(), "explicit unregister ends the connection")
	assert.Equal(t, 0, r.Stats().TotalClients)
}
