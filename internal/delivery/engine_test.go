package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/dispatch"
	"notifyhub/internal/lock"
	"notifyhub/internal/notification"
	"notifyhub/internal/presence"
	"notifyhub/internal/storage"
)

var t0 = time.Date(2026, 5, 4, 18, 30, 0, 0, time.UTC)

// scriptedDeliverer succeeds for users in ok and fails for everyone else.
type scriptedDeliverer struct {
	mu    sync.Mutex
	ok    map[string]bool
	calls []string
	panic string
}

func (s *scriptedDeliverer) Deliver(_ context.Context, rec *notification.Record, userID string) dispatch.Result {
	s.mu.Lock()
	s.calls = append(s.calls, rec.ID+"/"+userID)
	ok := s.ok[userID]
	s.mu.Unlock()
	if userID == s.panic {
		panic("gateway exploded")
	}
	return dispatch.Result{UserID: userID, Channels: []dispatch.ChannelResult{{Channel: dispatch.ChannelPush, OK: ok}}}
}

func (s *scriptedDeliverer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newEngine(st storage.Store, d Deliverer, aud Audience) *Engine {
	e := New(Config{BatchSize: 2}, Deps{Store: st, Deliverer: d, Audience: aud})
	e.now = func() time.Time { return t0 }
	return e
}

func TestEnqueueValidatesAndNeverDelivers(t *testing.T) {
	st := storage.NewMemory()
	d := &scriptedDeliverer{ok: map[string]bool{"u1": true}}
	e := newEngine(st, d, nil)

	_, err := e.Enqueue(context.Background(), notification.Spec{Title: "  "})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	rec, err := e.Enqueue(context.Background(), notification.Spec{Title: "Hi", Recipients: []string{"u1", " u1 ", ""}})
	require.NoError(t, err)
	assert.Equal(t, notification.StatusPending, rec.Status)
	assert.Equal(t, []string{"u1"}, rec.Recipients)
	assert.Equal(t, t0, rec.ScheduledFor)
	assert.Empty(t, d.Calls())
}

// recordingDeliverer keeps every result the wrapped dispatcher produced.
type recordingDeliverer struct {
	inner   Deliverer
	mu      sync.Mutex
	results []dispatch.Result
}

func (r *recordingDeliverer) Deliver(ctx context.Context, rec *notification.Record, userID string) dispatch.Result {
	res := r.inner.Deliver(ctx, rec, userID)
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	return res
}

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func TestOrderConfirmedScenario(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	reg := presence.NewRegistry()
	sink := &frameSink{}
	reg.Register("u42", "s1", false, sink)

	rd := &recordingDeliverer{inner: dispatch.New(dispatch.Deps{Sessions: reg, Targets: st})}
	e := newEngine(st, rd, reg)
	rec, err := e.Enqueue(ctx, notification.Spec{
		Title:        "Order Confirmed",
		Body:         "Your order is being prepared",
		Recipients:   []string{"u42"},
		ScheduledFor: t0,
	})
	require.NoError(t, err)

	res, err := e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 1, Sent: 1}, res)

	got, err := e.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSent, got.Status)

	require.Len(t, rd.results, 1)
	require.Len(t, rd.results[0].Channels, 1)
	ch := rd.results[0].Channels[0]
	assert.Equal(t, dispatch.ChannelLivestream, ch.Channel)
	assert.True(t, ch.OK)
	assert.Equal(t, "s1", ch.Target)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.frames, 1)
	assert.Contains(t, string(sink.frames[0]), "Order Confirmed")
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	d := &scriptedDeliverer{ok: map[string]bool{"u1": true}}
	e := newEngine(st, d, nil)

	for i := 0; i < 5; i++ {
		_, err := e.Enqueue(ctx, notification.Spec{Title: "t", Recipients: []string{"u1"}})
		require.NoError(t, err)
	}

	first, err := e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 5, first.Processed, "batches drain until nothing is due")

	second, err := e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Len(t, d.Calls(), 5)
}

func TestConcurrentSweepsDeliverOnce(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	d := &scriptedDeliverer{ok: map[string]bool{"u1": true}}
	e := newEngine(st, d, nil)
	for i := 0; i < 20; i++ {
		_, err := e.Enqueue(ctx, notification.Spec{Title: "t", Recipients: []string{"u1"}})
		require.NoError(t, err)
	}

	var (
		wg        sync.WaitGroup
		processed atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.RunSweep(ctx, t0)
			assert.NoError(t, err)
			processed.Add(int32(res.Processed))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), processed.Load())
	assert.Len(t, d.Calls(), 20)
}

func TestRecipientWithoutTargetsFails(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	e := newEngine(st, &scriptedDeliverer{}, nil)

	rec, err := e.Enqueue(ctx, notification.Spec{Title: "t", Recipients: []string{"ghost"}})
	require.NoError(t, err)

	res, err := e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 1, Failed: 1}, res)

	got, err := e.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusFailed, got.Status)
	assert.NotEmpty(t, got.LastError)

	// Failed records are not retried.
	res, err = e.RunSweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
}

func TestAnyRecipientSuccessMarksSent(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	d := &scriptedDeliverer{ok: map[string]bool{"u2": true}, panic: "u3"}
	e := newEngine(st, d, nil)

	rec, err := e.Enqueue(ctx, notification.Spec{Title: "t", Recipients: []string{"u1", "u2", "u3"}})
	require.NoError(t, err)

	res, err := e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, d.Calls(), 3)

	got, err := e.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSent, got.Status)
}

func TestDelayedBroadcast(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.SetPushToken(ctx, "u-push", "tok"))
	reg := presence.NewRegistry()
	reg.Register("u-live", "s1", true, nil)

	d := &scriptedDeliverer{ok: map[string]bool{"u-live": true}}
	e := newEngine(st, d, reg)
	_, err := e.Enqueue(ctx, notification.Spec{Title: "Flash sale", ScheduledFor: t0.Add(time.Minute)})
	require.NoError(t, err)

	res, err := e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)

	res, err = e.RunSweep(ctx, t0.Add(61*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Sent)
	assert.ElementsMatch(t, []string{"u-live", "u-push"}, trimIDs(d.Calls()))
}

func TestStoreFailuresAbortOnlyThatRecord(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	d := &scriptedDeliverer{ok: map[string]bool{"u1": true}}
	e := newEngine(st, d, nil)
	e.Apply(Config{BatchSize: 10})

	a, err := e.Enqueue(ctx, notification.Spec{Title: "a", Recipients: []string{"u1"}, ScheduledFor: t0.Add(-2 * time.Second)})
	require.NoError(t, err)
	b, err := e.Enqueue(ctx, notification.Spec{Title: "b", Recipients: []string{"u1"}, ScheduledFor: t0.Add(-time.Second)})
	require.NoError(t, err)

	// The first Complete call (record a) fails.
	st.FailNext("Complete", errors.New("disk full"))
	res, err := e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 1, Sent: 1, Errors: 1}, res)

	got, err := e.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusPending, got.Status, "released for the next sweep")
	got, err = e.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSent, got.Status)

	// Claim failure leaves the record untouched.
	st.FailNext("Claim", errors.New("timeout"))
	res, err = e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Errors: 1}, res)

	res, err = e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 1, Sent: 1}, res)
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	locker := lock.NewLocal()
	e := New(Config{}, Deps{Store: st, Deliverer: &scriptedDeliverer{}, Locker: locker})

	release, ok, err := locker.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.True(t, res.Locked)

	require.NoError(t, release(ctx))
	res, err = e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.False(t, res.Locked)
}

// gatedDeliverer blocks its first call until release is closed.
type gatedDeliverer struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedDeliverer() *gatedDeliverer {
	return &gatedDeliverer{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedDeliverer) Deliver(_ context.Context, _ *notification.Record, userID string) dispatch.Result {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return dispatch.Result{UserID: userID, Channels: []dispatch.ChannelResult{{Channel: dispatch.ChannelLivestream, OK: true}}}
}

func (g *gatedDeliverer) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}
}

type sweepOutcome struct {
	res SweepResult
	err error
}

func sweepAsync(e *Engine, now time.Time) <-chan sweepOutcome {
	out := make(chan sweepOutcome, 1)
	go func() {
		res, err := e.RunSweep(context.Background(), now)
		out <- sweepOutcome{res, err}
	}()
	return out
}

// testClock is safe to move while sweeps read it.
type testClock struct{ ns atomic.Int64 }

func newTestClock(at time.Time) *testClock {
	c := &testClock{}
	c.Set(at)
	return c
}

func (c *testClock) Now() time.Time      { return time.Unix(0, c.ns.Load()).UTC() }
func (c *testClock) Set(at time.Time)    { c.ns.Store(at.UnixNano()) }
func (c *testClock) Add(d time.Duration) { c.ns.Add(int64(d)) }

func TestFutureSweepDoesNotTakeOverActiveClaim(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	d := newGatedDeliverer()
	e := newEngine(st, d, nil)
	rec, err := e.Enqueue(ctx, notification.Spec{Title: "t", Recipients: []string{"u1"}})
	require.NoError(t, err)

	first := sweepAsync(e, t0)
	d.waitEntered(t)

	// A manual sweep "as of" three minutes ahead still sees a live lease.
	res, err := e.RunSweep(ctx, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	close(d.release)
	out := <-first
	require.NoError(t, out.err)
	assert.Equal(t, SweepResult{Processed: 1, Sent: 1}, out.res)
	assert.Equal(t, int32(1), d.calls.Load())

	got, err := e.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSent, got.Status)
}

func TestExpiredHolderCannotOverwriteNewClaim(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	d := newGatedDeliverer()
	clk := newTestClock(t0)
	e := newEngine(st, d, nil)
	e.now = clk.Now
	rec, err := e.Enqueue(ctx, notification.Spec{Title: "t", Recipients: []string{"u1"}})
	require.NoError(t, err)

	first := sweepAsync(e, t0)
	d.waitEntered(t)

	// The first holder stalls past its lease; a later sweep takes over.
	clk.Add(3 * time.Minute)
	res, err := e.RunSweep(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 1, Sent: 1}, res)

	close(d.release)
	out := <-first
	require.NoError(t, out.err)
	assert.Equal(t, SweepResult{Skipped: 1}, out.res, "late holder neither completes nor releases")

	got, err := e.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSent, got.Status)
	res, err = e.RunSweep(ctx, clk.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
}

func TestHeldClaimIsRenewed(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	d := newGatedDeliverer()
	clk := newTestClock(t0)
	e := newEngine(st, d, nil)
	e.now = clk.Now
	e.Apply(Config{BatchSize: 2, ClaimTTL: 3 * time.Second})
	rec, err := e.Enqueue(ctx, notification.Spec{Title: "t", Recipients: []string{"u1"}})
	require.NoError(t, err)

	first := sweepAsync(e, t0)
	d.waitEntered(t)

	clk.Add(time.Minute)
	require.Eventually(t, func() bool {
		got, err := e.Get(ctx, rec.ID)
		return err == nil && got.ClaimedAt != nil && got.ClaimedAt.Equal(t0.Add(time.Minute))
	}, 3*time.Second, 20*time.Millisecond)

	clk.Add(2 * time.Second)
	res, err := e.RunSweep(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	close(d.release)
	out := <-first
	require.NoError(t, out.err)
	assert.Equal(t, 1, out.res.Sent)
	assert.Equal(t, int32(1), d.calls.Load())
}

// poisonedStore fails Complete for the listed records every time.
type poisonedStore struct {
	*storage.MemoryStore
	poison map[string]bool
}

func (p *poisonedStore) Complete(ctx context.Context, l storage.Lease, status notification.Status, at time.Time, lastErr string) error {
	if p.poison[l.ID] {
		return errors.New("row locked")
	}
	return p.MemoryStore.Complete(ctx, l, status, at, lastErr)
}

func TestFailingRecordsDoNotBlockTheQueue(t *testing.T) {
	ctx := context.Background()
	st := &poisonedStore{MemoryStore: storage.NewMemory(), poison: map[string]bool{}}
	d := &scriptedDeliverer{ok: map[string]bool{"u1": true}}
	e := newEngine(st, d, nil)

	for i := 0; i < 2; i++ {
		rec, err := e.Enqueue(ctx, notification.Spec{Title: "stuck", Recipients: []string{"u1"}, ScheduledFor: t0.Add(-time.Minute)})
		require.NoError(t, err)
		st.poison[rec.ID] = true
	}
	var good []string
	for i := 0; i < 3; i++ {
		rec, err := e.Enqueue(ctx, notification.Spec{Title: "ok", Recipients: []string{"u1"}})
		require.NoError(t, err)
		good = append(good, rec.ID)
	}

	res, err := e.RunSweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 3, Sent: 3, Errors: 2}, res)
	for _, id := range good {
		got, err := e.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, notification.StatusSent, got.Status)
	}
}

func TestEnqueueWithDedupKeyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	e := newEngine(st, &scriptedDeliverer{}, nil)

	spec := notification.Spec{Title: "Order Picked Up", Recipients: []string{"u1"}, DedupKey: "order:o-1:PICKED_UP:u1"}
	a, err := e.Enqueue(ctx, spec)
	require.NoError(t, err)
	b, err := e.Enqueue(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	spec.DedupKey = "order:o-1:PICKED_UP:p9"
	c, err := e.Enqueue(ctx, spec)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)

	counts, err := e.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[notification.StatusPending])
}

func trimIDs(calls []string) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		for i := 0; i < len(c); i++ {
			if c[i] == '/' {
				out = append(out, c[i+1:])
				break
			}
		}
	}
	return out
}
