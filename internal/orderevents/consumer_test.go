package orderevents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/delivery"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/notification"
	"notifyhub/internal/storage"
	"notifyhub/internal/trigger"
	logx "notifyhub/pkg/logx"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
	drained   chan struct{}
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, v := range values {
		r.msgs = append(r.msgs, kafka.Message{Offset: int64(i), Value: []byte(v)})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

type fakeHandler struct {
	mu       sync.Mutex
	events   []trigger.OrderEvent
	failures int
}

func (h *fakeHandler) OrderStatusChanged(_ context.Context, ev trigger.OrderEvent) ([]*notification.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		return nil, errors.New("store unavailable")
	}
	if _, ok := trigger.ParseOrderStatus(string(ev.Status)); !ok {
		return nil, trigger.ErrUnknownOrderStatus
	}
	h.events = append(h.events, ev)
	return []*notification.Record{{ID: "n-" + ev.OrderID}}, nil
}

func TestConsumerHandlesAndCommits(t *testing.T) {
	r := newFakeReader(
		`{"order_id":"o-1","customer_id":"u1","status":"CONFIRMED"}`,
		`not json`,
		`{"order_id":"o-2","customer_id":"u2","status":"TELEPORTED"}`,
		`{"order_id":"o-3","customer_id":"u3","delivery_partner_id":"p9","status":"PICKED_UP"}`,
	)
	h := &fakeHandler{failures: 2}
	c := NewWithReader(Config{RetryBase: time.Millisecond}, r, h, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-r.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain")
	}
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, c.Close())

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []int64{0, 1, 2, 3}, r.committed)
	assert.True(t, r.closed)

	require.Len(t, h.events, 2)
	assert.Equal(t, "o-1", h.events[0].OrderID)
	assert.Equal(t, "p9", h.events[1].DeliveryPartnerID)
}

// secondCreateFails rejects the second CreateNotification once.
type secondCreateFails struct {
	*storage.MemoryStore
	mu    sync.Mutex
	calls int
}

func (s *secondCreateFails) CreateNotification(ctx context.Context, rec *notification.Record) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n == 2 {
		return errors.New("connection reset")
	}
	return s.MemoryStore.CreateNotification(ctx, rec)
}

type idleDeliverer struct{}

func (idleDeliverer) Deliver(_ context.Context, _ *notification.Record, userID string) dispatch.Result {
	return dispatch.Result{UserID: userID}
}

func TestRetriedEventDoesNotDuplicateRecords(t *testing.T) {
	st := &secondCreateFails{MemoryStore: storage.NewMemory()}
	eng := delivery.New(delivery.Config{}, delivery.Deps{Store: st, Deliverer: idleDeliverer{}})
	svc := trigger.New(trigger.Config{}, eng, st, logx.Nop())

	r := newFakeReader(`{"order_id":"o-5","customer_id":"u1","delivery_partner_id":"p9","status":"PICKED_UP"}`)
	c := NewWithReader(Config{RetryBase: time.Millisecond}, r, svc, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-r.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain")
	}
	cancel()
	require.NoError(t, <-done)

	r.mu.Lock()
	assert.Equal(t, []int64{0}, r.committed)
	r.mu.Unlock()

	recs, err := st.ListNotifications(context.Background(), storage.ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	perUser := map[string]int{}
	for _, rec := range recs {
		perUser[rec.Recipients[0]]++
	}
	assert.Equal(t, map[string]int{"u1": 1, "p9": 1}, perUser)
}

func TestConsumerStopsDuringRetry(t *testing.T) {
	r := newFakeReader(`{"order_id":"o-1","customer_id":"u1","status":"PLACED"}`)
	h := &fakeHandler{failures: 1000}
	c := NewWithReader(Config{RetryBase: 10 * time.Millisecond}, r, h, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	assert.Empty(t, r.committed, "unhandled event must not be committed")
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"order_id":"o-1","customer_id":"u1","status":"out-for-delivery","occurred_at":"2026-05-04T18:30:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, trigger.OrderStatus("out-for-delivery"), ev.Status)
	assert.Equal(t, 2026, ev.OccurredAt.Year())

	_, err = Decode([]byte(`{"customer_id":"u1"}`))
	assert.Error(t, err)
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(Config{}, &fakeHandler{}, logx.Nop())
	assert.Error(t, err)
}
