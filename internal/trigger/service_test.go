package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/delivery"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/notification"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

var t0 = time.Date(2026, 2, 14, 19, 0, 0, 0, time.UTC)

type noDelivery struct{}

func (noDelivery) Deliver(_ context.Context, _ *notification.Record, userID string) dispatch.Result {
	return dispatch.Result{UserID: userID}
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	st := storage.NewMemory()
	eng := delivery.New(delivery.Config{}, delivery.Deps{Store: st, Deliverer: noDelivery{}})
	svc := New(Config{}, eng, st, logx.Nop())
	svc.now = func() time.Time { return t0 }
	return svc, st
}

func pending(t *testing.T, st storage.Store) []*notification.Record {
	t.Helper()
	recs, err := st.ListNotifications(context.Background(), storage.ListFilter{Status: notification.StatusPending})
	require.NoError(t, err)
	return recs
}

func TestLoginDelayAndDedup(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Login(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, t0.Add(10*time.Second), rec.ScheduledFor)
	assert.Equal(t, notification.KindLogin, rec.Kind)

	// Same user again: re-render of the same session.
	again, err := svc.Login(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, again)

	other, err := svc.Login(ctx, "u2")
	require.NoError(t, err)
	assert.NotNil(t, other)

	// u1 is back after u2, but the guard already scheduled u1 in this process.
	back, err := svc.Login(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, back)

	assert.Len(t, pending(t, st), 2)
}

func TestWelcomeConcurrentCallsEnqueueOnce(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Welcome(ctx, "new-user")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	recs := pending(t, st)
	require.Len(t, recs, 1)
	assert.Equal(t, notification.KindWelcome, recs[0].Kind)

	// A fresh process (new guard) still sees the durable flag.
	eng := delivery.New(delivery.Config{}, delivery.Deps{Store: st, Deliverer: noDelivery{}})
	restarted := New(Config{}, eng, st, logx.Nop())
	rec, err := restarted.Welcome(ctx, "new-user")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Len(t, pending(t, st), 1)
}

func TestWelcomeReleasesFlagWhenEnqueueFails(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	st.FailNext("CreateNotification", errors.New("db down"))
	_, err := svc.Welcome(ctx, "u1")
	require.Error(t, err)

	rec, err := svc.Welcome(ctx, "u1")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestSessionStarted(t *testing.T) {
	svc, _ := newTestService(t)
	out, err := svc.SessionStarted(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, out.LoginID)
	assert.NotEmpty(t, out.WelcomeID)

	_, err = svc.SessionStarted(context.Background(), " ")
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestOrderStatusRecipients(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	recs, err := svc.OrderStatusChanged(ctx, OrderEvent{OrderID: "o-1", CustomerID: "c1", DeliveryPartnerID: "d1", Status: "confirmed"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Order Confirmed", recs[0].Title)
	assert.Equal(t, []string{"c1"}, recs[0].Recipients)
	assert.Equal(t, t0, recs[0].ScheduledFor)

	recs, err = svc.OrderStatusChanged(ctx, OrderEvent{OrderID: "o-1", CustomerID: "c1", DeliveryPartnerID: "d1", Status: "picked-up"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"d1"}, recs[1].Recipients)
	assert.Equal(t, "/deliveries/o-1", recs[1].Data["url"])

	// A redelivered transition resolves to the records already enqueued.
	first := recs[0].ID
	recs, err = svc.OrderStatusChanged(ctx, OrderEvent{OrderID: "o-1", CustomerID: "c1", DeliveryPartnerID: "d1", Status: OrderPickedUp})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, first, recs[0].ID)

	_, err = svc.OrderStatusChanged(ctx, OrderEvent{OrderID: "o-1", CustomerID: "c1", Status: "TELEPORTED"})
	assert.ErrorIs(t, err, ErrUnknownOrderStatus)
}

// flakyCreates fails the n-th CreateNotification once.
type flakyCreates struct {
	*storage.MemoryStore
	mu     sync.Mutex
	calls  int
	failOn int
}

func (f *flakyCreates) CreateNotification(ctx context.Context, rec *notification.Record) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failOn
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryStore.CreateNotification(ctx, rec)
}

func TestOrderRetryAfterPartnerFailureKeepsOneCustomerRecord(t *testing.T) {
	ctx := context.Background()
	st := &flakyCreates{MemoryStore: storage.NewMemory(), failOn: 2}
	eng := delivery.New(delivery.Config{}, delivery.Deps{Store: st, Deliverer: noDelivery{}})
	svc := New(Config{}, eng, st, logx.Nop())
	svc.now = func() time.Time { return t0 }

	ev := OrderEvent{OrderID: "o-7", CustomerID: "c1", DeliveryPartnerID: "d1", Status: OrderPickedUp}
	_, err := svc.OrderStatusChanged(ctx, ev)
	require.Error(t, err)

	recs, err := svc.OrderStatusChanged(ctx, ev)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	all := pending(t, st)
	require.Len(t, all, 2)
	byUser := map[string]int{}
	for _, r := range all {
		byUser[r.Recipients[0]]++
	}
	assert.Equal(t, map[string]int{"c1": 1, "d1": 1}, byUser)
}

func TestOrderWithoutIDIsNotDeduplicated(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := svc.OrderStatusChanged(ctx, OrderEvent{CustomerID: "c1", Status: OrderConfirmed})
		require.NoError(t, err)
	}
	assert.Len(t, pending(t, st), 2)
}

func TestBroadcastHasNoRecipients(t *testing.T) {
	svc, _ := newTestService(t)
	rec, err := svc.Broadcast(context.Background(), BroadcastRequest{Title: "Free delivery today"})
	require.NoError(t, err)
	assert.True(t, rec.Broadcast())
	assert.Equal(t, notification.KindBroadcast, rec.Kind)
}
