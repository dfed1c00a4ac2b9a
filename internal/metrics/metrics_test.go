package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/delivery"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/eventbus"
	"notifyhub/internal/notification"
	"notifyhub/internal/presence"
)

type staticCounts struct {
	counts map[notification.Status]int
	err    error
}

func (s staticCounts) Counts(context.Context) (map[notification.Status]int, error) {
	return s.counts, s.err
}

func TestObserveEvents(t *testing.T) {
	m := New(nil, nil)

	m.Observe(eventbus.Event{Type: eventbus.NotificationEnqueued, Data: &notification.Record{Spec: notification.Spec{Kind: notification.KindWelcome}}})
	m.Observe(eventbus.Event{Type: eventbus.NotificationSent, Data: delivery.Outcome{Kind: notification.KindWelcome, Status: notification.StatusSent, Took: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.ChannelDelivered, Data: dispatch.ChannelEvent{ChannelResult: dispatch.ChannelResult{Channel: dispatch.ChannelPush, OK: false}}})
	m.Observe(eventbus.Event{Type: eventbus.SubscriptionPruned, Data: "sub-1"})
	m.Observe(eventbus.Event{Type: eventbus.SweepCompleted, Data: delivery.SweepResult{Processed: 3, Sent: 2, Failed: 1}})
	m.Observe(eventbus.Event{Type: "unknown"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.enqueued.WithLabelValues("welcome")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completed.WithLabelValues("welcome", "SENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channel.WithLabelValues(string(dispatch.ChannelPush), "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pruned))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sweepRecords.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweeps.WithLabelValues("false")))
}

func TestRunConsumesBus(t *testing.T) {
	m := New(nil, nil)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded})
		return testutil.ToFloat64(m.configReloads) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestHandlerExportsPresenceAndStatus(t *testing.T) {
	reg := presence.NewRegistry()
	reg.Register("u1", "s1", true, nil)
	reg.Register("u2", "s2", false, nil)
	m := New(reg, staticCounts{counts: map[notification.Status]int{notification.StatusPending: 4}})
	m.ObserveHTTP("GET", "/api/v1/presence/stats", 200, 5*time.Millisecond, false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, "notifyhub_presence_sessions 2")
	assert.Contains(t, out, "notifyhub_presence_pwa_sessions 1")
	assert.Contains(t, out, `notifyhub_notifications{status="PENDING"} 4`)
	assert.Contains(t, out, `notifyhub_http_requests_total{code="200",method="GET",route="/api/v1/presence/stats"} 1`)
	assert.True(t, strings.Contains(out, "go_goroutines"))
}

func TestStatusCollectorReportsStoreErrors(t *testing.T) {
	m := New(nil, staticCounts{err: errors.New("db down")})
	_, err := m.Registry().Gather()
	assert.Error(t, err)
}
