package fcm

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/gateway"
	"notifyhub/internal/notification"
)

type fakeSender struct {
	got *messaging.Message
	err error
}

func (f *fakeSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.got = m
	return "projects/p/messages/1", f.err
}

func TestSendBuildsMessage(t *testing.T) {
	fs := &fakeSender{}
	c := &Client{client: fs}

	err := c.Send(context.Background(), "tok-1", notification.Message{
		ID:      "n1",
		Title:   "Order Confirmed",
		Body:    "Being prepared",
		Data:    map[string]string{"orderId": "o-9"},
		Actions: []notification.Action{{ID: "track", Title: "Track"}},
	})
	require.NoError(t, err)
	require.NotNil(t, fs.got)
	assert.Equal(t, "tok-1", fs.got.Token)
	assert.Equal(t, "Order Confirmed", fs.got.Notification.Title)
	assert.Equal(t, "o-9", fs.got.Data["orderId"])
	assert.Equal(t, "n1", fs.got.Data["notificationId"])
	assert.JSONEq(t, `[{"id":"track","title":"Track"}]`, fs.got.Data["actions"])
	assert.Equal(t, "high", fs.got.Android.Priority)
}

func TestSendWrapsErrors(t *testing.T) {
	c := &Client{client: &fakeSender{err: errors.New("unavailable")}}
	err := c.Send(context.Background(), "tok", notification.Message{ID: "n1", Title: "t"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, gateway.ErrTokenGone))

	_, err = buildMessage("  ", notification.Message{})
	assert.Error(t, err)

	var nilClient *Client
	assert.ErrorIs(t, nilClient.Send(context.Background(), "tok", notification.Message{}), gateway.ErrDisabled)
}
