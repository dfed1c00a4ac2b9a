package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/notification"
)

type mobileFunc func(ctx context.Context, token string, msg notification.Message) error

func (f mobileFunc) Send(ctx context.Context, token string, msg notification.Message) error {
	return f(ctx, token, msg)
}

type webFunc func(ctx context.Context, sub Subscription, msg notification.Message) error

func (f webFunc) Send(ctx context.Context, sub Subscription, msg notification.Message) error {
	return f(ctx, sub, msg)
}

func TestLimitedRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	m := NewLimitedMobile(mobileFunc(func(ctx context.Context, token string, msg notification.Message) error {
		if calls.Add(1) < 3 {
			return errors.New("503")
		}
		return nil
	}), Limits{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})

	require.NoError(t, m.Send(context.Background(), "tok", notification.Message{}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestLimitedDoesNotRetryGoneSubscription(t *testing.T) {
	var calls atomic.Int32
	w := NewLimitedWeb(webFunc(func(ctx context.Context, sub Subscription, msg notification.Message) error {
		calls.Add(1)
		return ErrSubscriptionGone
	}), Limits{RetryMax: 3, RetryBase: time.Millisecond})

	err := w.Send(context.Background(), Subscription{ID: "s"}, notification.Message{})
	assert.ErrorIs(t, err, ErrSubscriptionGone)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLimitedBoundsEachAttempt(t *testing.T) {
	m := NewLimitedMobile(mobileFunc(func(ctx context.Context, token string, msg notification.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}), Limits{Timeout: 20 * time.Millisecond})

	start := time.Now()
	err := m.Send(context.Background(), "tok", notification.Message{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
