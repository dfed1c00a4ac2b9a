// Package gateway defines the push gateway contracts used by the dispatcher
// and a wrapper that bounds, rate limits and retries gateway calls.
package gateway

import (
	"context"
	"errors"

	"notifyhub/internal/notification"
)

var (
	// ErrSubscriptionGone means the push service reported the web push
	// subscription as expired (HTTP 404/410).
	ErrSubscriptionGone = errors.New("web push subscription gone")
	// ErrTokenGone means the mobile push token is no longer registered.
	ErrTokenGone = errors.New("push token not registered")
	ErrDisabled  = errors.New("gateway disabled")
)

// Subscription is the web push target handed to a WebPusher.
type Subscription struct {
	ID       string
	Endpoint string
	P256dh   string
	Auth     string
}

// MobilePusher delivers one message to one device token.
type MobilePusher interface {
	Send(ctx context.Context, token string, msg notification.Message) error
}

// WebPusher delivers one message to one browser subscription. Expired
// subscriptions return an error wrapping ErrSubscriptionGone.
type WebPusher interface {
	Send(ctx context.Context, sub Subscription, msg notification.Message) error
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrSubscriptionGone) ||
		errors.Is(err, ErrTokenGone) ||
		errors.Is(err, ErrDisabled) ||
		errors.Is(err, context.Canceled)
}
