// Package dispatch delivers one notification to one user over every channel
// the user is reachable on.
package dispatch

import (
	"context"
	"errors"
	"time"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/gateway"
	"notifyhub/internal/notification"
	"notifyhub/internal/presence"
	"notifyhub/internal/storage"
	logx "notifyhub/pkg/logx"
)

type Channel string

const (
	ChannelLivestream Channel = "LIVESTREAM"
	ChannelPush       Channel = "PUSH"
	ChannelWebPush    Channel = "WEBPUSH"
)

// ChannelResult is the outcome of one delivery attempt to one target.
type ChannelResult struct {
	Channel Channel `json:"channel"`
	Target  string  `json:"target"`
	OK      bool    `json:"ok"`
	Error   string  `json:"error,omitempty"`
}

type Result struct {
	UserID   string          `json:"user_id"`
	Channels []ChannelResult `json:"channels"`
}

// OK reports whether any channel succeeded.
func (r Result) OK() bool {
	for _, c := range r.Channels {
		if c.OK {
			return true
		}
	}
	return false
}

// FirstError returns the first failure message, or "".
func (r Result) FirstError() string {
	for _, c := range r.Channels {
		if !c.OK && c.Error != "" {
			return c.Error
		}
	}
	if len(r.Channels) == 0 {
		return "no delivery targets"
	}
	return ""
}

// ChannelEvent is published on the bus for every attempt.
type ChannelEvent struct {
	NotificationID string
	UserID         string
	ChannelResult
}

// Sessions is the slice of the presence registry the dispatcher reads.
type Sessions interface {
	DetailsForUser(userID string) []presence.Session
}

// Targets is the slice of storage the dispatcher reads and the one write it
// performs (soft deactivation of expired web push subscriptions).
type Targets interface {
	PushToken(ctx context.Context, userID string) (string, bool, error)
	ActiveWebPushSubscriptions(ctx context.Context, userID string) ([]storage.WebPushSubscription, error)
	DeactivateWebPushSubscription(ctx context.Context, id string) error
}

type Dispatcher struct {
	sessions Sessions
	targets  Targets
	mobile   gateway.MobilePusher
	web      gateway.WebPusher
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

type Deps struct {
	Sessions Sessions
	Targets  Targets
	// Mobile and Web may be nil when the gateway is not configured.
	Mobile gateway.MobilePusher
	Web    gateway.WebPusher
	Bus    eventbus.Bus
	Log    logx.Logger
}

func New(d Deps) *Dispatcher {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	return &Dispatcher{
		sessions: d.Sessions,
		targets:  d.Targets,
		mobile:   d.Mobile,
		web:      d.Web,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "dispatch")),
		now:      time.Now,
	}
}

// Deliver pushes rec to every target of userID. Failures are contained per
// target; the result is successful when any target accepted the message.
func (d *Dispatcher) Deliver(ctx context.Context, rec *notification.Record, userID string) Result {
	res := Result{UserID: userID}
	msg := rec.Message(d.now())

	d.deliverLive(rec, userID, msg, &res)
	d.deliverPush(ctx, rec, userID, msg, &res)
	d.deliverWebPush(ctx, rec, userID, msg, &res)

	for _, cr := range res.Channels {
		d.bus.Publish(eventbus.Event{Type: eventbus.ChannelDelivered, Data: ChannelEvent{NotificationID: rec.ID, UserID: userID, ChannelResult: cr}})
	}
	return res
}

func (d *Dispatcher) record(res *Result, ch Channel, target string, err error) {
	cr := ChannelResult{Channel: ch, Target: target, OK: err == nil}
	if err != nil {
		cr.Error = err.Error()
	}
	res.Channels = append(res.Channels, cr)
}

func (d *Dispatcher) deliverLive(rec *notification.Record, userID string, msg notification.Message, res *Result) {
	if d.sessions == nil {
		return
	}
	sessions := d.sessions.DetailsForUser(userID)
	if len(sessions) == 0 {
		return
	}
	frame, err := notification.EncodeFrame(notification.Frame{Type: notification.FrameNotification, Data: msg})
	if err != nil {
		d.record(res, ChannelLivestream, "", err)
		return
	}
	for _, s := range sessions {
		sink := s.Sink()
		if sink == nil {
			d.record(res, ChannelLivestream, s.SessionID, errors.New("session has no stream"))
			continue
		}
		err := sink.Send(frame)
		if err != nil {
			d.log.Debug("live push failed", logx.String("notification", rec.ID), logx.String("session", s.SessionID), logx.Err(err))
		}
		d.record(res, ChannelLivestream, s.SessionID, err)
	}
}

func (d *Dispatcher) deliverPush(ctx context.Context, rec *notification.Record, userID string, msg notification.Message, res *Result) {
	if d.mobile == nil || d.targets == nil {
		return
	}
	token, ok, err := d.targets.PushToken(ctx, userID)
	if err != nil {
		d.record(res, ChannelPush, "", err)
		return
	}
	if !ok {
		return
	}
	err = d.mobile.Send(ctx, token, msg)
	if err != nil {
		d.log.Debug("mobile push failed", logx.String("notification", rec.ID), logx.String("user", userID), logx.Err(err))
	}
	d.record(res, ChannelPush, maskToken(token), err)
}

func (d *Dispatcher) deliverWebPush(ctx context.Context, rec *notification.Record, userID string, msg notification.Message, res *Result) {
	if d.web == nil || d.targets == nil {
		return
	}
	subs, err := d.targets.ActiveWebPushSubscriptions(ctx, userID)
	if err != nil {
		d.record(res, ChannelWebPush, "", err)
		return
	}
	for _, s := range subs {
		err := d.web.Send(ctx, gateway.Subscription{ID: s.ID, Endpoint: s.Endpoint, P256dh: s.P256dh, Auth: s.Auth}, msg)
		if errors.Is(err, gateway.ErrSubscriptionGone) {
			if derr := d.targets.DeactivateWebPushSubscription(ctx, s.ID); derr != nil {
				d.log.Warn("deactivate web push subscription failed", logx.String("subscription", s.ID), logx.Err(derr))
			} else {
				d.log.Info("web push subscription expired", logx.String("subscription", s.ID), logx.String("user", userID))
				d.bus.Publish(eventbus.Event{Type: eventbus.SubscriptionPruned, Data: s.ID})
			}
		} else if err != nil {
			d.log.Debug("web push failed", logx.String("notification", rec.ID), logx.String("subscription", s.ID), logx.Err(err))
		}
		d.record(res, ChannelWebPush, s.ID, err)
	}
}

func maskToken(tok string) string {
	if len(tok) <= 8 {
		return "****"
	}
	return tok[:4] + "..." + tok[len(tok)-4:]
}
