// Package webpush delivers browser push notifications with VAPID.
package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	wp "github.com/SherClockHolmes/webpush-go"

	"notifyhub/internal/gateway"
	"notifyhub/internal/notification"
)

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact for the push service (email or URL).
	Subscriber string
	// TTL is how long the push service keeps an undelivered message.
	TTL     time.Duration
	Urgency string
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config, hc *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.VAPIDPublicKey) == "" || strings.TrimSpace(cfg.VAPIDPrivateKey) == "" {
		return nil, errors.New("webpush: vapid keys are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, http: hc}, nil
}

// payload is what the service worker receives.
type payload struct {
	Title   string                `json:"title"`
	Body    string                `json:"body"`
	Icon    string                `json:"icon,omitempty"`
	Image   string                `json:"image,omitempty"`
	Tag     string                `json:"tag"`
	Data    map[string]string     `json:"data,omitempty"`
	Actions []notification.Action `json:"actions,omitempty"`
	TS      int64                 `json:"timestamp"`
}

func (c *Client) Send(ctx context.Context, sub gateway.Subscription, msg notification.Message) error {
	body, err := json.Marshal(payload{
		Title:   msg.Title,
		Body:    msg.Body,
		Image:   msg.ImageURL,
		Tag:     msg.ID,
		Data:    msg.Data,
		Actions: msg.Actions,
		TS:      msg.Timestamp,
	})
	if err != nil {
		return err
	}

	resp, err := wp.SendNotificationWithContext(ctx, body, &wp.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     wp.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &wp.Options{
		HTTPClient:      c.http,
		Subscriber:      c.cfg.Subscriber,
		VAPIDPublicKey:  c.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: c.cfg.VAPIDPrivateKey,
		TTL:             int(c.cfg.TTL / time.Second),
		Urgency:         urgency(c.cfg.Urgency),
	})
	if err != nil {
		return fmt.Errorf("webpush send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", gateway.ErrSubscriptionGone, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webpush: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

func urgency(s string) wp.Urgency {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "very-low":
		return wp.UrgencyVeryLow
	case "low":
		return wp.UrgencyLow
	case "normal":
		return wp.UrgencyNormal
	default:
		return wp.UrgencyHigh
	}
}
