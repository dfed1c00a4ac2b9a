// Package fcm delivers mobile push notifications through Firebase Cloud
// Messaging.
package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"notifyhub/internal/gateway"
	"notifyhub/internal/notification"
)

type Config struct {
	CredentialsFile string
	ProjectID       string
}

// sender is the subset of *messaging.Client used here.
type sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type Client struct {
	client sender
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	opts := []option.ClientOption{}
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	mc, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &Client{client: mc}, nil
}

func (c *Client) Send(ctx context.Context, token string, msg notification.Message) error {
	if c == nil || c.client == nil {
		return gateway.ErrDisabled
	}
	m, err := buildMessage(token, msg)
	if err != nil {
		return err
	}
	if _, err := c.client.Send(ctx, m); err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("%w: %v", gateway.ErrTokenGone, err)
		}
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}

func buildMessage(token string, msg notification.Message) (*messaging.Message, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("fcm: empty token")
	}
	data := make(map[string]string, len(msg.Data)+2)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["notificationId"] = msg.ID
	if len(msg.Actions) > 0 {
		b, err := json.Marshal(msg.Actions)
		if err != nil {
			return nil, err
		}
		data["actions"] = string(b)
	}

	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title:    msg.Title,
			Body:     msg.Body,
			ImageURL: msg.ImageURL,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound: "default",
				Tag:   msg.ID,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
	}, nil
}
