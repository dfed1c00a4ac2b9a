// Package orderevents consumes order status transitions from Kafka and
// hands them to the trigger layer.
package orderevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"notifyhub/internal/notification"
	"notifyhub/internal/trigger"
	logx "notifyhub/pkg/logx"
)

const DefaultTopic = "order-status"

type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	// RetryBase and RetryMax bound the backoff between attempts when the
	// handler fails on a well-formed event.
	RetryBase time.Duration
	RetryMax  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Topic) == "" {
		c.Topic = DefaultTopic
	}
	if strings.TrimSpace(c.GroupID) == "" {
		c.GroupID = "notifyhub"
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 1 << 20
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	return c
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler receives decoded transitions.
type Handler interface {
	OrderStatusChanged(ctx context.Context, ev trigger.OrderEvent) ([]*notification.Record, error)
}

type Consumer struct {
	cfg     Config
	reader  Reader
	handler Handler
	log     logx.Logger
}

// New creates a consumer group reader for cfg.Topic.
func New(cfg Config, h Handler, log logx.Logger) (*Consumer, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("orderevents: brokers required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			log.Warn("kafka reader", logx.String("detail", fmt.Sprintf(msg, args...)))
		}),
	})
	return NewWithReader(cfg, r, h, log), nil
}

func NewWithReader(cfg Config, r Reader, h Handler, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{
		cfg:     cfg.withDefaults(),
		reader:  r,
		handler: h,
		log:     log.With(logx.String("comp", "orderevents"), logx.String("topic", cfg.withDefaults().Topic)),
	}
}

// Close releases the reader. Run must have returned.
func (c *Consumer) Close() error { return c.reader.Close() }

// Run consumes until ctx ends. A message is committed once it was handled or
// found malformed; handler failures are retried with backoff so the event
// is not lost.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// handle returns an error only when ctx ended during retries.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	ev, err := Decode(msg.Value)
	if err != nil {
		c.log.Warn("dropping malformed order event",
			logx.Int("partition", msg.Partition),
			logx.Int64("offset", msg.Offset),
			logx.Err(err),
		)
		return nil
	}

	delay := c.cfg.RetryBase
	for attempt := 1; ; attempt++ {
		recs, err := c.handler.OrderStatusChanged(ctx, ev)
		if err == nil {
			c.log.Debug("order event handled",
				logx.String("order", ev.OrderID),
				logx.String("status", string(ev.Status)),
				logx.Int("notifications", len(recs)),
			)
			return nil
		}
		if errors.Is(err, trigger.ErrUnknownOrderStatus) || errors.Is(err, trigger.ErrMissingUser) {
			c.log.Warn("dropping invalid order event", logx.String("order", ev.OrderID), logx.Err(err))
			return nil
		}
		c.log.Warn("order event failed; retrying",
			logx.String("order", ev.OrderID),
			logx.Int("attempt", attempt),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, c.cfg.RetryMax)
	}
}

// Decode parses one message value.
func Decode(b []byte) (trigger.OrderEvent, error) {
	var ev trigger.OrderEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if strings.TrimSpace(ev.OrderID) == "" {
		return ev, errors.New("order_id is required")
	}
	return ev, nil
}
