// Package trigger decides whether and when request-time events (session
// start, order status transitions, admin broadcasts) become notifications.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyhub/internal/notification"
	logx "notifyhub/pkg/logx"
)

var (
	ErrUnknownOrderStatus = errors.New("unknown order status")
	ErrMissingUser        = errors.New("user id is required")
)

// Enqueuer is the delivery engine entry point.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec notification.Spec) (*notification.Record, error)
}

// WelcomeFlags is the durable welcome flag on the user profile.
type WelcomeFlags interface {
	ClaimWelcome(ctx context.Context, userID string) (bool, error)
	ResetWelcome(ctx context.Context, userID string) error
}

type Config struct {
	LoginDelay      time.Duration
	WelcomeDelay    time.Duration
	GuardTTL        time.Duration
	GuardMaxEntries int
	BrandName       string
}

func (c Config) withDefaults() Config {
	if c.LoginDelay <= 0 {
		c.LoginDelay = 10 * time.Second
	}
	if c.WelcomeDelay <= 0 {
		c.WelcomeDelay = 5 * time.Second
	}
	if strings.TrimSpace(c.BrandName) == "" {
		c.BrandName = "FoodHub"
	}
	return c
}

type Service struct {
	enq   Enqueuer
	flags WelcomeFlags
	guard *Guard
	log   logx.Logger

	mu  sync.RWMutex
	cfg Config

	now func() time.Time
}

func New(cfg Config, enq Enqueuer, flags WelcomeFlags, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		enq:   enq,
		flags: flags,
		guard: NewGuard(cfg.GuardTTL, cfg.GuardMaxEntries),
		log:   log.With(logx.String("comp", "trigger")),
		cfg:   cfg,
		now:   time.Now,
	}
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.guard.Apply(cfg.GuardTTL, cfg.GuardMaxEntries)
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SessionOutcome lists what a session start enqueued. Empty ids mean the
// trigger was deduplicated.
type SessionOutcome struct {
	LoginID   string `json:"login_id,omitempty"`
	WelcomeID string `json:"welcome_id,omitempty"`
}

// SessionStarted runs the login and welcome triggers for userID.
func (s *Service) SessionStarted(ctx context.Context, userID string) (SessionOutcome, error) {
	var out SessionOutcome
	login, err := s.Login(ctx, userID)
	if err != nil {
		return out, err
	}
	if login != nil {
		out.LoginID = login.ID
	}
	welcome, err := s.Welcome(ctx, userID)
	if err != nil {
		return out, err
	}
	if welcome != nil {
		out.WelcomeID = welcome.ID
	}
	return out, nil
}

// Login enqueues a delayed "welcome back" notification unless this process
// already scheduled one for the user or the same user started the previous
// session. It returns nil when deduplicated.
func (s *Service) Login(ctx context.Context, userID string) (*notification.Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUser
	}
	cfg := s.config()

	if prev := s.guard.SwapLastUser(userID); prev == userID {
		return nil, nil
	}
	key := "login:" + userID
	if !s.guard.Allow(key) {
		return nil, nil
	}

	rec, err := s.enq.Enqueue(ctx, notification.Spec{
		Kind:         notification.KindLogin,
		Title:        "Welcome back!",
		Body:         "Hungry? Your favourite restaurants are ready when you are.",
		Data:         map[string]string{"type": "login", "url": "/"},
		Recipients:   []string{userID},
		ScheduledFor: s.now().Add(cfg.LoginDelay),
	})
	if err != nil {
		s.guard.Forget(key)
		return nil, fmt.Errorf("login notification: %w", err)
	}
	s.log.Debug("login notification scheduled", logx.String("user", userID), logx.String("id", rec.ID))
	return rec, nil
}

// Welcome enqueues the one-time welcome notification. The durable flag is
// claimed first, so concurrent callers (tabs, instances) enqueue at most one
// record; if the enqueue fails the flag is released again.
func (s *Service) Welcome(ctx context.Context, userID string) (*notification.Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUser
	}
	cfg := s.config()
	key := "welcome:" + userID
	if s.guard.Seen(key) {
		return nil, nil
	}

	claimed, err := s.flags.ClaimWelcome(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("welcome flag: %w", err)
	}
	s.guard.Allow(key)
	if !claimed {
		return nil, nil
	}

	rec, err := s.enq.Enqueue(ctx, notification.Spec{
		Kind:         notification.KindWelcome,
		Title:        "Welcome to " + cfg.BrandName + "!",
		Body:         "Thanks for joining. Explore restaurants near you and place your first order.",
		Data:         map[string]string{"type": "welcome", "url": "/restaurants"},
		Recipients:   []string{userID},
		ScheduledFor: s.now().Add(cfg.WelcomeDelay),
	})
	if err != nil {
		s.guard.Forget(key)
		if rerr := s.flags.ResetWelcome(context.WithoutCancel(ctx), userID); rerr != nil {
			s.log.Error("welcome flag reset failed", logx.String("user", userID), logx.Err(rerr))
		}
		return nil, fmt.Errorf("welcome notification: %w", err)
	}
	s.log.Info("welcome notification scheduled", logx.String("user", userID), logx.String("id", rec.ID))
	return rec, nil
}

type BroadcastRequest struct {
	Title        string
	Body         string
	ImageURL     string
	Data         map[string]string
	Recipients   []string
	ScheduledFor time.Time
}

// Broadcast enqueues an admin announcement for every reachable user, or for
// Recipients when given.
func (s *Service) Broadcast(ctx context.Context, req BroadcastRequest) (*notification.Record, error) {
	at := req.ScheduledFor
	if at.IsZero() {
		at = s.now()
	}
	return s.enq.Enqueue(ctx, notification.Spec{
		Kind:         notification.KindBroadcast,
		Title:        req.Title,
		Body:         req.Body,
		ImageURL:     req.ImageURL,
		Data:         req.Data,
		Recipients:   req.Recipients,
		ScheduledFor: at,
	})
}
