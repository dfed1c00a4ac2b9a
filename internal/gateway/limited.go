package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyhub/internal/notification"
)

// Limits bounds every gateway call.
type Limits struct {
	// Timeout caps one attempt. Defaults to 5s.
	Timeout time.Duration
	// RatePerSec is a shared token bucket across all calls. <=0 disables it.
	RatePerSec int
	// RetryMax is the number of extra attempts for transient errors.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = 5 * time.Second
	}
	if l.RetryMax < 0 {
		l.RetryMax = 0
	}
	if l.RetryBase <= 0 {
		l.RetryBase = 200 * time.Millisecond
	}
	if l.RetryMaxDelay <= 0 {
		l.RetryMaxDelay = 2 * time.Second
	}
	return l
}

type limiter struct {
	mu     sync.RWMutex
	limits Limits
	bucket *rate.Limiter
}

func newLimiter(l Limits) *limiter {
	lm := &limiter{}
	lm.apply(l)
	return lm
}

func (lm *limiter) apply(l Limits) {
	l = l.withDefaults()
	var bucket *rate.Limiter
	if l.RatePerSec > 0 {
		bucket = rate.NewLimiter(rate.Limit(l.RatePerSec), l.RatePerSec)
	}
	lm.mu.Lock()
	lm.limits, lm.bucket = l, bucket
	lm.mu.Unlock()
}

func (lm *limiter) do(ctx context.Context, call func(ctx context.Context) error) error {
	lm.mu.RLock()
	l, bucket := lm.limits, lm.bucket
	lm.mu.RUnlock()

	var lastErr error
	for attempt := 0; attempt <= l.RetryMax; attempt++ {
		if bucket != nil {
			if err := bucket.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, l.Timeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if permanent(err) || attempt == l.RetryMax {
			break
		}

		delay := retryDelay(l, attempt+1)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		}
	}
	return lastErr
}

// retryDelay is exponential with up to 20% jitter.
func retryDelay(l Limits, attempt int) time.Duration {
	d := l.RetryBase << (attempt - 1)
	if d <= 0 || d > l.RetryMaxDelay {
		d = l.RetryMaxDelay
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

// LimitedMobile wraps a MobilePusher with Limits.
type LimitedMobile struct {
	next MobilePusher
	lim  *limiter
}

func NewLimitedMobile(next MobilePusher, l Limits) *LimitedMobile {
	return &LimitedMobile{next: next, lim: newLimiter(l)}
}

func (m *LimitedMobile) Apply(l Limits) { m.lim.apply(l) }

func (m *LimitedMobile) Send(ctx context.Context, token string, msg notification.Message) error {
	return m.lim.do(ctx, func(ctx context.Context) error { return m.next.Send(ctx, token, msg) })
}

// LimitedWeb wraps a WebPusher with Limits.
type LimitedWeb struct {
	next WebPusher
	lim  *limiter
}

func NewLimitedWeb(next WebPusher, l Limits) *LimitedWeb {
	return &LimitedWeb{next: next, lim: newLimiter(l)}
}

func (w *LimitedWeb) Apply(l Limits) { w.lim.apply(l) }

func (w *LimitedWeb) Send(ctx context.Context, sub Subscription, msg notification.Message) error {
	return w.lim.do(ctx, func(ctx context.Context) error { return w.next.Send(ctx, sub, msg) })
}
