// Package delivery is the durable notification queue: Enqueue persists a
// record, RunSweep claims due records and dispatches them.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"notifyhub/internal/dispatch"
	"notifyhub/internal/eventbus"
	"notifyhub/internal/lock"
	"notifyhub/internal/notification"
	"notifyhub/internal/storage"
	logx "notifyhub/pkg/logx"
)

var ErrInvalidSpec = errors.New("invalid notification")

type Config struct {
	// BatchSize caps records loaded per ListDue call.
	BatchSize int
	// ClaimTTL is how long a PROCESSING claim is honored without renewal
	// before another sweep may take the record over. Held claims are
	// renewed every ClaimTTL/3 while their record is being delivered.
	ClaimTTL time.Duration
	// RecipientWorkers bounds concurrent per-recipient dispatches.
	RecipientWorkers int
	// RecipientTimeout caps one recipient's dispatch across all channels.
	RecipientTimeout time.Duration
	// SweepTimeout bounds one RunSweep, including manual ones.
	SweepTimeout time.Duration
	LockKey      string
	// LockTTL must outlast SweepTimeout so the lock cannot lapse while
	// its holder is still sweeping. Default SweepTimeout + 30s.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	if c.RecipientWorkers <= 0 {
		c.RecipientWorkers = 8
	}
	if c.RecipientTimeout <= 0 {
		c.RecipientTimeout = 30 * time.Second
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = 5 * time.Minute
	}
	if c.LockKey == "" {
		c.LockKey = "sweep"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.SweepTimeout + 30*time.Second
	}
	return c
}

// Deliverer delivers one record to one user.
type Deliverer interface {
	Deliver(ctx context.Context, rec *notification.Record, userID string) dispatch.Result
}

// Audience lists users with a live session.
type Audience interface {
	Users() []string
}

type SweepResult struct {
	Processed int `json:"processedCount"`
	Sent      int `json:"sentCount"`
	Failed    int `json:"failedCount"`
	// Skipped counts records another sweep claimed first or took over
	// while this sweep was delivering them.
	Skipped int `json:"skippedCount"`
	// Errors counts records left untouched because of a store failure.
	Errors int `json:"errorCount"`
	// Locked is true when another instance held the sweep lock.
	Locked bool `json:"locked,omitempty"`
}

// Outcome is published on the bus after a record reaches a terminal status.
type Outcome struct {
	ID         string
	Kind       notification.Kind
	Status     notification.Status
	Recipients int
	Delivered  int
	Took       time.Duration
}

type Deps struct {
	Store     storage.Store
	Deliverer Deliverer
	Audience  Audience
	// Locker is optional; nil disables cross-instance serialization.
	Locker lock.Locker
	Bus    eventbus.Bus
	Log    logx.Logger
}

type Engine struct {
	store    storage.Store
	disp     Deliverer
	audience Audience
	locker   lock.Locker
	bus      eventbus.Bus
	log      logx.Logger

	mu  sync.RWMutex
	cfg Config

	now func() time.Time
}

func New(cfg Config, d Deps) *Engine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	return &Engine{
		store:    d.Store,
		disp:     d.Deliverer,
		audience: d.Audience,
		locker:   d.Locker,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "delivery")),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Enqueue validates spec and stores it as a PENDING record. It never
// delivers; a zero or past ScheduledFor makes the record due on the next
// sweep. When spec.DedupKey names an existing record, that record is
// returned instead of a new one.
func (e *Engine) Enqueue(ctx context.Context, spec notification.Spec) (*notification.Record, error) {
	spec.Title = strings.TrimSpace(spec.Title)
	if spec.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidSpec)
	}
	spec.Recipients = normalizeRecipients(spec.Recipients)
	if spec.Kind == "" {
		spec.Kind = notification.KindManual
	}
	now := e.now().UTC()
	if spec.ScheduledFor.IsZero() {
		spec.ScheduledFor = now
	}
	spec.ScheduledFor = spec.ScheduledFor.UTC()

	rec := &notification.Record{
		ID:        recordID(spec.DedupKey),
		Spec:      spec,
		Status:    notification.StatusPending,
		CreatedAt: now,
	}
	if err := e.store.CreateNotification(ctx, rec); err != nil {
		if spec.DedupKey != "" && errors.Is(err, storage.ErrDuplicate) {
			existing, gerr := e.store.GetNotification(ctx, rec.ID)
			if gerr != nil {
				return nil, fmt.Errorf("enqueue: %w", gerr)
			}
			e.log.Debug("notification already enqueued", logx.String("id", rec.ID), logx.String("key", spec.DedupKey))
			return existing, nil
		}
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.NotificationEnqueued, Data: rec.Clone()})
	e.log.Debug("notification enqueued",
		logx.String("id", rec.ID),
		logx.String("kind", string(rec.Kind)),
		logx.Int("recipients", len(rec.Recipients)),
		logx.Time("scheduled_for", rec.ScheduledFor),
	)
	return rec, nil
}

var dedupSpace = uuid.MustParse("6f1c0f52-8d0b-4a38-9a55-2f4f1b7d3e10")

func recordID(dedupKey string) string {
	if dedupKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(dedupSpace, []byte(dedupKey)).String()
}

func normalizeRecipients(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e *Engine) Get(ctx context.Context, id string) (*notification.Record, error) {
	return e.store.GetNotification(ctx, id)
}

func (e *Engine) List(ctx context.Context, f storage.ListFilter) ([]*notification.Record, error) {
	return e.store.ListNotifications(ctx, f)
}

func (e *Engine) Counts(ctx context.Context) (map[notification.Status]int, error) {
	return e.store.CountByStatus(ctx)
}

// RunSweep processes every record due at now. Each record is claimed
// atomically, dispatched to its recipients and given a terminal status
// before the next record is loaded. Failures are contained per record.
//
// now only decides which schedules are due; claim leases always run on the
// engine clock, so a sweep for a future now cannot take over a record that
// another sweep is still delivering.
func (e *Engine) RunSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	cfg := e.config()
	var res SweepResult

	ctx, cancel := context.WithTimeout(ctx, cfg.SweepTimeout)
	defer cancel()

	if e.locker != nil {
		release, ok, err := e.locker.TryLock(ctx, cfg.LockKey, cfg.LockTTL)
		if err != nil {
			return res, fmt.Errorf("sweep lock: %w", err)
		}
		if !ok {
			res.Locked = true
			e.log.Debug("sweep skipped, lock held elsewhere")
			return res, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				e.log.Warn("sweep lock release failed", logx.Err(err))
			}
		}()
	}

	started := e.now()
	// The cursor moves past every record this sweep has seen, so records
	// that keep failing cannot hold back the rest of the queue.
	var after *storage.DueCursor
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		due, err := e.store.ListDue(ctx, storage.DueQuery{
			Due:         now,
			StaleBefore: e.now().Add(-cfg.ClaimTTL),
			After:       after,
			Limit:       cfg.BatchSize,
		})
		if err != nil {
			return res, fmt.Errorf("list due: %w", err)
		}
		for _, rec := range due {
			e.processRecord(ctx, cfg, rec, now, &res)
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		if len(due) < cfg.BatchSize {
			break
		}
		last := due[len(due)-1]
		after = &storage.DueCursor{ScheduledFor: last.ScheduledFor, ID: last.ID}
	}

	if res.Processed > 0 || res.Errors > 0 || res.Skipped > 0 {
		e.log.Info("sweep finished",
			logx.Int("processed", res.Processed),
			logx.Int("sent", res.Sent),
			logx.Int("failed", res.Failed),
			logx.Int("skipped", res.Skipped),
			logx.Int("errors", res.Errors),
			logx.Duration("took", e.now().Sub(started)),
		)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.SweepCompleted, Data: res})
	return res, nil
}

func (e *Engine) processRecord(ctx context.Context, cfg Config, rec *notification.Record, now time.Time, res *SweepResult) {
	log := e.log.With(logx.String("id", rec.ID), logx.String("kind", string(rec.Kind)))

	lease := storage.Lease{ID: rec.ID, Token: uuid.NewString(), At: e.now().UTC()}
	claimed, err := e.store.Claim(ctx, lease, storage.DueQuery{Due: now, StaleBefore: lease.At.Add(-cfg.ClaimTTL)})
	if err != nil {
		res.Errors++
		log.Warn("claim failed", logx.Err(err))
		return
	}
	if !claimed {
		res.Skipped++
		return
	}

	recipients := rec.Recipients
	if rec.Broadcast() {
		recipients, err = e.broadcastAudience(ctx)
		if err != nil {
			res.Errors++
			log.Warn("resolve broadcast audience failed", logx.Err(err))
			e.release(ctx, lease, log)
			return
		}
	}

	started := e.now()
	dctx, stop := e.holdLease(ctx, cfg, lease, log)
	results := e.deliverAll(dctx, cfg, rec, recipients)
	stop()

	delivered := 0
	firstErr := ""
	for _, r := range results {
		if r.OK() {
			delivered++
		} else if firstErr == "" {
			firstErr = r.UserID + ": " + r.FirstError()
		}
	}
	if len(recipients) == 0 {
		firstErr = "no recipients"
	}

	// Cut off before anyone was reached: leave it for the next sweep
	// rather than failing it for our own timeout.
	if delivered == 0 && ctx.Err() != nil {
		res.Errors++
		e.release(ctx, lease, log)
		return
	}

	status := notification.StatusFailed
	if delivered > 0 {
		status = notification.StatusSent
		firstErr = ""
	}
	wctx := context.WithoutCancel(ctx)
	if err := e.store.Complete(wctx, lease, status, e.now().UTC(), firstErr); err != nil {
		if errors.Is(err, storage.ErrClaimLost) {
			res.Skipped++
			log.Warn("claim taken over during delivery", logx.String("status", string(status)))
			return
		}
		res.Errors++
		log.Error("status write failed", logx.String("status", string(status)), logx.Err(err))
		e.release(ctx, lease, log)
		return
	}

	res.Processed++
	outcome := Outcome{ID: rec.ID, Kind: rec.Kind, Status: status, Recipients: len(recipients), Delivered: delivered, Took: e.now().Sub(started)}
	if status == notification.StatusSent {
		res.Sent++
		e.bus.Publish(eventbus.Event{Type: eventbus.NotificationSent, Data: outcome})
	} else {
		res.Failed++
		e.bus.Publish(eventbus.Event{Type: eventbus.NotificationFailed, Data: outcome})
		log.Info("notification failed", logx.Int("recipients", len(recipients)), logx.String("reason", firstErr))
	}
}

// holdLease renews lease every ClaimTTL/3 until stop is called. The returned
// context ends early if another sweep has taken the record over, which
// stops dispatching to the remaining recipients.
func (e *Engine) holdLease(ctx context.Context, cfg Config, lease storage.Lease, log logx.Logger) (context.Context, func()) {
	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(max(cfg.ClaimTTL/3, time.Second))
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-lctx.Done():
				return
			case <-t.C:
			}
			lease.At = e.now().UTC()
			err := e.store.RenewClaim(lctx, lease)
			switch {
			case err == nil:
			case errors.Is(err, storage.ErrClaimLost):
				log.Warn("claim lost while delivering")
				cancel()
				return
			default:
				log.Warn("claim renewal failed", logx.Err(err))
			}
		}
	}()
	return lctx, func() {
		close(done)
		wg.Wait()
		cancel()
	}
}

func (e *Engine) release(ctx context.Context, lease storage.Lease, log logx.Logger) {
	err := e.store.Release(context.WithoutCancel(ctx), lease)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrClaimLost):
		log.Debug("release skipped, claim no longer held")
	default:
		log.Warn("release failed, record will be reclaimed after claim ttl", logx.Err(err))
	}
}

// broadcastAudience is every user with a live session or a stored push
// target.
func (e *Engine) broadcastAudience(ctx context.Context) ([]string, error) {
	users, err := e.store.ReachableUsers(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	if e.audience != nil {
		for _, u := range e.audience.Users() {
			set[u] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) deliverAll(ctx context.Context, cfg Config, rec *notification.Record, recipients []string) []dispatch.Result {
	results := make([]dispatch.Result, len(recipients))
	var g errgroup.Group
	g.SetLimit(cfg.RecipientWorkers)
	for i, userID := range recipients {
		g.Go(func() error {
			results[i] = e.deliverOne(ctx, cfg, rec, userID)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// deliverOne never panics; a panicking dispatcher counts as a failed
// recipient.
func (e *Engine) deliverOne(ctx context.Context, cfg Config, rec *notification.Record, userID string) (res dispatch.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("dispatch panicked",
				logx.String("id", rec.ID),
				logx.String("user", userID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			res = dispatch.Result{UserID: userID, Channels: []dispatch.ChannelResult{{Error: fmt.Sprintf("panic: %v", r)}}}
		}
	}()
	dctx, cancel := context.WithTimeout(ctx, cfg.RecipientTimeout)
	defer cancel()
	return e.disp.Deliver(dctx, rec, userID)
}
