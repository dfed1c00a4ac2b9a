package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"notifyhub/internal/config"
	"notifyhub/internal/delivery"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/eventbus"
	"notifyhub/internal/gateway"
	"notifyhub/internal/gateway/fcm"
	"notifyhub/internal/gateway/webpush"
	"notifyhub/internal/httpapi"
	"notifyhub/internal/livestream"
	"notifyhub/internal/lock"
	"notifyhub/internal/metrics"
	"notifyhub/internal/observability/pprof"
	"notifyhub/internal/orderevents"
	"notifyhub/internal/presence"
	"notifyhub/internal/runtime/supervisor"
	"notifyhub/internal/storage"
	"notifyhub/internal/task/scheduler"
	"notifyhub/internal/trigger"
	logx "notifyhub/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	presence *presence.Registry
	hub      *livestream.Hub

	mobile *gateway.LimitedMobile
	web    *gateway.LimitedWeb

	redis    *lock.Redis
	engine   *delivery.Engine
	triggers *trigger.Service
	sched    *scheduler.Service
	orders   *orderevents.Consumer
	metrics  *metrics.Metrics
	pprof    *pprof.Service
	http     *httpapi.Server
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	if err := a.build(ctx, cfg, log); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires components from a validated config.
func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	window, _ := mapActiveWindow(cfg)
	a.presence = presence.NewRegistry(presence.WithActiveWindow(window), presence.WithBus(a.bus))

	liveCfg, _ := mapLiveConfig(cfg)
	a.hub = livestream.NewHub(liveCfg, a.presence, log)

	limits, _ := mapGatewayLimits(cfg)
	dd := dispatch.Deps{
		Sessions: a.presence,
		Targets:  store,
		Bus:      a.bus,
		Log:      log,
	}
	if fc := cfg.Gateways.FCM; fc != nil {
		client, err := fcm.New(ctx, fcm.Config{CredentialsFile: fc.CredentialsFile, ProjectID: fc.ProjectID})
		if err != nil {
			return fmt.Errorf("fcm gateway: %w", err)
		}
		a.mobile = gateway.NewLimitedMobile(client, limits)
		dd.Mobile = a.mobile
		a.log.Info("fcm gateway enabled")
	}
	if wc, ok, _ := mapWebPushConfig(cfg); ok {
		client, err := webpush.New(wc, &http.Client{})
		if err != nil {
			return fmt.Errorf("webpush gateway: %w", err)
		}
		a.web = gateway.NewLimitedWeb(client, limits)
		dd.Web = a.web
		a.log.Info("webpush gateway enabled")
	}
	disp := dispatch.New(dd)

	deps := delivery.Deps{
		Store:     store,
		Deliverer: disp,
		Audience:  a.presence,
		Bus:       a.bus,
		Log:       log,
	}
	if rc, ok, _ := mapLockConfig(cfg); ok {
		a.redis = lock.NewRedis(rc)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.redis.Ping(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("lock redis %s: %w", rc.Addr, err)
		}
		deps.Locker = a.redis
		a.log.Info("distributed sweep lock enabled", logx.String("addr", rc.Addr))
	}
	dc, _ := mapDeliveryConfig(cfg)
	a.engine = delivery.New(dc, deps)

	tc, _ := mapTriggerConfig(cfg)
	a.triggers = trigger.New(tc, a.engine, store, log)

	sw, _ := mapSweepConfig(cfg)
	a.sched = scheduler.New(sw.sched, log.With(logx.String("comp", "scheduler")))
	if err := a.sched.AddSchedule(sweepScheduleName, sw.spec, sw.timeout, a.sweep); err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}

	if oc, ok, _ := mapOrderEventsConfig(cfg); ok {
		a.orders, err = orderevents.New(oc, a.triggers, log)
		if err != nil {
			return fmt.Errorf("order events: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(a.presence, a.engine)
	}

	pc, _ := mapPprofConfig(cfg)
	a.pprof = pprof.New(pc, log)

	ac, _ := mapAuthConfig(cfg)
	auth, err := httpapi.NewAuthenticator(ac)
	if err != nil {
		return err
	}
	hc, _ := mapServerConfig(cfg)
	a.http = httpapi.New(hc, httpapi.Deps{
		Auth:          auth,
		Presence:      a.presence,
		Live:          a.hub,
		Notifications: a.engine,
		Triggers:      a.triggers,
		Devices:       store,
		Metrics:       a.metrics,
		Log:           log,
	})
	return nil
}

// Handler exposes the HTTP router.
func (a *App) Handler() http.Handler { return a.http.Handler() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) sweep(ctx context.Context) error {
	res, err := a.engine.RunSweep(ctx, time.Now())
	if err != nil {
		return err
	}
	if res.Processed > 0 || res.Errors > 0 {
		a.log.Info("sweep finished",
			logx.Int("processed", res.Processed),
			logx.Int("sent", res.Sent),
			logx.Int("failed", res.Failed),
			logx.Int("errors", res.Errors),
		)
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.sup.Go("http", a.http.Run)

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Info("periodic sweep disabled; use the admin sweep endpoint")
	}

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	if a.orders != nil {
		a.sup.GoRestart("orderevents", a.orders.Run, supervisor.Backoff{Min: time.Second, Max: 30 * time.Second})
	}

	if a.metrics != nil {
		a.sup.Go0("metrics.events", func(c context.Context) { a.metrics.Run(c, a.bus) })
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level; sweeps and channel attempts are frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig pushes hot-reloadable settings into running components.
// The config was validated before it was published.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if w, err := mapActiveWindow(newCfg); err == nil {
		a.presence.SetActiveWindow(w)
	}
	if lc, err := mapLiveConfig(newCfg); err == nil {
		a.hub.Apply(lc)
	}
	if dc, err := mapDeliveryConfig(newCfg); err == nil {
		a.engine.Apply(dc)
	}
	if tc, err := mapTriggerConfig(newCfg); err == nil {
		a.triggers.Apply(tc)
	}
	if l, err := mapGatewayLimits(newCfg); err == nil {
		if a.mobile != nil {
			a.mobile.Apply(l)
		}
		if a.web != nil {
			a.web.Apply(l)
		}
	}
	a.applySweep(ctx, newCfg)
	if pc, err := mapPprofConfig(newCfg); err == nil {
		a.pprof.Reconfigure(ctx, pc)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applySweep(ctx context.Context, newCfg *config.Config) {
	sw, err := mapSweepConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid sweep config; keeping previous", logx.Err(err))
		return
	}
	prevEnabled := a.sched.Enabled()
	a.sched.Apply(sw.sched)
	if err := a.sched.AddSchedule(sweepScheduleName, sw.spec, sw.timeout, a.sweep); err != nil {
		a.log.Warn("sweep schedule update failed", logx.Err(err))
	}
	switch {
	case prevEnabled && !sw.sched.Enabled:
		a.log.Info("periodic sweep disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevEnabled && sw.sched.Enabled:
		a.log.Info("periodic sweep enabled via config")
		a.sched.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Canceling the supervisor stops the HTTP server, the consumer and the
	// reload loops; the scheduler's runs derive from the same context.
	step("supervisor", 10*time.Second, a.sup.Stop)
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("livestream", 2*time.Second, a.hub.Wait)
	a.closeResources()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.orders != nil {
		if err := a.orders.Close(); err != nil {
			a.log.Warn("order events close failed", logx.Err(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("lock close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}
