package app

import (
	"fmt"
	"strings"
	"time"

	"notifyhub/internal/config"
	"notifyhub/internal/delivery"
	"notifyhub/internal/gateway"
	"notifyhub/internal/gateway/webpush"
	"notifyhub/internal/httpapi"
	"notifyhub/internal/livestream"
	"notifyhub/internal/lock"
	"notifyhub/internal/observability/pprof"
	"notifyhub/internal/orderevents"
	"notifyhub/internal/storage"
	"notifyhub/internal/task/scheduler"
	"notifyhub/internal/trigger"
	logx "notifyhub/pkg/logx"
)

const (
	sweepScheduleName   = "sweep"
	defaultSweepSpec    = "every 10s"
	defaultActiveWindow = 60 * time.Second
	defaultSweepTimeout = 5 * time.Minute
	minClaimTTL         = 10 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Instance: cfg.Logging.Instance,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn (or %s) is required when storage.driver=postgres", config.EnvStorageDSN)
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapActiveWindow(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("presence.active_window", cfg.Presence.ActiveWindow, defaultActiveWindow)
}

func mapLiveConfig(cfg *config.Config) (livestream.Config, error) {
	hb, err := config.ParseDurationField("live.heartbeat_interval", cfg.Live.HeartbeatInterval)
	if err != nil {
		return livestream.Config{}, err
	}
	wt, err := config.ParseDurationField("live.write_timeout", cfg.Live.WriteTimeout)
	if err != nil {
		return livestream.Config{}, err
	}
	if cfg.Live.SendBuffer < 0 {
		return livestream.Config{}, fmt.Errorf("live.send_buffer must be >= 0")
	}
	return livestream.Config{
		HeartbeatInterval: hb,
		SendBuffer:        cfg.Live.SendBuffer,
		WriteTimeout:      wt,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	if dc.BatchSize < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.batch_size must be >= 0")
	}
	if dc.RecipientWorkers < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.recipient_workers must be >= 0")
	}
	claimTTL, err := config.ParseDurationField("delivery.claim_ttl", dc.ClaimTTL)
	if err != nil {
		return delivery.Config{}, err
	}
	// Claims are renewed every claim_ttl/3; shorter leases would lapse
	// between renewals on a slow store.
	if claimTTL > 0 && claimTTL < minClaimTTL {
		return delivery.Config{}, fmt.Errorf("delivery.claim_ttl must be at least %s", minClaimTTL)
	}
	sweepTimeout, err := config.ParseDurationOrDefault("sweep.timeout", cfg.Sweep.Timeout, defaultSweepTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	recTimeout, err := config.ParseDurationField("delivery.recipient_timeout", dc.RecipientTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	out := delivery.Config{
		BatchSize:        dc.BatchSize,
		ClaimTTL:         claimTTL,
		RecipientWorkers: dc.RecipientWorkers,
		RecipientTimeout: recTimeout,
		SweepTimeout:     sweepTimeout,
	}
	if cfg.Lock != nil {
		out.LockTTL, err = config.ParseDurationField("lock.ttl", cfg.Lock.TTL)
		if err != nil {
			return delivery.Config{}, err
		}
		if out.LockTTL > 0 && out.LockTTL <= sweepTimeout {
			return delivery.Config{}, fmt.Errorf("lock.ttl (%s) must exceed sweep.timeout (%s)", out.LockTTL, sweepTimeout)
		}
	}
	return out, nil
}

// sweepSchedule is the scheduler config plus the sweep job's own settings.
type sweepSchedule struct {
	sched   scheduler.Config
	spec    string
	timeout time.Duration
}

func mapSweepConfig(cfg *config.Config) (sweepSchedule, error) {
	sc := cfg.Sweep
	spec := strings.TrimSpace(sc.Schedule)
	if spec == "" {
		spec = defaultSweepSpec
	}
	if err := scheduler.ValidateSchedule(spec); err != nil {
		return sweepSchedule{}, fmt.Errorf("sweep.schedule: %w", err)
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return sweepSchedule{}, fmt.Errorf("sweep.timezone: invalid %q: %w", tz, err)
		}
	}
	timeout, err := config.ParseDurationOrDefault("sweep.timeout", sc.Timeout, defaultSweepTimeout)
	if err != nil {
		return sweepSchedule{}, err
	}
	return sweepSchedule{
		sched: scheduler.Config{
			Enabled:        sc.Enabled,
			Timezone:       sc.Timezone,
			DefaultTimeout: timeout,
		},
		spec:    spec,
		timeout: timeout,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	tc := cfg.Triggers
	login, err := config.ParseDurationField("triggers.login_delay", tc.LoginDelay)
	if err != nil {
		return trigger.Config{}, err
	}
	welcome, err := config.ParseDurationField("triggers.welcome_delay", tc.WelcomeDelay)
	if err != nil {
		return trigger.Config{}, err
	}
	guardTTL, err := config.ParseDurationField("triggers.guard_ttl", tc.GuardTTL)
	if err != nil {
		return trigger.Config{}, err
	}
	if tc.GuardMaxEntries < 0 {
		return trigger.Config{}, fmt.Errorf("triggers.guard_max_entries must be >= 0")
	}
	return trigger.Config{
		LoginDelay:      login,
		WelcomeDelay:    welcome,
		GuardTTL:        guardTTL,
		GuardMaxEntries: tc.GuardMaxEntries,
		BrandName:       tc.BrandName,
	}, nil
}

func mapGatewayLimits(cfg *config.Config) (gateway.Limits, error) {
	gc := cfg.Gateways
	if gc.RatePerSec < 0 {
		return gateway.Limits{}, fmt.Errorf("gateways.rate_per_sec must be >= 0")
	}
	if gc.RetryMax < 0 {
		return gateway.Limits{}, fmt.Errorf("gateways.retry_max must be >= 0")
	}
	timeout, err := config.ParseDurationField("gateways.timeout", gc.Timeout)
	if err != nil {
		return gateway.Limits{}, err
	}
	base, err := config.ParseDurationField("gateways.retry_base", gc.RetryBase)
	if err != nil {
		return gateway.Limits{}, err
	}
	maxDelay, err := config.ParseDurationField("gateways.retry_max_delay", gc.RetryMaxDelay)
	if err != nil {
		return gateway.Limits{}, err
	}
	return gateway.Limits{
		Timeout:       timeout,
		RatePerSec:    gc.RatePerSec,
		RetryMax:      gc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapWebPushConfig(cfg *config.Config) (webpush.Config, bool, error) {
	wc := cfg.Gateways.WebPush
	if wc == nil {
		return webpush.Config{}, false, nil
	}
	if strings.TrimSpace(wc.VAPIDPublicKey) == "" || strings.TrimSpace(wc.VAPIDPrivateKey) == "" {
		return webpush.Config{}, false, fmt.Errorf("gateways.webpush: vapid_public_key and vapid_private_key (or %s) are required", config.EnvVAPIDPrivateKey)
	}
	if wc.TTL < 0 {
		return webpush.Config{}, false, fmt.Errorf("gateways.webpush.ttl must be >= 0")
	}
	return webpush.Config{
		VAPIDPublicKey:  wc.VAPIDPublicKey,
		VAPIDPrivateKey: wc.VAPIDPrivateKey,
		Subscriber:      wc.Subscriber,
		TTL:             time.Duration(wc.TTL) * time.Second,
		Urgency:         wc.Urgency,
	}, true, nil
}

func mapServerConfig(cfg *config.Config) (httpapi.Config, error) {
	sc := cfg.Server
	read, err := config.ParseDurationField("server.read_timeout", sc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationField("server.idle_timeout", sc.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	shutdown, err := config.ParseDurationField("server.shutdown_timeout", sc.ShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:            sc.Addr,
		ReadTimeout:     read,
		IdleTimeout:     idle,
		ShutdownTimeout: shutdown,
		MetricsPath:     cfg.Metrics.Path,
	}, nil
}

func mapAuthConfig(cfg *config.Config) (httpapi.AuthConfig, error) {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return httpapi.AuthConfig{}, fmt.Errorf("auth.jwt_secret (or %s) is required", config.EnvJWTSecret)
	}
	return httpapi.AuthConfig{
		Secret:    cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		AdminRole: cfg.Auth.AdminRole,
	}, nil
}

func mapLockConfig(cfg *config.Config) (lock.RedisConfig, bool, error) {
	lc := cfg.Lock
	if lc == nil {
		return lock.RedisConfig{}, false, nil
	}
	if strings.TrimSpace(lc.Addr) == "" {
		return lock.RedisConfig{}, false, fmt.Errorf("lock.addr is required when lock is configured")
	}
	return lock.RedisConfig{
		Addr:     lc.Addr,
		Password: lc.Password,
		DB:       lc.DB,
		Prefix:   lc.Prefix,
	}, true, nil
}

func mapOrderEventsConfig(cfg *config.Config) (orderevents.Config, bool, error) {
	oc := cfg.OrderEvents
	if oc == nil {
		return orderevents.Config{}, false, nil
	}
	if len(oc.Brokers) == 0 {
		return orderevents.Config{}, false, fmt.Errorf("order_events.brokers is required when order_events is configured")
	}
	maxWait, err := config.ParseDurationField("order_events.max_wait", oc.MaxWait)
	if err != nil {
		return orderevents.Config{}, false, err
	}
	return orderevents.Config{
		Brokers:  oc.Brokers,
		Topic:    oc.Topic,
		GroupID:  oc.GroupID,
		MinBytes: oc.MinBytes,
		MaxBytes: oc.MaxBytes,
		MaxWait:  maxWait,
	}, true, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	if pc == nil {
		return pprof.Config{}, nil
	}
	out := pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		Token:                pc.Token,
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
	}
	if err := out.Validate(); err != nil {
		return pprof.Config{}, fmt.Errorf("pprof: %w", err)
	}
	return out, nil
}

// validateConfig rejects a config any component would refuse. It runs at
// startup and before every hot reload is committed.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapActiveWindow(cfg); err != nil {
		return err
	}
	if _, err := mapLiveConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSweepConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTriggerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGatewayLimits(cfg); err != nil {
		return err
	}
	if _, _, err := mapWebPushConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAuthConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapLockConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapOrderEventsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return nil
}
