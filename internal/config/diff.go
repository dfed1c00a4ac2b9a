package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyhub/pkg/logx"
)

// SummarizeChange returns the sorted list of changed top-level sections and
// log fields describing the new values. Secrets are reported only as
// "<field>_set" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Int("server.allowed_origins", len(newCfg.Server.AllowedOrigins)),
		)
	}

	if oldCfg.Auth.JWTSecret != newCfg.Auth.JWTSecret ||
		oldCfg.Auth.Issuer != newCfg.Auth.Issuer ||
		oldCfg.Auth.AdminRole != newCfg.Auth.AdminRole {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Bool("auth.jwt_secret_set", strings.TrimSpace(newCfg.Auth.JWTSecret) != ""),
			logx.String("auth.issuer", newCfg.Auth.Issuer),
			logx.String("auth.admin_role", newCfg.Auth.AdminRole),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.String("logging.instance", newCfg.Logging.Instance),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Presence != newCfg.Presence {
		changed = append(changed, "presence")
		attrs = append(attrs, logx.String("presence.active_window", newCfg.Presence.ActiveWindow))
	}

	if oldCfg.Live != newCfg.Live {
		changed = append(changed, "live")
		attrs = append(attrs, logx.String("live.heartbeat_interval", newCfg.Live.HeartbeatInterval))
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.batch_size", newCfg.Delivery.BatchSize),
			logx.String("delivery.claim_ttl", newCfg.Delivery.ClaimTTL),
			logx.Int("delivery.recipient_workers", newCfg.Delivery.RecipientWorkers),
		)
	}

	if oldCfg.Sweep != newCfg.Sweep {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.Bool("sweep.enabled", newCfg.Sweep.Enabled),
			logx.String("sweep.schedule", newCfg.Sweep.Schedule),
			logx.String("sweep.timezone", newCfg.Sweep.Timezone),
		)
	}

	if oldCfg.Triggers != newCfg.Triggers {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.String("triggers.login_delay", newCfg.Triggers.LoginDelay),
			logx.String("triggers.welcome_delay", newCfg.Triggers.WelcomeDelay),
		)
	}

	if !reflect.DeepEqual(oldCfg.Gateways, newCfg.Gateways) {
		changed = append(changed, "gateways")
		wp := newCfg.Gateways.WebPush
		attrs = append(attrs,
			logx.Bool("gateways.fcm", newCfg.Gateways.FCM != nil),
			logx.Bool("gateways.webpush", wp != nil),
			logx.Bool("gateways.webpush.private_key_set", wp != nil && wp.VAPIDPrivateKey != ""),
			logx.Int("gateways.rate_per_sec", newCfg.Gateways.RatePerSec),
			logx.Int("gateways.retry_max", newCfg.Gateways.RetryMax),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Lock, newCfg.Lock) {
		changed = append(changed, "lock")
		attrs = append(attrs, logx.Bool("lock.enabled", newCfg.Lock != nil))
		if l := newCfg.Lock; l != nil {
			attrs = append(attrs,
				logx.String("lock.addr", l.Addr),
				logx.Bool("lock.password_set", l.Password != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.OrderEvents, newCfg.OrderEvents) {
		changed = append(changed, "order_events")
		attrs = append(attrs, logx.Bool("order_events.enabled", newCfg.OrderEvents != nil))
		if oe := newCfg.OrderEvents; oe != nil {
			attrs = append(attrs,
				logx.Strings("order_events.brokers", oe.Brokers),
				logx.String("order_events.topic", oe.Topic),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs, logx.Bool("pprof.enabled", newCfg.Pprof != nil && newCfg.Pprof.Enabled))
		if p := newCfg.Pprof; p != nil {
			attrs = append(attrs,
				logx.String("pprof.addr", p.Addr),
				logx.Bool("pprof.token_set", p.Token != ""),
			)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports which changed sections only take effect after a
// process restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "server", "storage", "gateways", "lock", "order_events", "metrics", "auth":
			out = append(out, s)
		}
	}
	return out
}
