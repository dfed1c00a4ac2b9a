package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "1m") and are parsed when mapped onto
// component configs.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Presence PresenceConfig `json:"presence"`
	Live     LiveConfig     `json:"live"`
	Delivery DeliveryConfig `json:"delivery"`
	Sweep    SweepConfig    `json:"sweep"`
	Triggers TriggerConfig  `json:"triggers"`
	Gateways GatewayConfig  `json:"gateways"`
	Metrics  MetricsConfig  `json:"metrics"`

	// Lock enables the distributed sweep lock. Omit for single-instance
	// deployments.
	Lock *LockConfig `json:"lock,omitempty"`

	// OrderEvents enables the Kafka order-status consumer.
	OrderEvents *OrderEventsConfig `json:"order_events,omitempty"`

	// Pprof serves runtime profiles on a separate, loopback-only listener.
	Pprof *PprofConfig `json:"pprof,omitempty"`
}

type ServerConfig struct {
	Addr            string   `json:"addr"` // default ":8080"
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	IdleTimeout     string   `json:"idle_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
}

// AuthConfig verifies bearer tokens issued by the identity service.
type AuthConfig struct {
	// JWTSecret is the HS256 key. Prefer NOTIFYHUB_JWT_SECRET over the file.
	JWTSecret string `json:"jwt_secret,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
	AdminRole string `json:"admin_role,omitempty"` // default "admin"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "pretty" or "json"
	File    LoggingFile `json:"file"`
	// Instance defaults to the hostname.
	Instance string `json:"instance,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyhub.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; prefer NOTIFYHUB_STORAGE_DSN
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

type PresenceConfig struct {
	// ActiveWindow is how recent a heartbeat must be for a session to count
	// as active. Default "60s".
	ActiveWindow string `json:"active_window,omitempty"`
}

type LiveConfig struct {
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"` // default "30s"
	SendBuffer        int    `json:"send_buffer,omitempty"`
	WriteTimeout      string `json:"write_timeout,omitempty"`
}

type DeliveryConfig struct {
	BatchSize        int    `json:"batch_size,omitempty"`
	ClaimTTL         string `json:"claim_ttl,omitempty"`
	RecipientWorkers int    `json:"recipient_workers,omitempty"`
	RecipientTimeout string `json:"recipient_timeout,omitempty"`
}

// SweepConfig controls the periodic trigger of the delivery sweep.
type SweepConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression (5 or 6 fields) or an interval such as
	// "every 10s" or "@every 1m". Default "every 10s".
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type TriggerConfig struct {
	LoginDelay      string `json:"login_delay,omitempty"`   // default "10s"
	WelcomeDelay    string `json:"welcome_delay,omitempty"` // default "5s"
	GuardTTL        string `json:"guard_ttl,omitempty"`
	GuardMaxEntries int    `json:"guard_max_entries,omitempty"`
	BrandName       string `json:"brand_name,omitempty"`
}

type GatewayConfig struct {
	FCM     *FCMConfig     `json:"fcm,omitempty"`
	WebPush *WebPushConfig `json:"webpush,omitempty"`

	Timeout       string `json:"timeout,omitempty"` // per attempt, default "5s"
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type FCMConfig struct {
	CredentialsFile string `json:"credentials_file"`
	ProjectID       string `json:"project_id,omitempty"`
}

type WebPushConfig struct {
	VAPIDPublicKey string `json:"vapid_public_key"`
	// VAPIDPrivateKey; prefer NOTIFYHUB_VAPID_PRIVATE_KEY.
	VAPIDPrivateKey string `json:"vapid_private_key,omitempty"`
	Subscriber      string `json:"subscriber"`
	TTL             int    `json:"ttl,omitempty"`
	Urgency         string `json:"urgency,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default "/metrics"
}

type LockConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // prefer NOTIFYHUB_REDIS_PASSWORD
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

type OrderEventsConfig struct {
	Brokers  []string `json:"brokers"`
	Topic    string   `json:"topic,omitempty"` // default "order-status"
	GroupID  string   `json:"group_id,omitempty"`
	MinBytes int      `json:"min_bytes,omitempty"`
	MaxBytes int      `json:"max_bytes,omitempty"`
	MaxWait  string   `json:"max_wait,omitempty"`
}

type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	// Token is required when Addr is not a loopback address, unless
	// AllowInsecure is set.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
