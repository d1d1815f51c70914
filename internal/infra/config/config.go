package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Session   SessionSettings   `mapstructure:"session"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Sanitize  SanitizeSettings  `mapstructure:"sanitize"`
	Commands  CommandsSettings  `mapstructure:"commands"`
	Audit     AuditSettings     `mapstructure:"audit"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// DispatchDeadline bounds the whole validation pipeline per command;
	// exceeding it denies with validation_timeout (fail closed).
	DispatchDeadline time.Duration `mapstructure:"dispatch_deadline"`
}

// SessionSettings configures session lifetimes, risk handling, and the
// second-factor freshness window.
type SessionSettings struct {
	AbsoluteTTL         time.Duration `mapstructure:"absolute_ttl"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	TokenBytes          int           `mapstructure:"token_bytes"`
	RiskFlagThreshold   int           `mapstructure:"risk_flag_threshold"`
	RiskHalfLife        time.Duration `mapstructure:"risk_half_life"`
	MaxFailedAttempts   int           `mapstructure:"max_failed_attempts"`
	SecondFactorWindow  time.Duration `mapstructure:"second_factor_window"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	Shards              int           `mapstructure:"shards"`
	HandshakeWindow     time.Duration `mapstructure:"handshake_window"`
	HandshakeMaxPerIP   int           `mapstructure:"handshake_max_per_ip"`
	DenylistedTokenCap  int           `mapstructure:"denylisted_token_cap"`
	SecondFactorIssuer  string        `mapstructure:"second_factor_issuer"`
	SecondFactorSecrets map[string]string `mapstructure:"second_factor_secrets"`
}

// RateLimitSettings configures the default per-key strategy; per-command
// overrides live in the commands file.
type RateLimitSettings struct {
	Strategy        string        `mapstructure:"strategy"`
	Window          time.Duration `mapstructure:"window"`
	Limit           int           `mapstructure:"limit"`
	BucketCapacity  int           `mapstructure:"bucket_capacity"`
	RefillPerSecond int           `mapstructure:"refill_per_second"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	IdleEviction    time.Duration `mapstructure:"idle_eviction"`
	Shards          int           `mapstructure:"shards"`
}

// SanitizeSettings bounds payload cost before any per-field work happens.
type SanitizeSettings struct {
	MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
	MaxNestingDepth int `mapstructure:"max_nesting_depth"`
	MaxStringLength int `mapstructure:"max_string_length"`
	MaxArrayLength  int `mapstructure:"max_array_length"`
	MaxObjectKeys   int `mapstructure:"max_object_keys"`
}

// CommandsSettings points at the classification table file.
type CommandsSettings struct {
	File      string `mapstructure:"file"`
	HotReload bool   `mapstructure:"hot_reload"`
}

// AuditSettings configures the write-ahead sink and buffering.
type AuditSettings struct {
	FilePath      string        `mapstructure:"file_path"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxFileBytes  int64         `mapstructure:"max_file_bytes"`
	MaxFiles      int           `mapstructure:"max_files"`
	Retention     time.Duration `mapstructure:"retention"`
	AlertsPerMin  int           `mapstructure:"alerts_per_min"`
}

// RedisSettings configures the optional Redis backing for handshake limits.
type RedisSettings struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DB         int    `mapstructure:"db"`
	Password   string `mapstructure:"password"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// PostgresSettings configures the optional audit archive.
type PostgresSettings struct {
	Enabled           bool          `mapstructure:"enabled"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// KafkaSettings configures the security-alert mirror.
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

type TelemetrySettings struct {
	MetricsPath string `mapstructure:"metrics_path"`
	ServiceName string `mapstructure:"service_name"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("GATEWAY")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"app.dispatch_deadline",
		"session.absolute_ttl",
		"session.idle_timeout",
		"session.token_bytes",
		"session.risk_flag_threshold",
		"session.risk_half_life",
		"session.max_failed_attempts",
		"session.second_factor_window",
		"session.cleanup_interval",
		"session.shards",
		"session.handshake_window",
		"session.handshake_max_per_ip",
		"session.denylisted_token_cap",
		"session.second_factor_issuer",
		"rate_limit.strategy",
		"rate_limit.window",
		"rate_limit.limit",
		"rate_limit.bucket_capacity",
		"rate_limit.refill_per_second",
		"rate_limit.cooldown",
		"rate_limit.idle_eviction",
		"rate_limit.shards",
		"sanitize.max_payload_bytes",
		"sanitize.max_nesting_depth",
		"sanitize.max_string_length",
		"sanitize.max_array_length",
		"sanitize.max_object_keys",
		"commands.file",
		"commands.hot_reload",
		"audit.file_path",
		"audit.buffer_size",
		"audit.flush_interval",
		"audit.max_file_bytes",
		"audit.max_files",
		"audit.retention",
		"audit.alerts_per_min",
		"redis.enabled",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.key_prefix",
		"postgres.enabled",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.health_check_period",
		"kafka.brokers",
		"kafka.topic_prefix",
		"telemetry.metrics_path",
		"telemetry.service_name",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ipc-gateway")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "127.0.0.1")
	v.SetDefault("app.port", 8443)
	v.SetDefault("app.dispatch_deadline", "250ms")

	v.SetDefault("session.absolute_ttl", "24h")
	v.SetDefault("session.idle_timeout", "30m")
	v.SetDefault("session.token_bytes", 32)
	v.SetDefault("session.risk_flag_threshold", 70)
	v.SetDefault("session.risk_half_life", "10m")
	v.SetDefault("session.max_failed_attempts", 5)
	v.SetDefault("session.second_factor_window", "5m")
	v.SetDefault("session.cleanup_interval", "1m")
	v.SetDefault("session.shards", 16)
	v.SetDefault("session.handshake_window", "1m")
	v.SetDefault("session.handshake_max_per_ip", 10)
	v.SetDefault("session.denylisted_token_cap", 10000)
	v.SetDefault("session.second_factor_issuer", "ipc-gateway")

	v.SetDefault("rate_limit.strategy", "token_bucket")
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.bucket_capacity", 10)
	v.SetDefault("rate_limit.refill_per_second", 10)
	v.SetDefault("rate_limit.cooldown", "5m")
	v.SetDefault("rate_limit.idle_eviction", "1h")
	v.SetDefault("rate_limit.shards", 16)

	v.SetDefault("sanitize.max_payload_bytes", 65536)
	v.SetDefault("sanitize.max_nesting_depth", 10)
	v.SetDefault("sanitize.max_string_length", 10000)
	v.SetDefault("sanitize.max_array_length", 1000)
	v.SetDefault("sanitize.max_object_keys", 100)

	v.SetDefault("commands.file", "./config/commands.yaml")
	v.SetDefault("commands.hot_reload", true)

	v.SetDefault("audit.file_path", "./logs/audit.log")
	v.SetDefault("audit.buffer_size", 4096)
	v.SetDefault("audit.flush_interval", "200ms")
	v.SetDefault("audit.max_file_bytes", 104857600) // 100 MB
	v.SetDefault("audit.max_files", 10)
	v.SetDefault("audit.retention", "2160h") // 90 days
	v.SetDefault("audit.alerts_per_min", 30)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.key_prefix", "gateway:handshake")

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "gateway")
	v.SetDefault("postgres.password", "gateway_password")
	v.SetDefault("postgres.database", "gateway")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "gateway")

	v.SetDefault("telemetry.metrics_path", "/metrics")
	v.SetDefault("telemetry.service_name", "ipc-gateway")
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "GATEWAY_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
